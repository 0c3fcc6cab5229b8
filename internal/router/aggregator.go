package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/payagent/internal/consolidate"
	"github.com/ggonzalez94/payagent/internal/ens"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/x402"
	"golang.org/x/sync/errgroup"
)

const DefaultProviderTimeout = 8 * time.Second

type IntentParser interface {
	Parse(message string) (model.Intent, error)
}

type ProfileResolver interface {
	Resolve(ctx context.Context, identifier string) model.RecipientProfile
}

type PaywallProber interface {
	Probe(ctx context.Context, url string) (*model.PaymentDescriptor, error)
}

type BalanceScanner interface {
	Scan(ctx context.Context, owner string) ([]model.Balance, error)
}

type PlanBuilder interface {
	BuildPlan(ctx context.Context, opps []model.ConsolidationOpportunity, target model.ConsolidationTarget) model.ConsolidationPlan
}

type providerKind int

const (
	kindHook providerKind = iota
	kindCrossChain
	kindVault
)

func (k providerKind) String() string {
	switch k {
	case kindHook:
		return "hook"
	case kindCrossChain:
		return "cross-chain"
	case kindVault:
		return "vault"
	}
	return "unknown"
}

// routeTable lists provider groups per action in merge precedence order.
// Actions absent here are served by dedicated flows.
var routeTable = map[model.Action][]providerKind{
	model.ActionTransfer: {kindCrossChain},
	model.ActionSwap:     {kindHook, kindCrossChain},
	model.ActionDeposit:  {kindVault},
	model.ActionYield:    {kindVault},
}

// Config wires the aggregator's collaborators. Nil collaborators disable the
// flows that need them.
type Config struct {
	Parser     IntentParser
	Resolver   ProfileResolver
	Hook       []providers.RouteProvider
	CrossChain []providers.RouteProvider
	Vault      []providers.RouteProvider
	Paywall    PaywallProber
	Balances   BalanceScanner
	Planner    PlanBuilder

	ProviderTimeout time.Duration
	Logger          *slog.Logger
}

type Aggregator struct {
	parser   IntentParser
	resolver ProfileResolver
	groups   map[providerKind][]providers.RouteProvider
	paywall  PaywallProber
	balances BalanceScanner
	planner  PlanBuilder
	timeout  time.Duration
	log      *slog.Logger
}

func New(cfg Config) *Aggregator {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Aggregator{
		parser:   cfg.Parser,
		resolver: cfg.Resolver,
		groups: map[providerKind][]providers.RouteProvider{
			kindHook:       cfg.Hook,
			kindCrossChain: cfg.CrossChain,
			kindVault:      cfg.Vault,
		},
		paywall:  cfg.Paywall,
		balances: cfg.Balances,
		planner:  cfg.Planner,
		timeout:  timeout,
		log:      logging.OrDiscard(cfg.Logger),
	}
}

// Origin describes the request that carried a chat message, for resolving
// relative paywall URLs.
type Origin struct {
	Host  string
	Proto string
}

// Chat parses the message and answers it.
func (a *Aggregator) Chat(ctx context.Context, req model.ChatRequest, origin Origin) (model.ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return model.ChatResponse{}, clierr.New(clierr.CodeUsage, "Message is required")
	}
	if a.parser == nil {
		return model.ChatResponse{}, clierr.New(clierr.CodeInternal, "intent parser is not configured")
	}
	in, err := a.parser.Parse(req.Message)
	if err != nil {
		return model.ChatResponse{}, err
	}
	return a.Answer(ctx, in, req, origin)
}

// recipient is what preference resolution learned about the destination.
type recipient struct {
	address  string
	note     string
	slippage float64
	maxFee   string
	vault    string
	strategy string
	name     string
	profile  *model.EnsProfile
}

// Answer runs an already-parsed intent through resolution, fan-out and
// filtering.
func (a *Aggregator) Answer(ctx context.Context, in model.Intent, req model.ChatRequest, origin Origin) (model.ChatResponse, error) {
	var rec recipient
	if ens.IsName(in.ToAddress) && a.resolver != nil {
		profile := a.resolver.Resolve(ctx, in.ToAddress)
		if !profile.Resolved() {
			return model.ChatResponse{
				Content: fmt.Sprintf("Could not resolve ENS name \"%s\". Please check the name and try again.", in.ToAddress),
				Intent:  in,
			}, nil
		}
		rec = applyProfile(&in, profile)
	} else if id.IsAddress(in.ToAddress) {
		rec.address = in.ToAddress
	}
	if in.Action == model.ActionTransfer && in.ToToken == "" {
		in.ToToken = in.FromToken
	}

	if routeTable[in.Action] != nil {
		reresolveDestination(&in)
	}

	var (
		resp model.ChatResponse
		err  error
	)
	switch in.Action {
	case model.ActionPayViaPaywall:
		resp = a.payViaPaywall(ctx, in, origin)
	case model.ActionConsolidate:
		resp, err = a.consolidate(ctx, in, req)
	case model.ActionTransfer, model.ActionSwap, model.ActionDeposit, model.ActionYield:
		resp = a.route(ctx, in, req, rec)
	default:
		return model.ChatResponse{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported action: %s", in.Action))
	}
	if err != nil {
		return model.ChatResponse{}, err
	}

	if rec.note != "" {
		resp.Content = rec.note + "\n\n" + resp.Content
	}
	if rec.note != "" && rec.address != "" {
		resp.ResolvedAddress = rec.address
	}
	resp.EnsProfile = rec.profile
	resp.MultichainName = multichainName(rec.name, in.ToChain)
	return resp, nil
}

// applyProfile fills empty intent fields from the recipient's declared
// preferences and builds the resolution note.
func applyProfile(in *model.Intent, p model.RecipientProfile) recipient {
	rec := recipient{address: *p.Address, maxFee: p.MaxFee, vault: p.Vault, strategy: p.Strategy, name: in.ToAddress}
	rec.note = fmt.Sprintf("Resolved %s → %s", in.ToAddress, rec.address)

	var prefs []string
	if p.PreferredToken != "" {
		prefs = append(prefs, p.PreferredToken)
	}
	if p.PreferredChain != "" {
		prefs = append(prefs, "on "+p.PreferredChain)
	}
	if p.PreferredSlippage != "" {
		prefs = append(prefs, "slippage ≤"+p.PreferredSlippage+"%")
	}
	if p.MaxFee != "" {
		prefs = append(prefs, "max fee $"+p.MaxFee)
	}
	if len(prefs) > 0 {
		rec.note += " (prefers " + strings.Join(prefs, ", ") + ")"
	}
	if p.Description != "" {
		rec.note += "\nProfile: " + p.Description
	}
	if p.Avatar != "" || p.Description != "" {
		rec.profile = &model.EnsProfile{Avatar: p.Avatar, Description: p.Description}
	}

	if p.PreferredChain != "" && in.ToChain == "" {
		in.ToChain = p.PreferredChain
	}
	if p.PreferredToken != "" && in.ToToken == "" {
		in.ToToken = p.PreferredToken
	}
	rec.slippage = ProfileSlippage(p.PreferredSlippage)
	return rec
}

// multichainName renders name@chain for a resolved name on a chain with an
// ERC-7828 label.
func multichainName(name, chain string) string {
	if name == "" || chain == "" {
		return ""
	}
	c, err := id.ParseChain(chain)
	if err != nil {
		return ""
	}
	short := ens.ChainShortName(c.EVMChainID)
	if short == "" {
		return ""
	}
	return ens.FormatChainAddress(name, short)
}

// ProfileSlippage converts a percentage text record into a fraction. Invalid
// or non-positive values yield 0.
func ProfileSlippage(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%")), 64)
	if err != nil || v <= 0 {
		return 0
	}
	return v / 100
}

// reresolveDestination moves an unset destination chain to the first chain
// where the destination token exists when the default chain lacks it.
func reresolveDestination(in *model.Intent) {
	if in.ToChain != "" || in.ToToken == "" {
		return
	}
	def, err := id.ParseChain(firstNonEmpty(in.FromChain, id.DefaultChainSlug))
	if err != nil {
		return
	}
	if _, ok := id.KnownToken(def.EVMChainID, in.ToToken); ok {
		return
	}
	if native, ok := id.NativeChainFor(in.ToToken); ok {
		in.ToChain = native.Slug
	}
}

func (a *Aggregator) route(ctx context.Context, in model.Intent, req model.ChatRequest, rec recipient) model.ChatResponse {
	display := firstNonEmpty(rec.address, in.ToAddress)
	content := summary(in, display)

	fromChain := firstNonEmpty(in.FromChain, id.DefaultChainSlug)
	q := providers.RouteQuery{
		Action:        in.Action,
		FromAddress:   firstNonEmpty(req.UserAddress, id.NativeTokenAddress),
		Recipient:     rec.address,
		FromChain:     fromChain,
		ToChain:       firstNonEmpty(in.ToChain, in.FromChain, id.DefaultChainSlug),
		FromToken:     in.FromToken,
		ToToken:       in.ToToken,
		Amount:        in.Amount,
		Slippage:      rec.slippage,
		VaultProtocol: in.VaultProtocol,
		Vault:         rec.vault,
		Strategy:      rec.strategy,
	}
	if req.Slippage != nil {
		q.Slippage = *req.Slippage
	}
	if q.Recipient == "" && (in.Action == model.ActionDeposit || in.Action == model.ActionYield) {
		q.Recipient = req.UserAddress
	}

	routes, attempted, failed := a.fanOut(ctx, q, routeTable[in.Action])
	routes = dedupe(routes)
	a.log.Debug("route fan-out finished", "action", in.Action, "attempted", attempted, "failed", failed, "routes", len(routes))
	if len(routes) == 0 && attempted > 0 {
		content += "\n\n" + noRoutesMessage
	}

	filtered, note := FilterByMaxFee(routes, rec.maxFee)
	content += note

	return model.ChatResponse{Content: content, Intent: in, Routes: filtered}
}

const noRoutesMessage = "No routes are available for this request right now. Try again shortly or adjust the amount."

type job struct {
	kind     providerKind
	provider providers.RouteProvider
}

// fanOut queries every provider for the given kinds concurrently. Each
// provider writes into its own slot so the merged order follows the table.
// Failures and timeouts contribute nothing.
func (a *Aggregator) fanOut(ctx context.Context, q providers.RouteQuery, kinds []providerKind) ([]model.RouteOption, int, int) {
	var jobs []job
	for _, k := range kinds {
		for _, p := range a.groups[k] {
			if p != nil {
				jobs = append(jobs, job{kind: k, provider: p})
			}
		}
	}
	slots := make([][]model.RouteOption, len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	for i, j := range jobs {
		g.Go(func() error {
			start := time.Now()
			routes, err := a.query(ctx, j.provider, q)
			if err != nil {
				errs[i] = err
				a.log.Warn("provider failed", "provider", j.provider.Info().Name, "kind", j.kind.String(), "error", err)
				return nil
			}
			a.log.Debug("provider answered", "provider", j.provider.Info().Name, "routes", len(routes), "latency", time.Since(start))
			slots[i] = routes
			return nil
		})
	}
	_ = g.Wait()

	var out []model.RouteOption
	failed := 0
	for i := range jobs {
		if errs[i] != nil {
			failed++
			continue
		}
		out = append(out, slots[i]...)
	}
	return out, len(jobs), failed
}

// query bounds one provider call by the per-provider timeout, even when the
// provider ignores its context.
func (a *Aggregator) query(ctx context.Context, p providers.RouteProvider, q providers.RouteQuery) ([]model.RouteOption, error) {
	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		routes []model.RouteOption
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		routes, err := p.FindRoutes(pctx, q)
		ch <- result{routes: routes, err: err}
	}()
	select {
	case r := <-ch:
		return r.routes, r.err
	case <-pctx.Done():
		return nil, clierr.Wrap(clierr.CodeUnavailable, "provider timed out", pctx.Err())
	}
}

// dedupe drops repeated provider+path pairs and renames colliding ids so
// every id in a response is unique.
func dedupe(in []model.RouteOption) []model.RouteOption {
	out := make([]model.RouteOption, 0, len(in))
	seenPath := make(map[string]bool, len(in))
	seenID := make(map[string]bool, len(in))
	for _, r := range in {
		key := r.Provider + "|" + r.Path
		if seenPath[key] {
			continue
		}
		seenPath[key] = true
		base := r.ID
		for n := 1; seenID[r.ID]; n++ {
			r.ID = fmt.Sprintf("%s-%d", base, n)
		}
		seenID[r.ID] = true
		out = append(out, r)
	}
	return out
}

// FilterByMaxFee drops routes whose numeric fee exceeds maxFee. Fees that do
// not parse are kept. When nothing survives the full list is returned with a
// note for the user.
func FilterByMaxFee(routes []model.RouteOption, maxFee string) ([]model.RouteOption, string) {
	limit, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(maxFee), "$"), 64)
	if err != nil || limit <= 0 {
		return routes, ""
	}
	kept := make([]model.RouteOption, 0, len(routes))
	for _, r := range routes {
		fee, ok := providers.ParseFee(r.Fee)
		if !ok || fee <= limit {
			kept = append(kept, r)
		}
	}
	if len(kept) > 0 {
		return kept, ""
	}
	if len(routes) == 0 {
		return routes, ""
	}
	return routes, fmt.Sprintf("\n\nNote: No routes found within the recipient's preferred max fee of $%s. Showing all available routes.", maxFee)
}

func (a *Aggregator) payViaPaywall(ctx context.Context, in model.Intent, origin Origin) model.ChatResponse {
	if strings.TrimSpace(in.URL) == "" {
		return model.ChatResponse{Content: "No URL provided for x402 payment. Please specify the URL you want to access.", Intent: in}
	}
	var desc *model.PaymentDescriptor
	if a.paywall != nil {
		pctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		d, err := a.paywall.Probe(pctx, x402.ResolveURL(in.URL, origin.Host, origin.Proto))
		if err != nil {
			a.log.Warn("paywall probe failed", "url", in.URL, "error", err)
		}
		desc = d
	}
	if desc == nil {
		return model.ChatResponse{
			Content: fmt.Sprintf("I checked %s but no x402 paywall was detected. The resource may be freely accessible.", in.URL),
			Intent:  in,
		}
	}
	return model.ChatResponse{
		Content: fmt.Sprintf("Paywall detected at %s. Payment required: %s %s on %s to %s. I can handle this payment for you.",
			in.URL, desc.Amount, desc.Token, desc.Chain, desc.Recipient),
		Intent: in,
		Routes: []model.RouteOption{x402.Route(*desc)},
	}
}

func (a *Aggregator) consolidate(ctx context.Context, in model.Intent, req model.ChatRequest) (model.ChatResponse, error) {
	target := consolidate.NormalizeTarget(model.ConsolidationTarget{
		PreferredToken: firstNonEmpty(in.ToToken, in.FromToken),
		PreferredChain: in.ToChain,
		Address:        req.UserAddress,
	})
	if !id.IsAddress(req.UserAddress) {
		return model.ChatResponse{
			Content: fmt.Sprintf("Connect a wallet so I can scan your balances and consolidate them into %s on %s.", target.PreferredToken, chainName(target.PreferredChain)),
			Intent:  in,
		}, nil
	}
	plan, err := a.plan(ctx, target)
	if err != nil {
		return model.ChatResponse{}, err
	}
	return model.ChatResponse{
		Content: consolidationSummary(plan, target),
		Intent:  in,
		Plan:    &plan,
	}, nil
}

// Plan scans the owner's balances and plans moving them into the preferred
// token and chain.
func (a *Aggregator) Plan(ctx context.Context, req model.ConsolidateRequest) (model.ConsolidationPlan, error) {
	if !id.IsAddress(req.Address) {
		return model.ConsolidationPlan{}, clierr.New(clierr.CodeUsage, "address must be a valid EVM address")
	}
	return a.plan(ctx, consolidate.NormalizeTarget(model.ConsolidationTarget{
		PreferredToken: req.PreferredToken,
		PreferredChain: req.PreferredChain,
		Address:        req.Address,
	}))
}

func (a *Aggregator) plan(ctx context.Context, target model.ConsolidationTarget) (model.ConsolidationPlan, error) {
	if a.balances == nil || a.planner == nil {
		return model.ConsolidationPlan{}, clierr.New(clierr.CodeUnsupported, "consolidation is not configured")
	}
	bals, err := a.balances.Scan(ctx, target.Address)
	if err != nil {
		return model.ConsolidationPlan{}, err
	}
	opps := consolidate.DetectOpportunities(bals, target)
	return a.planner.BuildPlan(ctx, opps, target), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func chainName(slug string) string {
	if c, err := id.ParseChain(slug); err == nil {
		return c.Name
	}
	return slug
}
