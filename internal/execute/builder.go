package execute

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/payagent/internal/balances"
	"github.com/ggonzalez94/payagent/internal/ens"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/across"
	"github.com/ggonzalez94/payagent/internal/providers/hook"
	"github.com/ggonzalez94/payagent/internal/providers/lifi"
	"github.com/ggonzalez94/payagent/internal/providers/vault"
	"github.com/ggonzalez94/payagent/internal/providers/x402"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const (
	RouteSetPreferences = "set-preferences"
	ApprovalPrefix      = "Approval: "

	paywallDefaultChain = "base"
)

type SwapQuoter interface {
	Quote(ctx context.Context, req lifi.QuoteRequest) (lifi.Quote, error)
}

type BridgeBuilder interface {
	BuildSwapApproval(ctx context.Context, q providers.RouteQuery) (across.SwapApproval, error)
}

type VaultQuoter interface {
	Quote(ctx context.Context, q providers.RouteQuery, protocol string) (vault.Result, error)
	SplitQuote(ctx context.Context, q providers.RouteQuery) (vault.Result, error)
}

type PreferenceWriter interface {
	BuildSetPreferenceTx(ctx context.Context, name, token, chain string) (model.UnsignedTransaction, error)
}

type ProfileResolver interface {
	Resolve(ctx context.Context, identifier string) model.RecipientProfile
}

type Config struct {
	LiFi        SwapQuoter
	Across      BridgeBuilder
	Vault       VaultQuoter
	Preferences PreferenceWriter
	Resolver    ProfileResolver
	Dial        balances.Dialer
	Logger      *slog.Logger
}

// Builder turns a selected route back into the next unsigned transaction
// the wallet has to sign. Callers keep asking while the returned provider
// starts with ApprovalPrefix.
type Builder struct {
	lifi     SwapQuoter
	across   BridgeBuilder
	vault    VaultQuoter
	prefs    PreferenceWriter
	resolver ProfileResolver
	dial     balances.Dialer
	log      *slog.Logger
}

func New(cfg Config) *Builder {
	return &Builder{
		lifi:     cfg.LiFi,
		across:   cfg.Across,
		vault:    cfg.Vault,
		prefs:    cfg.Preferences,
		resolver: cfg.Resolver,
		dial:     cfg.Dial,
		log:      logging.OrDiscard(cfg.Logger),
	}
}

// pending is a main transaction plus what it needs approved first.
type pending struct {
	tx       model.UnsignedTransaction
	chain    id.Chain
	token    id.Token
	amount   string
	spender  string
	provider string
}

func (b *Builder) Build(ctx context.Context, req model.ExecuteRequest) (model.UnsignedTransaction, error) {
	if strings.TrimSpace(req.FromAddress) == "" || req.Intent == nil {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, "Missing fromAddress or intent")
	}
	in := *req.Intent
	if strings.TrimSpace(in.FromToken) == "" || strings.TrimSpace(in.ToToken) == "" || strings.TrimSpace(in.Amount) == "" {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, "Incomplete intent: fromToken, toToken, and amount required")
	}
	if !id.IsAddress(req.FromAddress) {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, "fromAddress must be a valid EVM address")
	}
	if err := id.ValidateAmount(in.Amount); err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeUsage, "invalid amount", err)
	}

	routeID := strings.TrimSpace(req.RouteID)
	switch routeID {
	case RouteSetPreferences:
		return b.setPreferences(ctx, in)
	case x402.RouteID:
		return b.paywallTransfer(ctx, in)
	}

	var slippage float64
	if req.Slippage != nil {
		slippage = *req.Slippage
	}

	var (
		step pending
		err  error
	)
	switch {
	case routeID == vault.SplitRouteID:
		step, err = b.vaultStep(ctx, req.FromAddress, in, slippage, "")
	case routeID == vault.LiquidRouteID:
		// Every share stays liquid: deliver Base USDC straight to the recipient.
		in.ToChain, in.ToToken = "base", "USDC"
		step, err = b.lifiStep(ctx, req.FromAddress, in, slippage, lifi.ProviderName)
	case strings.HasPrefix(routeID, "v4-hook"):
		in.ToChain = firstNonEmpty(in.FromChain, id.DefaultChainSlug)
		step, err = b.lifiStep(ctx, req.FromAddress, in, slippage, hook.ProviderName)
	case strings.HasPrefix(routeID, "across"):
		step, err = b.acrossStep(ctx, req.FromAddress, in, slippage)
	case strings.HasPrefix(routeID, vault.RoutePrefix):
		step, err = b.vaultStep(ctx, req.FromAddress, in, slippage, vault.ProtocolFromRouteID(routeID))
	case strings.HasPrefix(routeID, "vault-"):
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("route %s is not executable", routeID))
	default:
		step, err = b.lifiStep(ctx, req.FromAddress, in, slippage, lifi.ProviderName)
	}
	if err != nil {
		return model.UnsignedTransaction{}, err
	}
	return b.next(ctx, req.FromAddress, step)
}

func (b *Builder) setPreferences(ctx context.Context, in model.Intent) (model.UnsignedTransaction, error) {
	if b.prefs == nil {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUnsupported, "preference writes are not configured")
	}
	chain := strings.TrimSpace(in.ToChain)
	if c, err := id.ParseChain(chain); err == nil {
		chain = c.Slug
	}
	return b.prefs.BuildSetPreferenceTx(ctx, in.ToAddress, strings.ToUpper(in.ToToken), chain)
}

func (b *Builder) paywallTransfer(ctx context.Context, in model.Intent) (model.UnsignedTransaction, error) {
	chain, err := id.ParseChain(firstNonEmpty(in.ToChain, in.FromChain, paywallDefaultChain))
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeUsage, "invalid payment chain", err)
	}
	token, err := id.ResolveToken(chain, in.FromToken)
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeUsage, "invalid payment token", err)
	}
	recipient, _, err := b.recipient(ctx, in.ToAddress)
	if err != nil {
		return model.UnsignedTransaction{}, err
	}
	if recipient == "" {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, "payment recipient is required")
	}
	amount, err := baseUnits(in.Amount, token)
	if err != nil {
		return model.UnsignedTransaction{}, err
	}
	to := common.HexToAddress(recipient)
	if token.IsNative() {
		return model.UnsignedTransaction{To: to.Hex(), Data: "0x", Value: amount.String(), ChainID: chain.EVMChainID, Provider: x402.ProviderName}, nil
	}
	data, err := registry.ERC20.Pack("transfer", to, amount)
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	return model.UnsignedTransaction{
		To:       common.HexToAddress(token.Address).Hex(),
		Data:     "0x" + common.Bytes2Hex(data),
		Value:    "0",
		ChainID:  chain.EVMChainID,
		Provider: x402.ProviderName,
	}, nil
}

func (b *Builder) lifiStep(ctx context.Context, from string, in model.Intent, slippage float64, provider string) (pending, error) {
	if b.lifi == nil {
		return pending{}, clierr.New(clierr.CodeUnsupported, "lifi execution is not configured")
	}
	fromChain, toChain, fromToken, toToken, err := resolvePair(in)
	if err != nil {
		return pending{}, err
	}
	amount, err := baseUnits(in.Amount, fromToken)
	if err != nil {
		return pending{}, err
	}
	recipient, _, err := b.recipient(ctx, in.ToAddress)
	if err != nil {
		return pending{}, err
	}
	quote, err := b.lifi.Quote(ctx, lifi.QuoteRequest{
		FromChain:   fromChain,
		ToChain:     toChain,
		FromToken:   fromToken,
		ToToken:     toToken,
		FromAmount:  amount.String(),
		FromAddress: from,
		ToAddress:   recipient,
		Slippage:    slippage,
	})
	if err != nil {
		return pending{}, clierr.Wrap(clierr.CodeUnavailable, "Failed to prepare transaction", err)
	}
	return fromQuote(quote, fromChain, provider), nil
}

func (b *Builder) acrossStep(ctx context.Context, from string, in model.Intent, slippage float64) (pending, error) {
	if b.across == nil {
		return pending{}, clierr.New(clierr.CodeUnsupported, "across execution is not configured")
	}
	recipient, _, err := b.recipient(ctx, in.ToAddress)
	if err != nil {
		return pending{}, err
	}
	out, err := b.across.BuildSwapApproval(ctx, providers.RouteQuery{
		Action:      in.Action,
		FromAddress: from,
		Recipient:   recipient,
		FromChain:   firstNonEmpty(in.FromChain, id.DefaultChainSlug),
		ToChain:     firstNonEmpty(in.ToChain, in.FromChain, id.DefaultChainSlug),
		FromToken:   in.FromToken,
		ToToken:     in.ToToken,
		Amount:      in.Amount,
		Slippage:    slippage,
	})
	if err != nil {
		return pending{}, clierr.Wrap(clierr.CodeUnavailable, "Failed to prepare transaction", err)
	}
	// Across only returns approvals the depositor still needs.
	if len(out.Approvals) > 0 {
		return pending{tx: out.Approvals[0]}, nil
	}
	return pending{tx: out.Swap}, nil
}

// vaultStep quotes a deposit into protocol's vault, or the recipient's split
// allocation when protocol is empty.
func (b *Builder) vaultStep(ctx context.Context, from string, in model.Intent, slippage float64, protocol string) (pending, error) {
	if b.vault == nil {
		return pending{}, clierr.New(clierr.CodeUnsupported, "vault execution is not configured")
	}
	recipient, profile, err := b.recipient(ctx, in.ToAddress)
	if err != nil {
		return pending{}, err
	}
	fromChain, err := id.ParseChain(firstNonEmpty(in.FromChain, id.DefaultChainSlug))
	if err != nil {
		return pending{}, clierr.Wrap(clierr.CodeUsage, "invalid source chain", err)
	}
	q := providers.RouteQuery{
		Action:        in.Action,
		FromAddress:   from,
		Recipient:     firstNonEmpty(recipient, from),
		FromChain:     fromChain.Slug,
		FromToken:     in.FromToken,
		ToToken:       in.ToToken,
		Amount:        in.Amount,
		Slippage:      slippage,
		VaultProtocol: protocol,
		Vault:         profile.Vault,
		Strategy:      profile.Strategy,
	}
	provider := vault.ProviderName
	var res vault.Result
	if protocol == "" {
		provider = vault.SplitProvider
		res, err = b.vault.SplitQuote(ctx, q)
	} else {
		res, err = b.vault.Quote(ctx, q, protocol)
	}
	if err != nil {
		if typed, ok := clierr.As(err); ok && typed.Code == clierr.CodeUsage {
			return pending{}, err
		}
		return pending{}, clierr.Wrap(clierr.CodeUnavailable, "Failed to prepare transaction", err)
	}
	return fromQuote(res.Quote, fromChain, provider), nil
}

// next returns the approval the main transaction still needs, or the main
// transaction itself.
func (b *Builder) next(ctx context.Context, owner string, step pending) (model.UnsignedTransaction, error) {
	tx := step.tx
	if tx.Provider == "" {
		tx.Provider = step.provider
	}
	if step.token.Address == "" || step.token.IsNative() || !id.IsAddress(step.spender) {
		return tx, nil
	}
	need, ok := new(big.Int).SetString(step.amount, 10)
	if !ok || need.Sign() <= 0 {
		return tx, nil
	}
	if b.dial == nil {
		return tx, nil
	}
	allowance, err := b.allowance(ctx, step.chain, step.token, owner, step.spender)
	if err != nil {
		return model.UnsignedTransaction{}, err
	}
	if allowance.Cmp(need) >= 0 {
		return tx, nil
	}
	b.log.Info("allowance insufficient, returning approval", "token", step.token.Symbol, "chain", step.chain.Slug, "spender", step.spender)
	data, err := registry.ERC20.Pack("approve", common.HexToAddress(step.spender), need)
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return model.UnsignedTransaction{
		To:       common.HexToAddress(step.token.Address).Hex(),
		Data:     "0x" + common.Bytes2Hex(data),
		Value:    "0",
		ChainID:  step.chain.EVMChainID,
		Provider: ApprovalPrefix + step.provider,
	}, nil
}

func (b *Builder) allowance(ctx context.Context, chain id.Chain, token id.Token, owner, spender string) (*big.Int, error) {
	backend, closeFn, err := b.dial(ctx, chain)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc for allowance check", err)
	}
	defer closeFn()

	data, err := registry.ERC20.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance call", err)
	}
	to := common.HexToAddress(token.Address)
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token allowance", err)
	}
	vals, err := registry.ERC20.Unpack("allowance", out)
	if err != nil || len(vals) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode token allowance", err)
	}
	allowance, ok := vals[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "decode token allowance")
	}
	return allowance, nil
}

// recipient resolves an address or ENS name. An empty identifier yields an
// empty address so callers can fall back to the sender.
func (b *Builder) recipient(ctx context.Context, identifier string) (string, model.RecipientProfile, error) {
	identifier = strings.TrimSpace(identifier)
	switch {
	case identifier == "":
		return "", model.RecipientProfile{}, nil
	case id.IsAddress(identifier):
		return common.HexToAddress(identifier).Hex(), model.RecipientProfile{}, nil
	case ens.IsName(identifier) && b.resolver != nil:
		profile := b.resolver.Resolve(ctx, identifier)
		if !profile.Resolved() {
			return "", profile, clierr.New(clierr.CodeUsage, fmt.Sprintf("Could not resolve ENS name \"%s\"", identifier))
		}
		return common.HexToAddress(*profile.Address).Hex(), profile, nil
	}
	return "", model.RecipientProfile{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid recipient %q", identifier))
}

func fromQuote(q lifi.Quote, chain id.Chain, provider string) pending {
	return pending{
		tx:       q.Transaction,
		chain:    chain,
		token:    q.FromToken,
		amount:   q.FromAmount,
		spender:  firstNonEmpty(q.ApprovalAddress, q.Transaction.To),
		provider: provider,
	}
}

func resolvePair(in model.Intent) (id.Chain, id.Chain, id.Token, id.Token, error) {
	fromChain, err := id.ParseChain(firstNonEmpty(in.FromChain, id.DefaultChainSlug))
	if err != nil {
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, clierr.Wrap(clierr.CodeUsage, "invalid source chain", err)
	}
	toChain, err := id.ParseChain(firstNonEmpty(in.ToChain, fromChain.Slug))
	if err != nil {
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, clierr.Wrap(clierr.CodeUsage, "invalid destination chain", err)
	}
	fromToken, err := id.ResolveToken(fromChain, in.FromToken)
	if err != nil {
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, clierr.Wrap(clierr.CodeUsage, "invalid source token", err)
	}
	toToken, err := id.ResolveToken(toChain, in.ToToken)
	if err != nil {
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, clierr.Wrap(clierr.CodeUsage, "invalid destination token", err)
	}
	return fromChain, toChain, fromToken, toToken, nil
}

func baseUnits(amount string, token id.Token) (*big.Int, error) {
	raw, err := id.ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "invalid amount", err)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
