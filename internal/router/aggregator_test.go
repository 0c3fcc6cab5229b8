package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggonzalez94/payagent/internal/httpx"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/hook"
	"github.com/ggonzalez94/payagent/internal/providers/x402"
)

const aliceAddr = "0x00000000000000000000000000000000000a11ce"

type fixedParser struct {
	intent model.Intent
	err    error
}

func (p fixedParser) Parse(string) (model.Intent, error) { return p.intent, p.err }

type fakeResolver struct {
	profiles map[string]model.RecipientProfile
	calls    int
}

func (f *fakeResolver) Resolve(_ context.Context, name string) model.RecipientProfile {
	f.calls++
	return f.profiles[name]
}

type stubProvider struct {
	name   string
	routes []model.RouteOption
	err    error
	delay  time.Duration

	mu      sync.Mutex
	queries []providers.RouteQuery
}

func (s *stubProvider) Info() model.ProviderInfo { return model.ProviderInfo{Name: s.name} }

func (s *stubProvider) FindRoutes(_ context.Context, q providers.RouteQuery) ([]model.RouteOption, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.routes, s.err
}

func (s *stubProvider) lastQuery(t *testing.T) providers.RouteQuery {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		t.Fatalf("%s was never queried", s.name)
	}
	return s.queries[len(s.queries)-1]
}

func addr(s string) *string { return &s }

func lifiStub(routes ...model.RouteOption) *stubProvider {
	return &stubProvider{name: "lifi", routes: routes}
}

func chat(t *testing.T, a *Aggregator, req model.ChatRequest) model.ChatResponse {
	t.Helper()
	if req.Message == "" {
		req.Message = "do it"
	}
	resp, err := a.Chat(context.Background(), req, Origin{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	return resp
}

func TestSwapListsHookRoutesBeforeCrossChain(t *testing.T) {
	cross := lifiStub(model.RouteOption{ID: "lifi-0", Path: "Base USDC -> Base DAI via 1inch", Fee: "$0.40", EstimatedTime: "1 min", Provider: "LI.FI"})
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionSwap, Amount: "100", FromToken: "USDC", ToToken: "DAI", FromChain: "base"}},
		Hook:       []providers.RouteProvider{hook.New()},
		CrossChain: []providers.RouteProvider{cross},
	})
	resp := chat(t, a, model.ChatRequest{})
	if len(resp.Routes) != 2 {
		t.Fatalf("expected hook and lifi routes, got %+v", resp.Routes)
	}
	if resp.Routes[0].ID != hook.RouteID || resp.Routes[1].ID != "lifi-0" {
		t.Fatalf("expected hook first, got %s then %s", resp.Routes[0].ID, resp.Routes[1].ID)
	}
	if resp.Content != "I'll swap 100 USDC to DAI. Comparing rates..." {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	q := cross.lastQuery(t)
	if q.FromChain != "base" || q.ToChain != "base" || q.FromAddress != "0x0000000000000000000000000000000000000000" {
		t.Fatalf("unexpected defaults: %+v", q)
	}
}

func TestUnresolvableRecipientReturnsNoRoutes(t *testing.T) {
	cross := lifiStub(model.RouteOption{ID: "lifi-0", Fee: "$1.00"})
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "5", FromToken: "USDC", ToToken: "USDC", ToAddress: "ghost.eth"}},
		Resolver:   &fakeResolver{profiles: map[string]model.RecipientProfile{}},
		CrossChain: []providers.RouteProvider{cross},
	})
	resp := chat(t, a, model.ChatRequest{})
	if resp.Routes != nil {
		t.Fatalf("expected no routes, got %+v", resp.Routes)
	}
	if resp.Content != `Could not resolve ENS name "ghost.eth". Please check the name and try again.` {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	raw, _ := json.Marshal(resp)
	if strings.Contains(string(raw), `"routes"`) {
		t.Fatalf("routes key must be absent: %s", raw)
	}
	if len(cross.queries) != 0 {
		t.Fatal("providers must not be queried for an unresolved recipient")
	}
}

func TestAliceScenarioAppliesPreferencesAndMaxFee(t *testing.T) {
	resolver := &fakeResolver{profiles: map[string]model.RecipientProfile{
		"alice.eth": {
			Address:           addr(aliceAddr),
			PreferredChain:    "base",
			PreferredSlippage: "0.5",
			MaxFee:            "1.00",
			Description:       "Coffee shop",
		},
	}}
	cross := lifiStub(
		model.RouteOption{ID: "lifi-0", Path: "Ethereum ETH -> Base USDC via A", Fee: "$0.80", Provider: "LI.FI"},
		model.RouteOption{ID: "lifi-1", Path: "Ethereum ETH -> Base USDC via B", Fee: "$2.10", Provider: "LI.FI"},
	)
	across := &stubProvider{name: "across", routes: []model.RouteOption{{ID: "across-0", Path: "Ethereum ETH -> Base USDC via Across", Fee: "$1.00", Provider: "Across"}}}
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "10", FromToken: "ETH", ToToken: "USDC", ToAddress: "alice.eth"}},
		Resolver:   resolver,
		CrossChain: []providers.RouteProvider{cross, across},
	})
	resp := chat(t, a, model.ChatRequest{})

	if len(resp.Routes) != 2 {
		t.Fatalf("expected two routes within max fee, got %+v", resp.Routes)
	}
	for _, r := range resp.Routes {
		fee, _ := providers.ParseFee(r.Fee)
		if fee > 1.00 {
			t.Fatalf("route over max fee survived: %+v", r)
		}
	}
	if resp.Intent.ToChain != "base" {
		t.Fatalf("preferred chain should fill toChain, got %q", resp.Intent.ToChain)
	}
	if resp.ResolvedAddress != aliceAddr {
		t.Fatalf("unexpected resolved address: %s", resp.ResolvedAddress)
	}
	wantNote := "Resolved alice.eth → " + aliceAddr + " (prefers on base, slippage ≤0.5%, max fee $1.00)\nProfile: Coffee shop"
	if !strings.HasPrefix(resp.Content, wantNote+"\n\n") {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if !strings.Contains(resp.Content, "I'll transfer 10 ETH to "+aliceAddr+" on base. Finding the best route...") {
		t.Fatalf("unexpected summary: %q", resp.Content)
	}
	if resp.MultichainName != "alice.eth@base" {
		t.Fatalf("unexpected multichain name: %q", resp.MultichainName)
	}
	if resp.EnsProfile == nil || resp.EnsProfile.Description != "Coffee shop" {
		t.Fatalf("expected ens profile, got %+v", resp.EnsProfile)
	}
	q := cross.lastQuery(t)
	if q.Slippage != 0.005 {
		t.Fatalf("profile slippage 0.5%% must become 0.005, got %v", q.Slippage)
	}
	if q.Recipient != aliceAddr || q.ToChain != "base" || q.FromChain != "ethereum" {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestMaxFeeRevertsWhenNothingQualifies(t *testing.T) {
	resolver := &fakeResolver{profiles: map[string]model.RecipientProfile{
		"bob.eth": {Address: addr(aliceAddr), MaxFee: "0.10"},
	}}
	cross := lifiStub(
		model.RouteOption{ID: "lifi-0", Path: "a", Fee: "$0.80", Provider: "LI.FI"},
		model.RouteOption{ID: "lifi-1", Path: "b", Fee: "$2.10", Provider: "LI.FI"},
	)
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "10", FromToken: "USDC", ToToken: "USDC", ToAddress: "bob.eth"}},
		Resolver:   resolver,
		CrossChain: []providers.RouteProvider{cross},
	})
	resp := chat(t, a, model.ChatRequest{})
	if len(resp.Routes) != 2 {
		t.Fatalf("expected the unfiltered list, got %+v", resp.Routes)
	}
	if !strings.HasSuffix(resp.Content, "\n\nNote: No routes found within the recipient's preferred max fee of $0.10. Showing all available routes.") {
		t.Fatalf("missing cap note: %q", resp.Content)
	}
	if resp.EnsProfile != nil {
		t.Fatal("no avatar or description means no ens profile")
	}
}

func TestFilterByMaxFee(t *testing.T) {
	routes := []model.RouteOption{
		{ID: "a", Fee: "$0.50"},
		{ID: "b", Fee: "n/a"},
		{ID: "c", Fee: "$3.00"},
	}
	got, note := FilterByMaxFee(routes, "1")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" || note != "" {
		t.Fatalf("unexpected filter result: %+v %q", got, note)
	}
	got, note = FilterByMaxFee(routes, "")
	if len(got) != 3 || note != "" {
		t.Fatal("empty max fee must not filter")
	}
	got, note = FilterByMaxFee(routes, "-2")
	if len(got) != 3 || note != "" {
		t.Fatal("non-positive max fee must not filter")
	}
}

func TestRequestSlippageWinsOverProfile(t *testing.T) {
	resolver := &fakeResolver{profiles: map[string]model.RecipientProfile{
		"carol.eth": {Address: addr(aliceAddr), PreferredSlippage: "2"},
	}}
	cross := lifiStub()
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "1", FromToken: "USDC", ToToken: "USDC", ToAddress: "carol.eth"}},
		Resolver:   resolver,
		CrossChain: []providers.RouteProvider{cross},
	})
	s := 0.001
	chat(t, a, model.ChatRequest{Slippage: &s})
	if got := cross.lastQuery(t).Slippage; got != 0.001 {
		t.Fatalf("expected request slippage, got %v", got)
	}
}

func TestProfileSlippage(t *testing.T) {
	cases := map[string]float64{"0.5": 0.005, "1%": 0.01, "": 0, "abc": 0, "-1": 0, "0": 0}
	for in, want := range cases {
		if got := ProfileSlippage(in); got != want {
			t.Fatalf("ProfileSlippage(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSlowAndFailingProvidersContributeNothing(t *testing.T) {
	slow := &stubProvider{name: "slow", delay: 300 * time.Millisecond, routes: []model.RouteOption{{ID: "slow-0", Path: "slow", Fee: "$0.01"}}}
	broken := &stubProvider{name: "broken", err: errors.New("upstream 502")}
	fine := lifiStub(model.RouteOption{ID: "lifi-0", Path: "ok", Fee: "$1.00", Provider: "LI.FI"})
	a := New(Config{
		Parser:          fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "1", FromToken: "USDC", ToToken: "USDC", ToChain: "base"}},
		CrossChain:      []providers.RouteProvider{slow, broken, fine},
		ProviderTimeout: 50 * time.Millisecond,
	})
	start := time.Now()
	resp := chat(t, a, model.ChatRequest{})
	if time.Since(start) > 250*time.Millisecond {
		t.Fatal("slow provider should have been cut off by the timeout")
	}
	if len(resp.Routes) != 1 || resp.Routes[0].ID != "lifi-0" {
		t.Fatalf("expected only the healthy route, got %+v", resp.Routes)
	}
}

func TestAllProvidersFailingYieldsEmptyList(t *testing.T) {
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "1", FromToken: "USDC", ToToken: "USDC", ToChain: "base"}},
		CrossChain: []providers.RouteProvider{&stubProvider{name: "x", err: errors.New("down")}},
	})
	resp := chat(t, a, model.ChatRequest{})
	if resp.Routes == nil || len(resp.Routes) != 0 {
		t.Fatalf("expected empty non-nil routes, got %#v", resp.Routes)
	}
	if !strings.HasSuffix(resp.Content, noRoutesMessage) {
		t.Fatalf("missing explanation: %q", resp.Content)
	}
	raw, _ := json.Marshal(resp)
	if !strings.Contains(string(raw), `"routes":[]`) {
		t.Fatalf("expected routes: [] in JSON, got %s", raw)
	}
}

func TestEmptyResultsExplainNoRoutes(t *testing.T) {
	a := New(Config{
		Parser: fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "1", FromToken: "FOO", ToChain: "base"}},
		CrossChain: []providers.RouteProvider{
			&stubProvider{name: "lifi"},
			&stubProvider{name: "across"},
		},
	})
	resp := chat(t, a, model.ChatRequest{})
	if len(resp.Routes) != 0 {
		t.Fatalf("expected no routes, got %+v", resp.Routes)
	}
	if !strings.HasSuffix(resp.Content, "\n\n"+noRoutesMessage) {
		t.Fatalf("empty answers without errors still need an explanation: %q", resp.Content)
	}
}

func TestTransferTokenFollowsRecipientPreference(t *testing.T) {
	resolver := &fakeResolver{profiles: map[string]model.RecipientProfile{
		"erin.eth": {Address: addr(aliceAddr), PreferredToken: "DAI"},
	}}
	cross := lifiStub(model.RouteOption{ID: "lifi-0", Path: "USDC -> DAI", Fee: "$0.40", Provider: "LI.FI"})
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "3", FromToken: "USDC", ToAddress: "erin.eth", ToChain: "base"}},
		Resolver:   resolver,
		CrossChain: []providers.RouteProvider{cross},
	})
	resp := chat(t, a, model.ChatRequest{})
	if q := cross.lastQuery(t); q.ToToken != "DAI" || q.FromToken != "USDC" {
		t.Fatalf("preferred token should become the destination token: %+v", q)
	}
	if resp.Intent.ToToken != "DAI" {
		t.Fatalf("unexpected intent token: %q", resp.Intent.ToToken)
	}

	plain := lifiStub(model.RouteOption{ID: "lifi-0", Path: "USDC -> USDC", Fee: "$0.40", Provider: "LI.FI"})
	a = New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionTransfer, Amount: "3", FromToken: "USDC", ToAddress: aliceAddr, ToChain: "base"}},
		CrossChain: []providers.RouteProvider{plain},
	})
	chat(t, a, model.ChatRequest{})
	if q := plain.lastQuery(t); q.ToToken != "USDC" {
		t.Fatalf("without a preference the source token is delivered, got %q", q.ToToken)
	}
}

func TestDestinationChainReresolution(t *testing.T) {
	cross := lifiStub(model.RouteOption{ID: "lifi-0", Path: "Base USDC -> Ethereum XAUT", Fee: "$4.00", Provider: "LI.FI"})
	a := New(Config{
		Parser:     fixedParser{intent: model.Intent{Action: model.ActionSwap, Amount: "50", FromToken: "USDC", ToToken: "XAUT", FromChain: "base"}},
		CrossChain: []providers.RouteProvider{cross},
	})
	resp := chat(t, a, model.ChatRequest{})
	if resp.Intent.ToChain != "ethereum" {
		t.Fatalf("expected XAUT destination to move to ethereum, got %q", resp.Intent.ToChain)
	}
	if resp.Content != "I'll swap 50 USDC to XAUT on ethereum. Comparing rates..." {
		t.Fatalf("summary not regenerated: %q", resp.Content)
	}
	if q := cross.lastQuery(t); q.ToChain != "ethereum" || q.FromChain != "base" {
		t.Fatalf("unexpected query chains: %+v", q)
	}
}

func TestDedupeRenamesCollidingIDs(t *testing.T) {
	got := dedupe([]model.RouteOption{
		{ID: "lifi-0", Provider: "LI.FI", Path: "p1"},
		{ID: "lifi-0", Provider: "LI.FI", Path: "p1"},
		{ID: "lifi-0", Provider: "LI.FI", Path: "p2"},
	})
	if len(got) != 2 || got[0].ID != "lifi-0" || got[1].ID != "lifi-0-1" {
		t.Fatalf("unexpected dedupe: %+v", got)
	}
}

func TestDepositFansOutToVaults(t *testing.T) {
	vault := &stubProvider{name: "yieldrouter", routes: []model.RouteOption{
		{ID: "yield-aave-0", Path: "YieldRoute: USDC -> USDC -> Aave Vault", Fee: "$0.30", Provider: "LI.FI + YieldRouter"},
		{ID: "vault-morpho-unavailable", Path: "No vault configured for morpho", Fee: "n/a", Provider: "LI.FI + YieldRouter"},
	}}
	resolver := &fakeResolver{profiles: map[string]model.RecipientProfile{
		"dave.eth": {Address: addr(aliceAddr), Vault: "0x5555555555555555555555555555555555555555", MaxFee: "0.05", Strategy: "yield:70,liquid:30"},
	}}
	a := New(Config{
		Parser:   fixedParser{intent: model.Intent{Action: model.ActionDeposit, Amount: "25", FromToken: "USDC", ToToken: "USDC", ToAddress: "dave.eth"}},
		Resolver: resolver,
		Vault:    []providers.RouteProvider{vault},
	})
	resp := chat(t, a, model.ChatRequest{UserAddress: "0x00000000000000000000000000000000000000aa"})
	if len(resp.Routes) != 1 || resp.Routes[0].ID != "vault-morpho-unavailable" {
		t.Fatalf("placeholder with unparseable fee should survive the cap, got %+v", resp.Routes)
	}
	q := vault.lastQuery(t)
	if q.Vault != "0x5555555555555555555555555555555555555555" || q.Recipient != aliceAddr {
		t.Fatalf("profile vault and recipient must reach the vault provider: %+v", q)
	}
	if q.Strategy != "yield:70,liquid:30" {
		t.Fatalf("strategy record must reach the vault provider, got %q", q.Strategy)
	}
	if resp.MultichainName != "" {
		t.Fatalf("no destination chain means no multichain name, got %q", resp.MultichainName)
	}
	if !strings.Contains(resp.Content, "I'll deposit 25 USDC for "+aliceAddr+" into the best available vault on Base.") {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestPaywallScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/x402-demo" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "Payment Required", "payment": x402.DemoPayment})
	}))
	defer srv.Close()

	a := New(Config{
		Parser:  fixedParser{intent: model.Intent{Action: model.ActionPayViaPaywall, URL: "/api/x402-demo"}},
		Paywall: x402.New(httpx.New(2*time.Second, 0), nil),
	})
	host := strings.TrimPrefix(srv.URL, "http://")
	resp, err := a.Chat(context.Background(), model.ChatRequest{Message: "pay /api/x402-demo"}, Origin{Host: host})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(resp.Routes) != 1 {
		t.Fatalf("expected exactly one paywall route, got %+v", resp.Routes)
	}
	r := resp.Routes[0]
	if r.Provider != "x402" || r.Fee != "0.50 USDC" || r.ID != "x402-pay" {
		t.Fatalf("unexpected paywall route: %+v", r)
	}
	want := "Paywall detected at /api/x402-demo. Payment required: 0.50 USDC on base to 0x742d35Cc6634C0532925a3b844Bc9e7595f2bD1e. I can handle this payment for you."
	if resp.Content != want {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestPaywallMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("free"))
	}))
	defer srv.Close()

	a := New(Config{
		Parser:  fixedParser{intent: model.Intent{Action: model.ActionPayViaPaywall, URL: srv.URL}},
		Paywall: x402.New(httpx.New(2*time.Second, 0), nil),
	})
	resp := chat(t, a, model.ChatRequest{})
	if resp.Routes != nil || !strings.HasPrefix(resp.Content, "I checked "+srv.URL+" but no x402 paywall was detected.") {
		t.Fatalf("unexpected response: %+v", resp)
	}

	a = New(Config{Parser: fixedParser{intent: model.Intent{Action: model.ActionPayViaPaywall}}})
	resp = chat(t, a, model.ChatRequest{})
	if resp.Content != "No URL provided for x402 payment. Please specify the URL you want to access." {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

type fakeScanner struct{ balances []model.Balance }

func (f fakeScanner) Scan(context.Context, string) ([]model.Balance, error) { return f.balances, nil }

type recordingPlanner struct{ opps []model.ConsolidationOpportunity }

func (r *recordingPlanner) BuildPlan(_ context.Context, opps []model.ConsolidationOpportunity, _ model.ConsolidationTarget) model.ConsolidationPlan {
	r.opps = opps
	steps := make([]model.ConsolidationStep, len(opps))
	for i := range opps {
		steps[i] = model.ConsolidationStep{Executable: i == 0}
	}
	return model.ConsolidationPlan{Steps: steps, TotalSavings: "$4.00"}
}

func TestConsolidateBuildsPlan(t *testing.T) {
	planner := &recordingPlanner{}
	a := New(Config{
		Parser: fixedParser{intent: model.Intent{Action: model.ActionConsolidate, ToToken: "USDC", ToChain: "base"}},
		Balances: fakeScanner{balances: []model.Balance{
			{Chain: "base", Token: "USDC", Amount: "10"},
			{Chain: "ethereum", Token: "USDC", Amount: "5"},
			{Chain: "arbitrum", Token: "DAI", Amount: "7"},
		}},
		Planner: planner,
	})
	resp := chat(t, a, model.ChatRequest{UserAddress: "0x00000000000000000000000000000000000000aa"})
	if resp.Plan == nil || len(planner.opps) != 2 {
		t.Fatalf("expected a plan over two opportunities, got %+v", planner.opps)
	}
	if resp.Content != "I'll consolidate 2 balance(s) into USDC on Base. 1 of 2 steps can be automated; estimated savings $4.00." {
		t.Fatalf("unexpected content: %q", resp.Content)
	}

	resp = chat(t, a, model.ChatRequest{})
	if resp.Plan != nil || !strings.HasPrefix(resp.Content, "Connect a wallet") {
		t.Fatalf("expected wallet prompt, got %+v", resp)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	a := New(Config{Parser: fixedParser{}})
	if _, err := a.Chat(context.Background(), model.ChatRequest{Message: "  "}, Origin{}); err == nil || err.Error() != "Message is required" {
		t.Fatalf("expected message required error, got %v", err)
	}
}
