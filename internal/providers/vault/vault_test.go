package vault

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/payagent/internal/cache"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/lifi"
	"github.com/ggonzalez94/payagent/internal/providers/morpho"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const (
	testRouter    = "0x9999999999999999999999999999999999999999"
	testAaveVault = "0x4e65fE4DbA92790696d040ac24Aa414708F5c0AB"
	testRecipient = "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD1e"
	testSender    = "0x00000000000000000000000000000000000000aa"
)

type fakeQuoter struct {
	calls []lifi.ContractCallsRequest
	err   error
}

func (f *fakeQuoter) ContractCallsQuote(_ context.Context, req lifi.ContractCallsRequest) (lifi.Quote, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return lifi.Quote{}, f.err
	}
	return lifi.Quote{
		Tool:              "stargate",
		StepLabels:        []string{"Stargate", "YieldRouter"},
		GasUSD:            1.234,
		ExecutionDuration: 150,
		Transaction: model.UnsignedTransaction{
			To:      "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE",
			Data:    "0xdeadbeef",
			Value:   "0",
			ChainID: 1,
		},
	}, nil
}

type fakeFinder struct {
	vault morpho.Vault
	err   error
}

func (f fakeFinder) BestVault(context.Context, id.Chain, id.Token) (morpho.Vault, error) {
	return f.vault, f.err
}

func query() providers.RouteQuery {
	return providers.RouteQuery{
		Action:      model.ActionDeposit,
		FromAddress: testSender,
		Recipient:   testRecipient,
		FromChain:   "ethereum",
		FromToken:   "USDC",
		ToToken:     "USDC",
		Amount:      "100",
	}
}

func TestFindRoutesBuildsYieldRoute(t *testing.T) {
	q := &fakeQuoter{}
	p := New(q, cache.New(time.Minute), testRouter, nil, NewAave(testAaveVault))

	routes, err := p.FindRoutes(context.Background(), query())
	if err != nil {
		t.Fatalf("FindRoutes failed: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected one route, got %+v", routes)
	}
	r := routes[0]
	if r.ID != "yield-aave-0" || r.Provider != ProviderName || r.RouteType != model.RouteTypeContractCall {
		t.Fatalf("unexpected route identity: %+v", r)
	}
	if r.Path != "YieldRoute: Stargate -> YieldRouter -> Aave Vault" {
		t.Fatalf("unexpected path: %s", r.Path)
	}
	if r.Fee != "$1.23" || r.EstimatedTime != "3 min" {
		t.Fatalf("unexpected fee/time: %s %s", r.Fee, r.EstimatedTime)
	}

	if len(q.calls) != 1 {
		t.Fatalf("expected one quote call, got %d", len(q.calls))
	}
	call := q.calls[0]
	if call.ToChain.EVMChainID != 8453 || call.ToToken.Symbol != "USDC" {
		t.Fatalf("expected Base USDC target, got %+v", call.ToChain)
	}
	if call.ToAmount != "100000000" || call.Slippage != lifi.DefaultSlippage {
		t.Fatalf("unexpected amount/slippage: %s %v", call.ToAmount, call.Slippage)
	}
	cc := call.ContractCalls[0]
	if cc.ToContractAddress != testRouter || cc.ToContractGasLimit != "300000" {
		t.Fatalf("unexpected contract call: %+v", cc)
	}
	selector := "0x" + common.Bytes2Hex(registry.YieldRouter.Methods["depositToYield"].ID)
	if !strings.HasPrefix(cc.ToContractCallData, selector) {
		t.Fatalf("calldata does not start with depositToYield selector: %s", cc.ToContractCallData[:10])
	}
	if !strings.Contains(strings.ToLower(cc.ToContractCallData), strings.ToLower(strings.TrimPrefix(testRecipient, "0x"))) {
		t.Fatal("calldata should encode the recipient")
	}
}

func TestFindRoutesServesFromCache(t *testing.T) {
	q := &fakeQuoter{}
	p := New(q, cache.New(time.Minute), testRouter, nil, NewAave(testAaveVault))
	for i := 0; i < 3; i++ {
		if _, err := p.FindRoutes(context.Background(), query()); err != nil {
			t.Fatalf("FindRoutes failed: %v", err)
		}
	}
	if len(q.calls) != 1 {
		t.Fatalf("expected cached quote, got %d upstream calls", len(q.calls))
	}
}

func TestFindRoutesPlaceholderWithoutVault(t *testing.T) {
	q := &fakeQuoter{}
	p := New(q, nil, testRouter, nil,
		NewAave(""),
		NewMorpho("", fakeFinder{err: errors.New("api down")}),
	)
	routes, err := p.FindRoutes(context.Background(), query())
	if err != nil {
		t.Fatalf("FindRoutes failed: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected two placeholders, got %+v", routes)
	}
	if routes[0].ID != "vault-aave-unavailable" || routes[1].Path != "No vault configured for morpho" {
		t.Fatalf("unexpected placeholders: %+v", routes)
	}
	if len(q.calls) != 0 {
		t.Fatal("placeholders should not hit LI.FI")
	}
}

func TestFindRoutesFiltersByProtocol(t *testing.T) {
	q := &fakeQuoter{}
	p := New(q, nil, testRouter, nil,
		NewAave(testAaveVault),
		NewMorpho("", fakeFinder{vault: morpho.Vault{Address: "0x3333333333333333333333333333333333333333"}}),
	)
	qq := query()
	qq.VaultProtocol = "Morpho"
	routes, err := p.FindRoutes(context.Background(), qq)
	if err != nil {
		t.Fatalf("FindRoutes failed: %v", err)
	}
	if len(routes) != 1 || routes[0].ID != "yield-morpho-0" {
		t.Fatalf("expected morpho route only, got %+v", routes)
	}
	if !strings.HasSuffix(routes[0].Path, "Morpho Vault") {
		t.Fatalf("unexpected path: %s", routes[0].Path)
	}

	qq.VaultProtocol = "compound"
	if _, err := p.FindRoutes(context.Background(), qq); err == nil {
		t.Fatal("expected unsupported protocol error")
	}
}

func TestProfileVaultReplacesAdapters(t *testing.T) {
	q := &fakeQuoter{}
	p := New(q, cache.New(time.Minute), testRouter, nil,
		NewAave(testAaveVault),
		NewMorpho("", fakeFinder{vault: morpho.Vault{Address: "0x3333333333333333333333333333333333333333"}}),
	)
	qq := query()
	qq.Vault = "0x5555555555555555555555555555555555555555"
	routes, err := p.FindRoutes(context.Background(), qq)
	if err != nil {
		t.Fatalf("FindRoutes failed: %v", err)
	}
	if len(routes) != 1 || routes[0].ID != "yield-profile-0" {
		t.Fatalf("expected a single profile vault route, got %+v", routes)
	}
	if routes[0].Path != "YieldRoute: Stargate -> YieldRouter -> Preferred Vault" {
		t.Fatalf("unexpected path: %s", routes[0].Path)
	}
	if len(q.calls) != 1 {
		t.Fatalf("expected one upstream call, got %d", len(q.calls))
	}
	data := strings.ToLower(q.calls[0].ContractCalls[0].ToContractCallData)
	if !strings.Contains(data, "5555555555555555555555555555555555555555") {
		t.Fatal("expected profile vault in calldata")
	}

	res, err := p.Quote(context.Background(), qq, ProtocolFromRouteID(routes[0].ID))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if res.Route.ID != "yield-profile-0" {
		t.Fatalf("unexpected quote route: %+v", res.Route)
	}

	// An explicit protocol still wins over the profile vault listing.
	qq.VaultProtocol = "aave"
	routes, err = p.FindRoutes(context.Background(), qq)
	if err != nil {
		t.Fatalf("FindRoutes failed: %v", err)
	}
	if len(routes) != 1 || routes[0].ID != "yield-aave-0" {
		t.Fatalf("expected aave route, got %+v", routes)
	}
}

func TestQuoteIgnoresCachedRoute(t *testing.T) {
	q := &fakeQuoter{}
	p := New(q, cache.New(time.Minute), testRouter, nil, NewAave(testAaveVault))

	chat := query()
	chat.FromChain = "arbitrum"
	chat.FromAddress = "0x0000000000000000000000000000000000000000"
	if _, err := p.FindRoutes(context.Background(), chat); err != nil {
		t.Fatalf("FindRoutes failed: %v", err)
	}

	exec := chat
	exec.FromToken = "USDT"
	exec.FromAddress = testSender
	if _, err := p.Quote(context.Background(), exec, "aave"); err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if len(q.calls) != 2 {
		t.Fatalf("expected execution to re-quote upstream, got %d calls", len(q.calls))
	}
	last := q.calls[1]
	if last.FromToken.Symbol != "USDT" || last.FromAddress != testSender {
		t.Fatalf("execution quote used stale inputs: %s from %s", last.FromToken.Symbol, last.FromAddress)
	}

	// Quote neither reads nor fills the cache.
	if _, err := p.Quote(context.Background(), exec, "aave"); err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if len(q.calls) != 3 {
		t.Fatalf("expected every Quote to go upstream, got %d calls", len(q.calls))
	}
}

func TestCacheKeySeparatesSenderTokenAndSlippage(t *testing.T) {
	q := &fakeQuoter{}
	p := New(q, cache.New(time.Minute), testRouter, nil, NewAave(testAaveVault))

	base := query()
	base.FromChain = "arbitrum"
	variants := []func(*providers.RouteQuery){
		func(*providers.RouteQuery) {},
		func(r *providers.RouteQuery) { r.FromToken = "USDT" },
		func(r *providers.RouteQuery) { r.FromAddress = "0x00000000000000000000000000000000000000bb" },
		func(r *providers.RouteQuery) { r.Slippage = 0.01 },
	}
	for i, mutate := range variants {
		rq := base
		mutate(&rq)
		if _, err := p.FindRoutes(context.Background(), rq); err != nil {
			t.Fatalf("variant %d: FindRoutes failed: %v", i, err)
		}
	}
	if len(q.calls) != len(variants) {
		t.Fatalf("expected %d distinct upstream calls, got %d", len(variants), len(q.calls))
	}
}

func TestProtectedDepositEncodesMinShares(t *testing.T) {
	q := &fakeQuoter{}
	protectedRouter := registry.ProtectedRouterAddress
	p := New(q, nil, testRouter, nil, NewAave(testAaveVault)).WithProtection(protectedRouter, 0)

	routes, err := p.FindRoutes(context.Background(), query())
	if err != nil {
		t.Fatalf("FindRoutes failed: %v", err)
	}
	if !strings.HasSuffix(routes[0].Path, "(MEV-protected)") {
		t.Fatalf("expected protected path, got %s", routes[0].Path)
	}
	cc := q.calls[0].ContractCalls[0]
	if cc.ToContractAddress != protectedRouter {
		t.Fatalf("expected protected router target, got %s", cc.ToContractAddress)
	}
	method := registry.Protected.Methods["lifiCallback"]
	raw := common.FromHex(cc.ToContractCallData)
	if string(raw[:4]) != string(method.ID) {
		t.Fatalf("expected lifiCallback selector, got %x", raw[:4])
	}
	args, err := method.Inputs.Unpack(raw[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(testAaveVault) || args[1].(common.Address) != common.HexToAddress(testRecipient) {
		t.Fatalf("unexpected vault/recipient: %v", args)
	}
	// 100 USDC less 0.5%.
	if got := args[2].(*big.Int).String(); got != "99500000" {
		t.Fatalf("unexpected minShares: %s", got)
	}
}

func TestMinShares(t *testing.T) {
	cases := []struct {
		expected string
		bps      int64
		want     string
	}{
		{"100000000", 50, "99500000"},
		{"100000000", 0, "100000000"},
		{"3", 50, "3"},
		{"1000000000000000000", 100, "990000000000000000"},
	}
	for _, tc := range cases {
		in, _ := new(big.Int).SetString(tc.expected, 10)
		if got := MinShares(in, tc.bps).String(); got != tc.want {
			t.Fatalf("MinShares(%s, %d) = %s, want %s", tc.expected, tc.bps, got, tc.want)
		}
	}
}

func TestQuoteErrors(t *testing.T) {
	p := New(&fakeQuoter{}, nil, testRouter, nil, NewAave(""))

	bad := query()
	bad.FromToken = "NOPE"
	if _, err := p.FindRoutes(context.Background(), bad); err == nil || !strings.Contains(err.Error(), "Source token not supported: NOPE") {
		t.Fatalf("expected source token error, got %v", err)
	}

	if _, err := p.Quote(context.Background(), query(), "aave"); err == nil || !strings.Contains(err.Error(), "No vault configured for recipient") {
		t.Fatalf("expected missing vault error, got %v", err)
	}

	failing := New(&fakeQuoter{err: errors.New("lifi down")}, nil, testRouter, nil, NewAave(testAaveVault))
	if _, err := failing.FindRoutes(context.Background(), query()); err == nil {
		t.Fatal("expected upstream error to surface when no route survives")
	}
}

func TestQuoteReturnsTransaction(t *testing.T) {
	p := New(&fakeQuoter{}, nil, testRouter, nil, NewAave(testAaveVault))
	res, err := p.Quote(context.Background(), query(), "aave")
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if res.Quote.Transaction.Provider != ProviderName || res.Quote.Transaction.Data != "0xdeadbeef" {
		t.Fatalf("unexpected transaction: %+v", res.Quote.Transaction)
	}
}

func TestProtocolFromRouteID(t *testing.T) {
	if got := ProtocolFromRouteID("yield-aave-0"); got != "aave" {
		t.Fatalf("unexpected protocol: %s", got)
	}
	if got := ProtocolFromRouteID("yield-morpho-0-1"); got != "morpho" {
		t.Fatalf("unexpected protocol: %s", got)
	}
}
