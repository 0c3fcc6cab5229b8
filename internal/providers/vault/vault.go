package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/payagent/internal/cache"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/lifi"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const (
	ProviderName   = "LI.FI + YieldRouter"
	RoutePrefix    = "yield-"
	targetChain    = "base"
	targetAsset    = "USDC"
	defaultMinutes = "~3 min"

	// DefaultProtectionBps is the share slippage protected deposits accept.
	DefaultProtectionBps = 50
	protectedSuffix      = " (MEV-protected)"
)

// Quoter is the LI.FI contract-calls surface the provider composes with.
type Quoter interface {
	ContractCallsQuote(ctx context.Context, req lifi.ContractCallsRequest) (lifi.Quote, error)
}

// Pricer returns USD prices keyed by DefiLlama coin key.
type Pricer interface {
	Prices(ctx context.Context, keys []string) (map[string]float64, error)
}

// Result pairs the display route with the executable quote behind it.
type Result struct {
	Route       model.RouteOption
	Quote       lifi.Quote
	Allocations []model.StrategyAllocation
}

// Provider bridges into Base USDC and deposits into a protocol vault via the
// YieldRouter contract in one LI.FI contract-calls quote.
type Provider struct {
	quoter      Quoter
	cache       *cache.Store
	yieldRouter string
	adapters    []Adapter
	log         *slog.Logger

	protectedRouter string
	protectionBps   int64
	restakingRouter string
	prices          Pricer
}

func New(quoter Quoter, routes *cache.Store, yieldRouter string, log *slog.Logger, adapters ...Adapter) *Provider {
	return &Provider{
		quoter:          quoter,
		cache:           routes,
		yieldRouter:     strings.TrimSpace(yieldRouter),
		adapters:        adapters,
		log:             logging.OrDiscard(log),
		protectionBps:   DefaultProtectionBps,
		restakingRouter: registry.RestakingRouterAddress,
	}
}

// WithProtection routes vault deposits through the slippage-bounded router,
// which mints at least amount*(1-bps/10000) shares or reverts. An empty
// router disables protection.
func (p *Provider) WithProtection(router string, bps int64) *Provider {
	p.protectedRouter = strings.TrimSpace(router)
	if bps > 0 && bps < 10000 {
		p.protectionBps = bps
	}
	return p
}

// WithRestaking sets the restaking router and the price source used to bound
// its ezETH output.
func (p *Provider) WithRestaking(router string, prices Pricer) *Provider {
	if strings.TrimSpace(router) != "" {
		p.restakingRouter = strings.TrimSpace(router)
	}
	p.prices = prices
	return p
}

func (p *Provider) Info() model.ProviderInfo {
	protocols := make([]string, 0, len(p.adapters)+1)
	for _, a := range p.adapters {
		protocols = append(protocols, "deposit."+a.Protocol())
	}
	protocols = append(protocols, "deposit.split")
	return model.ProviderInfo{
		Name:         "yieldrouter",
		Type:         "vault",
		RequiresKey:  false,
		Capabilities: protocols,
	}
}

// Protocols lists the configured adapter names in query order.
func (p *Provider) Protocols() []string {
	out := make([]string, 0, len(p.adapters))
	for _, a := range p.adapters {
		out = append(out, a.Protocol())
	}
	return out
}

func (p *Provider) protected() bool {
	return id.IsAddress(p.protectedRouter) && !id.IsZeroAddress(p.protectedRouter)
}

// adapter finds the adapter for protocol. The profile protocol only exists
// while the recipient declares a vault.
func (p *Provider) adapter(protocol, profileVault string) (Adapter, bool) {
	protocol = strings.TrimSpace(protocol)
	if strings.EqualFold(protocol, ProfileProtocol) {
		if !hasVault(profileVault) {
			return nil, false
		}
		return newProfile(profileVault), true
	}
	for _, a := range p.adapters {
		if strings.EqualFold(a.Protocol(), protocol) {
			return a, true
		}
	}
	return nil, false
}

// selected picks the adapters a query fans out to. A recipient vault
// replaces the adapter list with a single route into that vault.
func (p *Provider) selected(q providers.RouteQuery) ([]Adapter, error) {
	if proto := strings.TrimSpace(q.VaultProtocol); proto != "" {
		a, ok := p.adapter(proto, q.Vault)
		if !ok {
			return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported vault protocol: %s", q.VaultProtocol))
		}
		return []Adapter{a}, nil
	}
	if hasVault(q.Vault) {
		return []Adapter{newProfile(q.Vault)}, nil
	}
	return p.adapters, nil
}

// FindRoutes returns one route per adapter, or only the requested protocol's
// when VaultProtocol is set. Adapters without a vault yield a placeholder.
// A recipient split strategy yields a single multi-vault route instead.
func (p *Provider) FindRoutes(ctx context.Context, q providers.RouteQuery) ([]model.RouteOption, error) {
	if strings.TrimSpace(q.VaultProtocol) == "" && strings.TrimSpace(q.Strategy) != "" {
		allocs, err := ParseAllocations(q.Strategy)
		switch {
		case err != nil:
			p.log.Warn("ignoring invalid strategy record", "strategy", q.Strategy, "error", err)
		case UsesSplit(allocs):
			res, err := p.split(ctx, q, allocs, false)
			if err != nil {
				return nil, err
			}
			return []model.RouteOption{res.Route}, nil
		}
	}

	selected, err := p.selected(q)
	if err != nil {
		return nil, err
	}
	out := make([]model.RouteOption, 0, len(selected))
	var firstErr error
	for _, a := range selected {
		res, err := p.quote(ctx, q, a, false)
		if err != nil {
			p.log.Warn("vault route failed", "protocol", a.Protocol(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, res.Route)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Quote returns a freshly derived executable quote for one protocol. It never
// reads the route cache, so the transaction always belongs to q's sender.
func (p *Provider) Quote(ctx context.Context, q providers.RouteQuery, protocol string) (Result, error) {
	a, ok := p.adapter(protocol, q.Vault)
	if !ok {
		return Result{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported vault protocol: %s", protocol))
	}
	res, err := p.quote(ctx, q, a, true)
	if err != nil {
		return Result{}, err
	}
	if res.Quote.Transaction.To == "" {
		return Result{}, clierr.New(clierr.CodeUsage, "No vault configured for recipient")
	}
	return res, nil
}

// ProtocolFromRouteID extracts the protocol from ids like "yield-aave-0".
func ProtocolFromRouteID(routeID string) string {
	protocol, _, _ := strings.Cut(strings.TrimPrefix(routeID, RoutePrefix), "-")
	return protocol
}

// target is the resolved source and Base USDC destination of a deposit.
type target struct {
	fromChain id.Chain
	toChain   id.Chain
	fromToken id.Token
	toToken   id.Token
	recipient string
	sender    string
	slippage  float64
}

func (p *Provider) resolve(q providers.RouteQuery) (target, error) {
	fromChain, err := id.ParseChain(firstNonEmpty(q.FromChain, id.DefaultChainSlug))
	if err != nil {
		return target{}, err
	}
	toChain, _ := id.ParseChain(targetChain)
	fromToken, err := id.ResolveToken(fromChain, q.FromToken)
	if err != nil {
		return target{}, clierr.Wrap(clierr.CodeUnsupported, fmt.Sprintf("Source token not supported: %s", q.FromToken), err)
	}
	toToken, ok := id.KnownToken(toChain.EVMChainID, targetAsset)
	if !ok {
		return target{}, clierr.New(clierr.CodeUnsupported, "USDC not supported on Base")
	}
	slippage := q.Slippage
	if slippage <= 0 {
		slippage = lifi.DefaultSlippage
	}
	return target{
		fromChain: fromChain,
		toChain:   toChain,
		fromToken: fromToken,
		toToken:   toToken,
		recipient: firstNonEmpty(q.Recipient, q.FromAddress),
		sender:    firstNonEmpty(q.FromAddress, id.NativeTokenAddress),
		slippage:  slippage,
	}, nil
}

// key covers every input that changes the upstream request.
func (t target) key(kind string, parts ...any) string {
	base := []any{kind, t.fromChain.EVMChainID, strings.ToLower(t.fromToken.Address), strings.ToLower(t.sender), strings.ToLower(t.recipient), t.slippage}
	return cache.Key(append(base, parts...)...)
}

func (p *Provider) cached(key string, fresh bool) (Result, bool) {
	if fresh || p.cache == nil {
		return Result{}, false
	}
	hit, ok := p.cache.Get(key)
	if !ok {
		return Result{}, false
	}
	res, ok := hit.(Result)
	return res, ok
}

func (p *Provider) remember(key string, res Result, fresh bool) {
	if !fresh && p.cache != nil {
		p.cache.Put(key, res)
	}
}

func (p *Provider) quote(ctx context.Context, q providers.RouteQuery, a Adapter, fresh bool) (Result, error) {
	t, err := p.resolve(q)
	if err != nil {
		return Result{}, err
	}

	vaultAddr := strings.TrimSpace(q.Vault)
	if !hasVault(vaultAddr) {
		vaultAddr, err = a.VaultAddress(ctx, t.toChain, t.toToken)
		if err != nil {
			p.log.Warn("vault discovery failed", "protocol", a.Protocol(), "error", err)
			vaultAddr = ""
		}
	}
	if !hasVault(vaultAddr) {
		return Result{Route: placeholder(a.Protocol())}, nil
	}
	if !id.IsAddress(t.recipient) {
		return Result{}, clierr.New(clierr.CodeUsage, "vault deposit requires a recipient address")
	}
	fromAmount, err := id.ToBaseUnits(q.Amount, t.fromToken.Decimals)
	if err != nil {
		return Result{}, err
	}
	depositAmount, err := id.ToBaseUnits(q.Amount, t.toToken.Decimals)
	if err != nil {
		return Result{}, err
	}

	key := t.key("yield", a.Protocol(), strings.ToLower(vaultAddr), fromAmount, p.protected())
	if res, ok := p.cached(key, fresh); ok {
		return res, nil
	}

	amountInt, _ := new(big.Int).SetString(depositAmount, 10)
	call, err := p.depositCall(t.recipient, vaultAddr, t.toToken, amountInt)
	if err != nil {
		return Result{}, err
	}
	quote, err := p.quoter.ContractCallsQuote(ctx, lifi.ContractCallsRequest{
		FromChain:     t.fromChain,
		ToChain:       t.toChain,
		FromToken:     t.fromToken,
		ToToken:       t.toToken,
		FromAddress:   t.sender,
		ToAmount:      depositAmount,
		ContractCalls: []lifi.ContractCall{call},
		Slippage:      t.slippage,
	})
	if err != nil {
		return Result{}, err
	}

	quote.Transaction.Provider = ProviderName
	path := routePath(quote, t.fromToken, a)
	if p.protected() {
		path += protectedSuffix
	}
	res := Result{
		Route: model.RouteOption{
			ID:            routeID(a.Protocol()),
			Path:          path,
			Fee:           providers.FormatUSD(quote.GasUSD),
			EstimatedTime: eta(quote),
			Provider:      ProviderName,
			RouteType:     model.RouteTypeContractCall,
		},
		Quote: quote,
	}
	p.remember(key, res, fresh)
	return res, nil
}

// depositCall is the destination call that puts amount of asset into vault
// for recipient, through the protected router when one is configured.
func (p *Provider) depositCall(recipient, vaultAddr string, asset id.Token, amount *big.Int) (lifi.ContractCall, error) {
	router := p.yieldRouter
	if !p.protected() && (!id.IsAddress(router) || id.IsZeroAddress(router)) {
		return lifi.ContractCall{}, clierr.New(clierr.CodeUsage, "yield router address is not configured")
	}
	var (
		data []byte
		err  error
	)
	if p.protected() {
		router = p.protectedRouter
		data, err = registry.Protected.Pack("lifiCallback",
			common.HexToAddress(vaultAddr),
			common.HexToAddress(recipient),
			MinShares(amount, p.protectionBps),
		)
	} else {
		data, err = registry.YieldRouter.Pack("depositToYield",
			common.HexToAddress(recipient),
			common.HexToAddress(vaultAddr),
			common.HexToAddress(asset.Address),
			amount,
		)
	}
	if err != nil {
		return lifi.ContractCall{}, clierr.Wrap(clierr.CodeInternal, "pack vault deposit calldata", err)
	}
	return lifi.ContractCall{
		FromAmount:         amount.String(),
		FromTokenAddress:   asset.Address,
		ToContractAddress:  router,
		ToContractCallData: "0x" + common.Bytes2Hex(data),
		ToContractGasLimit: strconv.Itoa(registry.YieldRouterGasLimit),
	}, nil
}

// MinShares is the least a deposit of expected shares may mint under a
// slippage of bps basis points. USDC vaults mint close to 1:1, so the asset
// amount stands in for the expected shares.
func MinShares(expected *big.Int, bps int64) *big.Int {
	cut := new(big.Int).Mul(expected, big.NewInt(bps))
	cut.Quo(cut, big.NewInt(10000))
	return new(big.Int).Sub(expected, cut)
}

func eta(q lifi.Quote) string {
	if q.ExecutionDuration > 0 {
		return providers.FormatMinutes(q.ExecutionDuration)
	}
	return defaultMinutes
}

func routeID(protocol string) string {
	return RoutePrefix + protocol + "-0"
}

func routePath(q lifi.Quote, fromToken id.Token, a Adapter) string {
	bridge := fromToken.Symbol + " -> " + targetAsset
	if len(q.StepLabels) > 0 {
		bridge = strings.Join(q.StepLabels, " -> ")
	}
	return fmt.Sprintf("YieldRoute: %s -> %s Vault", bridge, a.DisplayName())
}

func placeholder(protocol string) model.RouteOption {
	return model.RouteOption{
		ID:            "vault-" + protocol + "-unavailable",
		Path:          "No vault configured for " + protocol,
		Fee:           "n/a",
		EstimatedTime: "n/a",
		Provider:      ProviderName,
		RouteType:     model.RouteTypeContractCall,
	}
}

func hasVault(addr string) bool {
	addr = strings.TrimSpace(addr)
	return id.IsAddress(addr) && !id.IsZeroAddress(addr)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
