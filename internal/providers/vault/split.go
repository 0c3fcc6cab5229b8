package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/defillama"
	"github.com/ggonzalez94/payagent/internal/providers/lifi"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const (
	StrategyYield     = "yield"
	StrategyRestaking = "restaking"
	StrategyLiquid    = "liquid"

	SplitRouteID    = "multi-vault-route"
	LiquidRouteID   = "multi-vault-liquid"
	SplitProvider   = "LI.FI + MultiVault"
	liquidProvider  = "Direct Transfer"
	restakingMinPct = 95
)

var strategyNames = map[string]string{
	StrategyYield:     "Yield",
	StrategyRestaking: "Restaking",
	StrategyLiquid:    "Liquid",
}

// ParseAllocations reads a split strategy record. It accepts
// "yield:60,restaking:40" (";" and "=" also work) or a JSON array of
// {"strategy","percentage"} objects. Percentages must add up to 100.
func ParseAllocations(raw string) ([]model.StrategyAllocation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var allocs []model.StrategyAllocation
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &allocs); err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse strategy record", err)
		}
	} else {
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
			name, pct, ok := strings.Cut(part, ":")
			if !ok {
				name, pct, ok = strings.Cut(part, "=")
			}
			if !ok {
				return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid strategy entry %q", strings.TrimSpace(part)))
			}
			value, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(pct), "%"), 64)
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid percentage in %q", strings.TrimSpace(part)), err)
			}
			allocs = append(allocs, model.StrategyAllocation{Strategy: strings.TrimSpace(name), Percentage: value})
		}
	}

	seen := map[string]bool{}
	total := 0.0
	for i := range allocs {
		s := strings.ToLower(strings.TrimSpace(allocs[i].Strategy))
		if _, ok := strategyNames[s]; !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown strategy %q", allocs[i].Strategy))
		}
		if seen[s] {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("duplicate strategy %q", s))
		}
		if allocs[i].Percentage < 0 {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("negative percentage for %s", s))
		}
		seen[s] = true
		allocs[i].Strategy = s
		total += allocs[i].Percentage
	}
	if math.Abs(total-100) > 0.01 {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("strategy percentages add up to %g, want 100", total))
	}
	return allocs, nil
}

// UsesSplit reports whether allocations need the multi-vault route: more
// than one active strategy, or a single one that is not a plain yield deposit.
func UsesSplit(allocs []model.StrategyAllocation) bool {
	active := activeAllocations(allocs)
	switch len(active) {
	case 0:
		return false
	case 1:
		return active[0].Strategy != StrategyYield
	default:
		return true
	}
}

func activeAllocations(allocs []model.StrategyAllocation) []model.StrategyAllocation {
	out := make([]model.StrategyAllocation, 0, len(allocs))
	for _, a := range allocs {
		if a.Percentage > 0 {
			out = append(out, a)
		}
	}
	return out
}

// SplitAmounts divides total base units by percentage. Rounding dust goes to
// the last active strategy so the legs always add up to total.
func SplitAmounts(total *big.Int, allocs []model.StrategyAllocation) []*big.Int {
	out := make([]*big.Int, len(allocs))
	last := -1
	for i, a := range allocs {
		out[i] = new(big.Int)
		if a.Percentage > 0 {
			last = i
		}
	}
	if last < 0 {
		return out
	}
	assigned := new(big.Int)
	for i, a := range allocs {
		if a.Percentage <= 0 || i == last {
			continue
		}
		// Percentages carry up to two decimals.
		bps := big.NewInt(int64(math.Round(a.Percentage * 100)))
		out[i].Mul(total, bps).Quo(out[i], big.NewInt(10000))
		assigned.Add(assigned, out[i])
	}
	out[last].Sub(total, assigned)
	return out
}

// SplitQuote returns a freshly derived executable multi-vault quote for the
// recipient's strategy record.
func (p *Provider) SplitQuote(ctx context.Context, q providers.RouteQuery) (Result, error) {
	allocs, err := ParseAllocations(q.Strategy)
	if err != nil {
		return Result{}, err
	}
	if !UsesSplit(allocs) {
		return Result{}, clierr.New(clierr.CodeUsage, "recipient has no split strategy")
	}
	return p.split(ctx, q, allocs, true)
}

func (p *Provider) split(ctx context.Context, q providers.RouteQuery, allocs []model.StrategyAllocation, fresh bool) (Result, error) {
	t, err := p.resolve(q)
	if err != nil {
		return Result{}, err
	}
	if !id.IsAddress(t.recipient) {
		return Result{}, clierr.New(clierr.CodeUsage, "vault deposit requires a recipient address")
	}
	depositAmount, err := id.ToBaseUnits(q.Amount, t.toToken.Decimals)
	if err != nil {
		return Result{}, err
	}
	total, _ := new(big.Int).SetString(depositAmount, 10)
	amounts := SplitAmounts(total, allocs)
	for i := range allocs {
		allocs[i].Amount = id.FormatDecimal(amounts[i].String(), t.toToken.Decimals)
	}

	active := activeAllocations(allocs)
	allLiquid := true
	for _, a := range active {
		if a.Strategy != StrategyLiquid {
			allLiquid = false
		}
	}
	if allLiquid {
		return Result{
			Route: model.RouteOption{
				ID:            LiquidRouteID,
				Path:          t.fromToken.Symbol + " -> " + targetAsset + " (liquid)",
				Fee:           "$0.00",
				EstimatedTime: "~1 min",
				Provider:      liquidProvider,
				RouteType:     model.RouteTypeStandard,
			},
			Allocations: allocs,
		}, nil
	}

	key := t.key("split", strings.ToLower(q.Vault), depositAmount, q.Strategy, p.protected())
	if res, ok := p.cached(key, fresh); ok {
		return res, nil
	}

	var calls []lifi.ContractCall
	for i, a := range allocs {
		if amounts[i].Sign() <= 0 {
			continue
		}
		var call lifi.ContractCall
		switch a.Strategy {
		case StrategyYield:
			vaultAddr, err := p.yieldVault(ctx, q, t)
			if err != nil {
				return Result{}, err
			}
			call, err = p.depositCall(t.recipient, vaultAddr, t.toToken, amounts[i])
			if err != nil {
				return Result{}, err
			}
		case StrategyRestaking:
			call, err = p.restakingCall(ctx, t, amounts[i])
			if err != nil {
				return Result{}, err
			}
		case StrategyLiquid:
			call, err = transferCall(t.recipient, t.toToken, amounts[i])
			if err != nil {
				return Result{}, err
			}
		}
		calls = append(calls, call)
	}

	quote, err := p.quoter.ContractCallsQuote(ctx, lifi.ContractCallsRequest{
		FromChain:     t.fromChain,
		ToChain:       t.toChain,
		FromToken:     t.fromToken,
		ToToken:       t.toToken,
		FromAddress:   t.sender,
		ToAmount:      depositAmount,
		ContractCalls: calls,
		Slippage:      t.slippage,
	})
	if err != nil {
		return Result{}, err
	}
	quote.Transaction.Provider = SplitProvider

	parts := make([]string, 0, len(allocs))
	for _, a := range allocs {
		parts = append(parts, fmt.Sprintf("%g%% %s", a.Percentage, strategyNames[a.Strategy]))
	}
	res := Result{
		Route: model.RouteOption{
			ID:            SplitRouteID,
			Path:          "MultiVault: " + strings.Join(parts, " + "),
			Fee:           providers.FormatUSD(quote.GasUSD),
			EstimatedTime: eta(quote),
			Provider:      SplitProvider,
			RouteType:     model.RouteTypeContractCall,
		},
		Quote:       quote,
		Allocations: allocs,
	}
	p.remember(key, res, fresh)
	return res, nil
}

// yieldVault is the recipient's own vault, else the first adapter that has one.
func (p *Provider) yieldVault(ctx context.Context, q providers.RouteQuery, t target) (string, error) {
	if hasVault(q.Vault) {
		return strings.TrimSpace(q.Vault), nil
	}
	for _, a := range p.adapters {
		addr, err := a.VaultAddress(ctx, t.toChain, t.toToken)
		if err != nil {
			p.log.Warn("vault discovery failed", "protocol", a.Protocol(), "error", err)
			continue
		}
		if hasVault(addr) {
			return addr, nil
		}
	}
	return "", clierr.New(clierr.CodeUsage, "No vault configured for yield allocation")
}

// restakingCall bounds the ezETH minted for usdcAmount at 95% of its ETH value.
func (p *Provider) restakingCall(ctx context.Context, t target, usdcAmount *big.Int) (lifi.ContractCall, error) {
	if !id.IsAddress(p.restakingRouter) || id.IsZeroAddress(p.restakingRouter) {
		return lifi.ContractCall{}, clierr.New(clierr.CodeUsage, "restaking router address is not configured")
	}
	minOut, err := p.minEzETH(ctx, t, usdcAmount)
	if err != nil {
		return lifi.ContractCall{}, err
	}
	data, err := registry.Restaking.Pack("depositToRenzo", common.HexToAddress(t.recipient), minOut)
	if err != nil {
		return lifi.ContractCall{}, clierr.Wrap(clierr.CodeInternal, "pack restaking calldata", err)
	}
	return lifi.ContractCall{
		FromAmount:         usdcAmount.String(),
		FromTokenAddress:   t.toToken.Address,
		ToContractAddress:  p.restakingRouter,
		ToContractCallData: "0x" + common.Bytes2Hex(data),
		ToContractGasLimit: strconv.Itoa(registry.RestakingGasLimit),
	}, nil
}

func (p *Provider) minEzETH(ctx context.Context, t target, usdcAmount *big.Int) (*big.Int, error) {
	if p.prices == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "no price source for restaking allocation")
	}
	weth, ok := id.KnownToken(t.toChain.EVMChainID, "WETH")
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, "WETH not supported on Base for restaking")
	}
	key, ok := defillama.CoinKey(t.toChain.EVMChainID, weth)
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, "WETH has no price key on Base")
	}
	prices, err := p.prices.Prices(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	ethUSD := prices[key]
	if ethUSD <= 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "ETH price unavailable for restaking allocation")
	}
	// usdc (6 decimals) / price * 1e18 * 95% = usdc * 1e12 * 95 / 100 / price
	wei := new(big.Float).SetInt(usdcAmount)
	wei.Mul(wei, big.NewFloat(1e12*restakingMinPct/100))
	wei.Quo(wei, big.NewFloat(ethUSD))
	out, _ := wei.Int(nil)
	return out, nil
}

func transferCall(recipient string, asset id.Token, amount *big.Int) (lifi.ContractCall, error) {
	data, err := registry.ERC20.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return lifi.ContractCall{}, clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	return lifi.ContractCall{
		FromAmount:         amount.String(),
		FromTokenAddress:   asset.Address,
		ToContractAddress:  asset.Address,
		ToContractCallData: "0x" + common.Bytes2Hex(data),
		ToContractGasLimit: strconv.Itoa(registry.TransferGasLimit),
	}, nil
}
