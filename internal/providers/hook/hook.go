package hook

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
)

const (
	RouteID      = "v4-hook-0"
	ProviderName = "Uniswap v4 StableHook"
)

// Provider offers the fixed-fee stable swap hook for same-chain stablecoin
// pairs. It answers from local data only.
type Provider struct{}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "v4-hook",
		Type:         "same-chain",
		RequiresKey:  false,
		Capabilities: []string{"swap.stable"},
	}
}

func (p *Provider) FindRoutes(_ context.Context, q providers.RouteQuery) ([]model.RouteOption, error) {
	fromChain := firstNonEmpty(q.FromChain, id.DefaultChainSlug)
	toChain := firstNonEmpty(q.ToChain, fromChain)
	if !id.SameChain(fromChain, toChain) {
		return nil, nil
	}
	if !id.IsStable(q.FromToken) || !id.IsStable(q.ToToken) {
		return nil, nil
	}
	chainName := fromChain
	if chain, err := id.ParseChain(fromChain); err == nil {
		chainName = chain.Name
	}
	return []model.RouteOption{{
		ID:            RouteID,
		Path:          fmt.Sprintf("%s %s -> %s via v4 stable hook", chainName, strings.ToUpper(q.FromToken), strings.ToUpper(q.ToToken)),
		Fee:           "$0.01",
		EstimatedTime: "~15s",
		Provider:      ProviderName,
		RouteType:     model.RouteTypeStandard,
	}}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
