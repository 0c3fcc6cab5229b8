package app

import (
	"github.com/ggonzalez94/payagent/internal/balances"
	"github.com/ggonzalez94/payagent/internal/cache"
	"github.com/ggonzalez94/payagent/internal/consolidate"
	"github.com/ggonzalez94/payagent/internal/ens"
	"github.com/ggonzalez94/payagent/internal/execute"
	"github.com/ggonzalez94/payagent/internal/httpx"
	"github.com/ggonzalez94/payagent/internal/intent"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/across"
	"github.com/ggonzalez94/payagent/internal/providers/defillama"
	"github.com/ggonzalez94/payagent/internal/providers/hook"
	"github.com/ggonzalez94/payagent/internal/providers/lifi"
	"github.com/ggonzalez94/payagent/internal/providers/morpho"
	"github.com/ggonzalez94/payagent/internal/providers/vault"
	"github.com/ggonzalez94/payagent/internal/providers/x402"
	"github.com/ggonzalez94/payagent/internal/router"
	"github.com/ggonzalez94/payagent/internal/store"
	"github.com/ggonzalez94/payagent/internal/version"
)

// components is the wired object graph shared by every command. Nothing in
// it dials out until a command asks.
type components struct {
	routes   *cache.Store
	agent    *router.Aggregator
	builder  *execute.Builder
	resolver *ens.Resolver
	infos    []model.ProviderInfo

	ledger *store.Store
}

func (s *runtimeState) components() *components {
	if s.deps != nil {
		return s.deps
	}
	settings := s.settings
	log := s.log

	httpClient := httpx.New(settings.Timeout, settings.Retries,
		httpx.WithRateLimit(settings.UpstreamRPS, int(settings.UpstreamRPS)),
		httpx.WithUserAgent(version.CLIName+"/"+version.CLIVersion),
	)
	routes := cache.New(settings.RouteCacheTTL)

	lifiClient := lifi.New(httpClient, routes,
		lifi.WithAPIKey(settings.LiFiAPIKey),
		lifi.WithIntegrator(settings.LiFiIntegrator),
		lifi.WithLogger(log),
	)
	acrossClient := across.New(httpClient, log)
	morphoClient := morpho.New(httpClient)
	hookProvider := hook.New()
	prices := defillama.New(httpClient, log).WithBaseURL(settings.DefiLlamaURL)
	vaults := vault.New(lifiClient, routes, settings.YieldRouterAddress, log,
		vault.NewAave(settings.AaveVault),
		vault.NewMorpho(settings.MorphoVault, morphoClient),
	).
		WithProtection(settings.MEVRouter, settings.MEVSlippageBps).
		WithRestaking(settings.RestakingRouter, prices)
	paywall := x402.New(httpClient, log)
	resolver := ens.New(settings.ENSRPCURL, log)
	dial := balances.RPCDialer(settings.RPCOverrides)

	crossChain := []providers.RouteProvider{lifiClient, acrossClient}
	// Same-chain legs can settle through the hook pool as well.
	quoters := []providers.RouteProvider{hookProvider, lifiClient, acrossClient}
	planner := consolidate.New(quoters, prices, log).WithStepTimeout(settings.ProviderTimeout)

	s.deps = &components{
		routes:   routes,
		resolver: resolver,
		agent: router.New(router.Config{
			Parser:          intent.New(),
			Resolver:        resolver,
			Hook:            []providers.RouteProvider{hookProvider},
			CrossChain:      crossChain,
			Vault:           []providers.RouteProvider{vaults},
			Paywall:         paywall,
			Balances:        balances.New(dial, balances.ParseChains(settings.ScanChains), prices, log),
			Planner:         planner,
			ProviderTimeout: settings.ProviderTimeout,
			Logger:          log,
		}),
		builder: execute.New(execute.Config{
			LiFi:        lifiClient,
			Across:      acrossClient,
			Vault:       vaults,
			Preferences: resolver,
			Resolver:    resolver,
			Dial:        dial,
			Logger:      log,
		}),
		infos: []model.ProviderInfo{
			hookProvider.Info(),
			lifiClient.Info(),
			acrossClient.Info(),
			vaults.Info(),
			morphoClient.Info(),
			prices.Info(),
			paywall.Info(),
		},
	}
	return s.deps
}

// store opens the receipts and invoices database on first use.
func (s *runtimeState) store() (*store.Store, error) {
	deps := s.components()
	if deps.ledger != nil {
		return deps.ledger, nil
	}
	st, err := store.Open(s.settings.StorePath, s.settings.StoreLockPath)
	if err != nil {
		return nil, err
	}
	deps.ledger = st.WithReceiptParent(s.settings.ReceiptParent)
	return deps.ledger, nil
}

func (c *components) close() {
	if c.ledger != nil {
		_ = c.ledger.Close()
	}
}
