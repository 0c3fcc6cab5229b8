package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/providers/defillama"
	"golang.org/x/sync/errgroup"
)

const (
	// Fee a user would typically pay doing the conversion by hand.
	BaselineCrossChainFeeUSD = 5.00
	BaselineSameChainFeeUSD  = 2.00

	intermediateStable = "USDC"
	defaultStepTimeout = 8 * time.Second
)

// GoldOracle prices tokenized gold in USD per ounce.
type GoldOracle interface {
	GoldSpotPrice(ctx context.Context) defillama.GoldSpot
}

type Planner struct {
	quoters     []providers.RouteProvider
	gold        GoldOracle
	stepTimeout time.Duration
	log         *slog.Logger
}

func New(quoters []providers.RouteProvider, gold GoldOracle, log *slog.Logger) *Planner {
	return &Planner{quoters: quoters, gold: gold, stepTimeout: defaultStepTimeout, log: logging.OrDiscard(log)}
}

// WithStepTimeout bounds each provider query made while planning.
func (p *Planner) WithStepTimeout(d time.Duration) *Planner {
	if d > 0 {
		p.stepTimeout = d
	}
	return p
}

// NormalizeTarget fills a missing chain with the token's native chain and
// canonicalizes both fields.
func NormalizeTarget(t model.ConsolidationTarget) model.ConsolidationTarget {
	t.PreferredToken = strings.ToUpper(strings.TrimSpace(t.PreferredToken))
	if t.PreferredToken == "" {
		t.PreferredToken = intermediateStable
	}
	if chain, err := id.ParseChain(t.PreferredChain); err == nil {
		t.PreferredChain = chain.Slug
		return t
	}
	if strings.TrimSpace(t.PreferredChain) != "" {
		return t
	}
	if chain, ok := id.NativeChainFor(t.PreferredToken); ok {
		t.PreferredChain = chain.Slug
	} else {
		t.PreferredChain = id.DefaultChainSlug
	}
	return t
}

// DetectOpportunities emits one opportunity per non-zero balance that is not
// already the target token on the target chain.
func DetectOpportunities(balances []model.Balance, target model.ConsolidationTarget) []model.ConsolidationOpportunity {
	target = NormalizeTarget(target)
	out := make([]model.ConsolidationOpportunity, 0, len(balances))
	for _, b := range balances {
		if id.ValidateAmount(b.Amount) != nil {
			continue
		}
		if strings.EqualFold(b.Token, target.PreferredToken) && id.SameChain(b.Chain, target.PreferredChain) {
			continue
		}
		out = append(out, model.ConsolidationOpportunity{
			SourceToken: strings.ToUpper(b.Token),
			SourceChain: canonicalSlug(b.Chain),
			Amount:      b.Amount,
			ValueUSD:    b.ValueUSD,
			TargetToken: target.PreferredToken,
			TargetChain: target.PreferredChain,
			Executable:  true,
		})
	}
	return out
}

// BuildPlan prices one step per opportunity. Steps nothing can service stay
// in the plan marked not executable.
func (p *Planner) BuildPlan(ctx context.Context, opps []model.ConsolidationOpportunity, target model.ConsolidationTarget) model.ConsolidationPlan {
	target = NormalizeTarget(target)
	gold := id.IsGold(target.PreferredToken)
	stepToken := target.PreferredToken
	if gold {
		stepToken = intermediateStable
	}

	steps := make([]model.ConsolidationStep, len(opps))
	savings := make([]float64, len(opps))
	g, gctx := errgroup.WithContext(ctx)
	for i, opp := range opps {
		g.Go(func() error {
			steps[i], savings[i] = p.planStep(gctx, opp, stepToken, target)
			return nil
		})
	}
	_ = g.Wait()

	total := 0.0
	for _, s := range savings {
		total += s
	}
	plan := model.ConsolidationPlan{Steps: steps, TotalSavings: providers.FormatUSD(total)}
	if gold && len(opps) > 0 {
		plan.GoldConversion = p.goldLeg(ctx, opps, target)
	}
	return plan
}

func (p *Planner) planStep(ctx context.Context, opp model.ConsolidationOpportunity, toToken string, target model.ConsolidationTarget) (model.ConsolidationStep, float64) {
	from := fmt.Sprintf("%s %s on %s", opp.Amount, opp.SourceToken, chainName(opp.SourceChain))
	to := fmt.Sprintf("%s on %s", toToken, chainName(opp.TargetChain))
	step := model.ConsolidationStep{From: from, To: to, Amount: opp.Amount}

	if strings.EqualFold(opp.SourceToken, toToken) && id.SameChain(opp.SourceChain, opp.TargetChain) {
		step.Provider = "none"
		step.Fee = providers.FormatUSD(0)
		step.EstimatedTime = "0s"
		step.Executable = true
		step.Description = fmt.Sprintf("Already held as %s on %s", toToken, chainName(opp.TargetChain))
		return step, 0
	}

	q := providers.RouteQuery{
		Action:      model.ActionConsolidate,
		FromAddress: target.Address,
		Recipient:   target.Address,
		FromChain:   opp.SourceChain,
		ToChain:     opp.TargetChain,
		FromToken:   opp.SourceToken,
		ToToken:     toToken,
		Amount:      opp.Amount,
	}
	best, ok := p.cheapest(ctx, q)
	if !ok {
		step.Provider = "none"
		step.Fee = "n/a"
		step.EstimatedTime = "n/a"
		step.Description = fmt.Sprintf("No route available from %s to %s; convert manually", from, to)
		return step, 0
	}

	step.Provider = best.Provider
	step.Fee = best.Fee
	step.EstimatedTime = best.EstimatedTime
	step.Executable = true
	verb := "Swap"
	baseline := BaselineSameChainFeeUSD
	if !id.SameChain(opp.SourceChain, opp.TargetChain) {
		verb = "Bridge"
		baseline = BaselineCrossChainFeeUSD
	}
	step.Description = fmt.Sprintf("%s %s to %s via %s", verb, from, to, best.Provider)

	fee, _ := providers.ParseFee(best.Fee)
	return step, math.Max(0, baseline-fee)
}

// cheapest asks every quoter for the pair and keeps the lowest fee, then the
// fastest on ties.
func (p *Planner) cheapest(ctx context.Context, q providers.RouteQuery) (model.RouteOption, bool) {
	results := make([][]model.RouteOption, len(p.quoters))
	g, gctx := errgroup.WithContext(ctx)
	for i, quoter := range p.quoters {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, p.stepTimeout)
			defer cancel()
			routes, err := quoter.FindRoutes(qctx, q)
			if err != nil {
				p.log.Warn("consolidation quote failed", "provider", quoter.Info().Name, "error", err)
				return nil
			}
			results[i] = routes
			return nil
		})
	}
	_ = g.Wait()

	var (
		best     model.RouteOption
		bestFee  float64
		bestTime time.Duration
		found    bool
	)
	for _, routes := range results {
		for _, r := range routes {
			fee, ok := providers.ParseFee(r.Fee)
			if !ok {
				continue
			}
			eta := ParseETA(r.EstimatedTime)
			if !found || fee < bestFee || (fee == bestFee && eta < bestTime) {
				best, bestFee, bestTime, found = r, fee, eta, true
			}
		}
	}
	return best, found
}

func (p *Planner) goldLeg(ctx context.Context, opps []model.ConsolidationOpportunity, target model.ConsolidationTarget) *model.GoldConversion {
	stable := 0.0
	for _, o := range opps {
		switch {
		case o.ValueUSD > 0:
			stable += o.ValueUSD
		case id.IsStable(o.SourceToken):
			if v, err := strconv.ParseFloat(o.Amount, 64); err == nil {
				stable += v
			}
		}
	}
	spot := defillama.GoldSpot{PriceUSD: defillama.FallbackGoldUSD, Source: defillama.SourceFallback}
	if p.gold != nil {
		spot = p.gold.GoldSpotPrice(ctx)
	}
	goldAmount := 0.0
	if spot.PriceUSD > 0 {
		goldAmount = stable / spot.PriceUSD
	}
	stableStr := strconv.FormatFloat(stable, 'f', 2, 64)
	goldStr := strconv.FormatFloat(goldAmount, 'f', 6, 64)
	return &model.GoldConversion{
		FromToken:    intermediateStable,
		ToToken:      target.PreferredToken,
		Chain:        target.PreferredChain,
		StableAmount: stableStr,
		GoldAmount:   goldStr,
		SpotPriceUSD: spot.PriceUSD,
		PriceSource:  spot.Source,
		Description: fmt.Sprintf("Convert %s %s to %s %s on %s at $%.2f/oz (%s)",
			stableStr, intermediateStable, goldStr, target.PreferredToken, chainName(target.PreferredChain), spot.PriceUSD, spot.Source),
	}
}

// ParseETA reads "~15s", "3 min" and plain durations. Unknown values sort last.
func ParseETA(v string) time.Duration {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "~"))
	if s == "" {
		return time.Duration(math.MaxInt64)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	fields := strings.Fields(s)
	if len(fields) == 2 {
		n, err := strconv.ParseFloat(fields[0], 64)
		if err == nil {
			switch strings.ToLower(fields[1]) {
			case "min", "mins", "minute", "minutes":
				return time.Duration(n * float64(time.Minute))
			case "s", "sec", "secs", "seconds":
				return time.Duration(n * float64(time.Second))
			}
		}
	}
	return time.Duration(math.MaxInt64)
}

func canonicalSlug(chain string) string {
	if c, err := id.ParseChain(chain); err == nil {
		return c.Slug
	}
	return strings.ToLower(strings.TrimSpace(chain))
}

func chainName(slug string) string {
	if c, err := id.ParseChain(slug); err == nil {
		return c.Name
	}
	return slug
}
