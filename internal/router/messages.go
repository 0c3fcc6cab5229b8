package router

import (
	"fmt"
	"strings"

	"github.com/ggonzalez94/payagent/internal/model"
)

// summary is the agent's one-line restatement of a routable intent.
func summary(in model.Intent, display string) string {
	switch in.Action {
	case model.ActionTransfer:
		var b strings.Builder
		fmt.Fprintf(&b, "I'll transfer %s %s", in.Amount, in.FromToken)
		if display != "" {
			b.WriteString(" to " + display)
		}
		if in.ToChain != "" {
			b.WriteString(" on " + in.ToChain)
		}
		b.WriteString(". Finding the best route...")
		return b.String()
	case model.ActionSwap:
		msg := fmt.Sprintf("I'll swap %s %s to %s", in.Amount, in.FromToken, in.ToToken)
		if in.ToChain != "" {
			msg += " on " + in.ToChain
		}
		return msg + ". Comparing rates..."
	case model.ActionDeposit, model.ActionYield:
		msg := fmt.Sprintf("I'll deposit %s %s", in.Amount, in.FromToken)
		if display != "" {
			msg += " for " + display
		}
		target := "the best available vault"
		if p := strings.TrimSpace(in.VaultProtocol); p != "" {
			target = "a " + titleCase(p) + " vault"
		}
		return msg + " into " + target + " on Base. Comparing vaults..."
	}
	return ""
}

func consolidationSummary(plan model.ConsolidationPlan, target model.ConsolidationTarget) string {
	dest := fmt.Sprintf("%s on %s", target.PreferredToken, chainName(target.PreferredChain))
	if len(plan.Steps) == 0 {
		return fmt.Sprintf("Your balances are already consolidated into %s. Nothing to do.", dest)
	}
	executable := 0
	for _, s := range plan.Steps {
		if s.Executable {
			executable++
		}
	}
	msg := fmt.Sprintf("I'll consolidate %d balance(s) into %s. %d of %d steps can be automated; estimated savings %s.",
		len(plan.Steps), dest, executable, len(plan.Steps), plan.TotalSavings)
	if plan.GoldConversion != nil {
		msg += "\nGold leg: " + plan.GoldConversion.Description
	}
	return msg
}

func titleCase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
