// Package rules evaluates automation rules against live and forecast data.
// Evaluation is pure computation; all I/O happens before it in the cycle.
package rules

import (
	"context"
	"log/slog"
	"sort"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
)

// Outcome is the result of evaluating all rules for one cycle.
type Outcome struct {
	// Triggered is the single rule that should be active this cycle, or nil
	// when none qualify.
	Triggered *types.AutomationRule
	// Results holds every rule's evaluation in priority order, kept complete
	// for the audit even after a winner is found.
	Results []types.RuleResult
}

// EvaluateAll evaluates every rule in ascending priority order. A rule
// qualifies when it is enabled, its cooldown has elapsed (the currently
// active rule is exempt), and all of its conditions are met. The first
// qualifying rule wins; later rules are still evaluated for audit
// completeness but cannot change the selection.
func EvaluateAll(ctx context.Context, ruleSet []types.AutomationRule, in Inputs) Outcome {
	ordered := make([]types.AutomationRule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var out Outcome
	for i := range ordered {
		rule := ordered[i]
		rr := types.RuleResult{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Priority: rule.Priority,
			Enabled:  rule.Enabled,
		}

		if !rule.CooldownElapsed(in.Now) && rule.ID != in.ActiveRuleID {
			rr.CooldownActive = true
		}

		allMet := len(rule.Conditions) > 0
		for _, cond := range rule.Conditions {
			cr := evaluateCondition(cond, in)
			rr.Conditions = append(rr.Conditions, cr)
			if !cr.Met {
				allMet = false
			}
		}
		rr.Met = allMet

		if allMet && rule.Enabled && !rr.CooldownActive && out.Triggered == nil {
			out.Triggered = &ordered[i]
			log.Ctx(ctx).DebugContext(
				ctx,
				"rule qualified",
				slog.String("ruleID", rule.ID),
				slog.String("name", rule.Name),
				slog.Int("priority", rule.Priority),
			)
		}

		out.Results = append(out.Results, rr)
	}
	return out
}
