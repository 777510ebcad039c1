// Package gate is the guardrail evaluator. It deterministically classifies
// each analyst proposal as auto-executable, approval-required, or rejected;
// it never silently drops or mutates one.
//
// Rules are pure over (proposal, current state, config): the same inputs
// always yield the same decision. Each rule is an addressable unit so tests
// can target individual clauses. Rules are evaluated in order; the first
// matching rule wins.
package gate

import (
	"fmt"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// State is the slice of current world state a gate evaluation reads. The
// engine assembles it from the campaign registry and the daily counters;
// the gate itself holds no state.
type State struct {
	Campaign contracts.Campaign // confirmed pre-tick state
	Now      time.Time

	// Daily counters at evaluation time.
	AdjustmentsToday   int   // auto-executions committed today
	BudgetMovedToday   int64 // absolute minor units moved by auto-executions today
	CampaignDeltaToday int64 // absolute delta already applied to this campaign today

	// Platform-wide confirmed budget positions.
	PlatformEnabledBudget int64 // sum of ENABLED daily budgets on this platform
	TotalEnabledBudget    int64 // sum of ENABLED daily budgets across all platforms
}

// Rule is one addressable guardrail clause. Eval returns nil when the rule
// does not apply.
type Rule struct {
	Name string
	Eval func(p contracts.Proposal, s State, g contracts.Guardrails) *contracts.Decision
}

// Rules returns the ordered rule chain R1..R6.
func Rules() []Rule {
	return []Rule{
		{Name: "R1", Eval: ruleConfidence},
		{Name: "R2", Eval: ruleRuntime},
		{Name: "R3", Eval: ruleInvariants},
		{Name: "R4", Eval: ruleMajorChange},
		{Name: "R5", Eval: ruleHighImpactKind},
		{Name: "R6", Eval: ruleWithinLimits},
	}
}

// Evaluate runs the chain and stamps the decision. The final rule always
// matches, so a decision is always produced.
func Evaluate(p contracts.Proposal, s State, g contracts.Guardrails) contracts.Decision {
	for _, r := range Rules() {
		if d := r.Eval(p, s, g); d != nil {
			d.Rule = r.Name
			d.DecidedAt = s.Now
			return *d
		}
	}
	// Unreachable: ruleWithinLimits matches everything.
	return contracts.Decision{
		Outcome:       contracts.DecisionRejected,
		Rule:          "R0",
		Justification: contracts.Justification(contracts.ErrInvariantViolation),
		DecidedAt:     s.Now,
	}
}

// R1: confidence strictly below the threshold rejects. Equal confidence is
// accepted.
func ruleConfidence(p contracts.Proposal, s State, g contracts.Guardrails) *contracts.Decision {
	threshold := g.ConfidenceThresholdFor(p.Campaign)
	if p.Confidence < threshold {
		return &contracts.Decision{
			Outcome:       contracts.DecisionRejected,
			Justification: contracts.JustLowConfidence,
			Detail:        fmt.Sprintf("confidence %.2f < threshold %.2f", p.Confidence, threshold),
		}
	}
	return nil
}

// R2: no pause on a campaign younger than the minimum runtime.
func ruleRuntime(p contracts.Proposal, s State, g contracts.Guardrails) *contracts.Decision {
	if p.Kind != contracts.KindPause {
		return nil
	}
	minRuntime := g.MinRuntimeFor(p.Campaign)
	if age := s.Campaign.Age(s.Now); age < minRuntime {
		return &contracts.Decision{
			Outcome:       contracts.DecisionRejected,
			Justification: contracts.JustInsufficientRuntime,
			Detail:        fmt.Sprintf("campaign age %s < required %s", age.Round(time.Minute), minRuntime),
		}
	}
	return nil
}

// R3: reject anything whose execution would breach a hard budget limit.
func ruleInvariants(p contracts.Proposal, s State, g contracts.Guardrails) *contracts.Decision {
	// The platform budget ceiling must hold after execution.
	if ceiling, ok := g.PlatformCeilings[p.Campaign.Platform]; ok && ceiling > 0 {
		projected := s.PlatformEnabledBudget
		switch p.Kind {
		case contracts.KindIncreaseBudget, contracts.KindDecreaseBudget, contracts.KindReallocate:
			if s.Campaign.Status == contracts.StatusEnabled {
				projected += p.BudgetDelta()
			}
		case contracts.KindResume:
			projected += p.ToState.DailyBudget
		}
		if projected > ceiling {
			return &contracts.Decision{
				Outcome:       contracts.DecisionRejected,
				Justification: contracts.JustBudgetCeiling,
				Detail:        fmt.Sprintf("projected %s budget %d exceeds ceiling %d", p.Campaign.Platform, projected, ceiling),
			}
		}
	}

	// One more auto-execution must stay within the daily adjustment cap.
	if g.MaxDailyAdjustments > 0 && s.AdjustmentsToday+1 > g.MaxDailyAdjustments {
		return &contracts.Decision{
			Outcome:       contracts.DecisionRejected,
			Justification: contracts.JustDailyAdjustmentCap,
			Detail:        fmt.Sprintf("%d adjustments already made today (cap %d)", s.AdjustmentsToday, g.MaxDailyAdjustments),
		}
	}

	delta := p.BudgetDelta()
	if delta < 0 {
		delta = -delta
	}
	if delta > 0 {
		// Per campaign: cumulative daily delta bounded by the pre-tick
		// budget times the single-increase fraction.
		if g.MaxSingleBudgetIncreaseFraction > 0 {
			bound := int64(float64(p.FromState.DailyBudget) * g.MaxSingleBudgetIncreaseFraction)
			if s.CampaignDeltaToday+delta > bound {
				return &contracts.Decision{
					Outcome:       contracts.DecisionRejected,
					Justification: contracts.JustCampaignDeltaCap,
					Detail:        fmt.Sprintf("cumulative delta %d would exceed bound %d", s.CampaignDeltaToday+delta, bound),
				}
			}
		}
		// Global: total budget moved today bounded by the portfolio
		// times the daily reallocation fraction.
		if g.MaxBudgetReallocationFractionPerDay > 0 && s.TotalEnabledBudget > 0 {
			bound := int64(float64(s.TotalEnabledBudget) * g.MaxBudgetReallocationFractionPerDay)
			if s.BudgetMovedToday+delta > bound {
				return &contracts.Decision{
					Outcome:       contracts.DecisionRejected,
					Justification: contracts.JustReallocationCap,
					Detail:        fmt.Sprintf("budget moved today %d would exceed bound %d", s.BudgetMovedToday+delta, bound),
				}
			}
		}
	}
	return nil
}

// R4: a budget change strictly larger than the major-change fraction needs
// a human. Measured against the pre-tick budget.
func ruleMajorChange(p contracts.Proposal, s State, g contracts.Guardrails) *contracts.Decision {
	fraction := p.ChangeFraction()
	threshold := g.MajorChangeFractionFor(p.Campaign)
	if fraction > threshold {
		return &contracts.Decision{
			Outcome:       contracts.DecisionApprovalRequired,
			Justification: contracts.JustMajorChange,
			Detail:        fmt.Sprintf("change fraction %.2f > %.2f", fraction, threshold),
		}
	}
	return nil
}

// R5: structurally high-impact kinds always need a human.
func ruleHighImpactKind(p contracts.Proposal, s State, g contracts.Guardrails) *contracts.Decision {
	if p.Kind == contracts.KindCreateCampaign || p.Kind == contracts.KindStrategyChange {
		return &contracts.Decision{
			Outcome:       contracts.DecisionApprovalRequired,
			Justification: contracts.JustHighImpactKind,
			Detail:        string(p.Kind),
		}
	}
	return nil
}

// R6: everything else is within limits. ADVISORY automation escalates even
// these to the approval queue.
func ruleWithinLimits(p contracts.Proposal, s State, g contracts.Guardrails) *contracts.Decision {
	if g.AutomationLevel == contracts.AutomationAdvisory {
		return &contracts.Decision{
			Outcome:       contracts.DecisionApprovalRequired,
			Justification: contracts.JustAdvisoryMode,
		}
	}
	return &contracts.Decision{
		Outcome:       contracts.DecisionAutoExecute,
		Justification: contracts.JustWithinLimits,
	}
}
