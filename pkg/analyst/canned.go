package analyst

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// Canned is the deterministic rule-based analyst used in mock mode and tests.
// It applies the same heuristics a first-pass human review would: pause
// enabled campaigns burning spend with zero conversions, shift budget toward
// strong ROAS and away from weak ROAS.
type Canned struct {
	clock func() time.Time

	// Confidence levels per heuristic, settable so tests can steer
	// proposals over or under the gate threshold.
	PauseConfidence    float64
	IncreaseConfidence float64
	DecreaseConfidence float64
}

// NewCanned creates the mock analyst with default confidence levels.
func NewCanned() *Canned {
	return &Canned{
		clock:              time.Now,
		PauseConfidence:    0.92,
		IncreaseConfidence: 0.88,
		DecreaseConfidence: 0.90,
	}
}

// WithClock overrides the clock for deterministic tests.
func (c *Canned) WithClock(clock func() time.Time) *Canned {
	c.clock = clock
	return c
}

// ROAS bands for the budget heuristics.
const (
	strongROAS = 3.0
	weakROAS   = 1.0

	budgetStepFraction = 0.15 // proposed change per tick, under the major-change bar
)

func (c *Canned) Analyze(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, contracts.NewAdapterError(contracts.ErrAnalystTimeout, "", err)
	}

	now := c.clock().UTC()
	resp := Response{OverallHealth: contracts.HealthGood}

	var enabled, weak int
	for _, snap := range req.Campaigns {
		camp := snap.Campaign
		resp.Alerts = append(resp.Alerts, DetectSignals(camp, snap.Samples)...)
		if camp.Status != contracts.StatusEnabled {
			continue
		}
		enabled++

		var spend, revenue, conversions int64
		for _, s := range snap.Samples {
			spend += s.Spend
			revenue += s.Revenue
			conversions += s.Conversions
		}
		if spend == 0 {
			continue
		}
		roas := float64(revenue) / float64(spend)
		from := contracts.BudgetState{Status: camp.Status, DailyBudget: camp.DailyBudget}

		switch {
		case conversions == 0 && spend >= minSpendForSignal:
			weak++
			resp.Proposals = append(resp.Proposals, contracts.Proposal{
				ID:         uuid.NewString(),
				Campaign:   camp.Ref,
				Kind:       contracts.KindPause,
				FromState:  from,
				ToState:    contracts.BudgetState{Status: contracts.StatusPaused, DailyBudget: camp.DailyBudget},
				Confidence: c.PauseConfidence,
				Reasoning:  fmt.Sprintf("spend %d with zero conversions over the window", spend),
				ExpectedImpact: contracts.ExpectedImpact{
					Metric:        "spend",
					ChangePercent: -100,
				},
				ProducedAt: now,
			})
		case roas >= strongROAS:
			step := int64(math.Round(float64(camp.DailyBudget) * budgetStepFraction))
			if step == 0 {
				continue
			}
			resp.Proposals = append(resp.Proposals, contracts.Proposal{
				ID:         uuid.NewString(),
				Campaign:   camp.Ref,
				Kind:       contracts.KindIncreaseBudget,
				FromState:  from,
				ToState:    contracts.BudgetState{Status: camp.Status, DailyBudget: camp.DailyBudget + step},
				Confidence: c.IncreaseConfidence,
				Reasoning:  fmt.Sprintf("ROAS %.2f sustains above %.1f", roas, strongROAS),
				ExpectedImpact: contracts.ExpectedImpact{
					Metric:        "revenue",
					ChangePercent: budgetStepFraction * 100,
				},
				ProducedAt: now,
			})
		case roas < weakROAS:
			weak++
			step := int64(math.Round(float64(camp.DailyBudget) * budgetStepFraction))
			if step == 0 || camp.DailyBudget-step <= 0 {
				continue
			}
			resp.Proposals = append(resp.Proposals, contracts.Proposal{
				ID:         uuid.NewString(),
				Campaign:   camp.Ref,
				Kind:       contracts.KindDecreaseBudget,
				FromState:  from,
				ToState:    contracts.BudgetState{Status: camp.Status, DailyBudget: camp.DailyBudget - step},
				Confidence: c.DecreaseConfidence,
				Reasoning:  fmt.Sprintf("ROAS %.2f below break-even band %.1f", roas, weakROAS),
				ExpectedImpact: contracts.ExpectedImpact{
					Metric:        "spend",
					ChangePercent: -budgetStepFraction * 100,
				},
				ProducedAt: now,
			})
		}
	}

	switch {
	case enabled == 0:
		resp.OverallHealth = contracts.HealthFair
		resp.Summary = "no enabled campaigns in window"
	case weak*2 >= enabled:
		resp.OverallHealth = contracts.HealthPoor
		resp.Summary = fmt.Sprintf("%d of %d enabled campaigns underperforming", weak, enabled)
	default:
		resp.Summary = fmt.Sprintf("%d enabled campaigns, %d proposals", enabled, len(resp.Proposals))
	}
	return resp, nil
}

var _ Client = (*Canned)(nil)
