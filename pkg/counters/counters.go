// Package counters tracks the per-calendar-day running totals the guardrail
// invariants are checked against: adjustments made, absolute budget moved,
// and per-platform spend delta. Counters roll over at local midnight of the
// configured timezone and are derived state — on cold start they are rebuilt
// from the ledger, so there is no separate store to go out of sync.
package counters

import (
	"context"
	"sync"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/ledger"
)

// DailyCounters is a point-in-time snapshot of the current day's totals.
type DailyCounters struct {
	Day                   string                           `json:"day"` // YYYY-MM-DD in the tracker timezone
	AdjustmentsMade       int                              `json:"adjustments_made"`
	BudgetMoved           int64                            `json:"budget_moved"` // absolute minor units, auto-executions
	PerCampaignDelta      map[string]int64                 `json:"per_campaign_delta"`
	PerPlatformSpendDelta map[contracts.PlatformID]int64   `json:"per_platform_spend_delta"`
}

// CampaignDelta returns the cumulative absolute budget delta for a campaign
// today.
func (d DailyCounters) CampaignDelta(ref contracts.CampaignRef) int64 {
	return d.PerCampaignDelta[ref.String()]
}

// Tracker owns the counters. It is mutated only by the decision engine,
// from within a tick or an approval handler serialised with ticks.
type Tracker struct {
	mu    sync.Mutex
	loc   *time.Location
	cur   DailyCounters
	clock func() time.Time
}

// NewTracker creates a tracker rolling over at midnight of loc.
func NewTracker(loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	t := &Tracker{loc: loc, clock: time.Now}
	t.cur = emptyDay(t.clock().In(loc))
	return t
}

// WithClock overrides the clock for deterministic tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	t.cur = emptyDay(clock().In(t.loc))
	return t
}

func emptyDay(now time.Time) DailyCounters {
	return DailyCounters{
		Day:                   now.Format("2006-01-02"),
		PerCampaignDelta:      make(map[string]int64),
		PerPlatformSpendDelta: make(map[contracts.PlatformID]int64),
	}
}

// Rollover resets the counters if local midnight has passed since the last
// observation. Returns true when a reset happened so the caller can ledger
// a COUNTER_RESET entry.
func (t *Tracker) Rollover(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolloverLocked(now)
}

func (t *Tracker) rolloverLocked(now time.Time) bool {
	day := now.In(t.loc).Format("2006-01-02")
	if day == t.cur.Day {
		return false
	}
	t.cur = emptyDay(now.In(t.loc))
	return true
}

// Snapshot returns a copy of the current day's totals.
func (t *Tracker) Snapshot(now time.Time) DailyCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(now)

	snap := DailyCounters{
		Day:                   t.cur.Day,
		AdjustmentsMade:       t.cur.AdjustmentsMade,
		BudgetMoved:           t.cur.BudgetMoved,
		PerCampaignDelta:      make(map[string]int64, len(t.cur.PerCampaignDelta)),
		PerPlatformSpendDelta: make(map[contracts.PlatformID]int64, len(t.cur.PerPlatformSpendDelta)),
	}
	for k, v := range t.cur.PerCampaignDelta {
		snap.PerCampaignDelta[k] = v
	}
	for k, v := range t.cur.PerPlatformSpendDelta {
		snap.PerPlatformSpendDelta[k] = v
	}
	return snap
}

// CommitExecution records a confirmed budget movement. auto marks decisions
// the gate auto-executed; only those count toward the adjustment cap and
// the per-campaign delta bound.
func (t *Tracker) CommitExecution(now time.Time, ref contracts.CampaignRef, budgetDelta int64, auto bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(now)

	abs := budgetDelta
	if abs < 0 {
		abs = -abs
	}
	if auto {
		t.cur.AdjustmentsMade++
		t.cur.BudgetMoved += abs
		t.cur.PerCampaignDelta[ref.String()] += abs
	}
	t.cur.PerPlatformSpendDelta[ref.Platform] += budgetDelta
}

// Rebuild reconstructs the current day from the ledger's action records
// since local midnight. Used on cold start.
func (t *Tracker) Rebuild(ctx context.Context, store ledger.Store, now time.Time) error {
	local := now.In(t.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)

	records, err := store.ActionsSince(ctx, midnight)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = emptyDay(local)

	for _, rec := range records {
		if rec.Outcome != contracts.OutcomeSuccess || rec.AfterState == nil {
			continue
		}
		delta := rec.AfterState.DailyBudget - rec.BeforeState.DailyBudget
		abs := delta
		if abs < 0 {
			abs = -abs
		}
		if rec.Decision.Outcome == contracts.DecisionAutoExecute {
			t.cur.AdjustmentsMade++
			t.cur.BudgetMoved += abs
			t.cur.PerCampaignDelta[rec.Campaign.String()] += abs
		}
		t.cur.PerPlatformSpendDelta[rec.Campaign.Platform] += delta
	}
	return nil
}
