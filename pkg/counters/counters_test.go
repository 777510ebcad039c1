package counters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/ledger"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func testClock() func() time.Time {
	return func() time.Time { return testNow }
}

func TestCommitExecutionAutoVsApproved(t *testing.T) {
	tr := NewTracker(time.UTC).WithClock(testClock())
	ref := contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"}

	tr.CommitExecution(testNow, ref, 3000, true)
	tr.CommitExecution(testNow, ref, -1000, true)

	// Human-approved movements shift platform spend but never consume the
	// auto-adjustment caps.
	tr.CommitExecution(testNow, ref, 5000, false)

	snap := tr.Snapshot(testNow)
	assert.Equal(t, 2, snap.AdjustmentsMade)
	assert.Equal(t, int64(4000), snap.BudgetMoved)
	assert.Equal(t, int64(4000), snap.CampaignDelta(ref))
	assert.Equal(t, int64(7000), snap.PerPlatformSpendDelta[contracts.PlatformGoogleAds])
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker(time.UTC).WithClock(testClock())
	ref := contracts.CampaignRef{Platform: contracts.PlatformMetaAds, ExternalID: "M-001"}
	tr.CommitExecution(testNow, ref, 1000, true)

	snap := tr.Snapshot(testNow)
	snap.PerCampaignDelta[ref.String()] = 99999

	assert.Equal(t, int64(1000), tr.Snapshot(testNow).CampaignDelta(ref))
}

func TestRolloverAtLocalMidnight(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tr := NewTracker(ny).WithClock(testClock())
	ref := contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"}
	tr.CommitExecution(testNow, ref, 2000, true)

	// 03:00 UTC next day is still the previous day in New York.
	sameLocalDay := time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC)
	assert.False(t, tr.Rollover(sameLocalDay))
	assert.Equal(t, 1, tr.Snapshot(sameLocalDay).AdjustmentsMade)

	// 05:00 UTC crosses local midnight.
	nextLocalDay := time.Date(2025, 6, 11, 5, 0, 0, 0, time.UTC)
	assert.True(t, tr.Rollover(nextLocalDay))
	snap := tr.Snapshot(nextLocalDay)
	assert.Zero(t, snap.AdjustmentsMade)
	assert.Zero(t, snap.BudgetMoved)
	assert.Equal(t, "2025-06-11", snap.Day)
}

func TestRolloverIdempotentWithinDay(t *testing.T) {
	tr := NewTracker(time.UTC).WithClock(testClock())
	assert.False(t, tr.Rollover(testNow))
	assert.False(t, tr.Rollover(testNow.Add(time.Hour)))
	assert.True(t, tr.Rollover(testNow.Add(24*time.Hour)))
	assert.False(t, tr.Rollover(testNow.Add(25*time.Hour)))
}

func TestRebuildFromLedger(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	ref := contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"}

	executedAt := testNow.Add(-time.Hour)
	mk := func(id string, outcome contracts.DecisionOutcome, before, after int64) contracts.ActionRecord {
		rec := contracts.ActionRecord{
			ID:          "rec-" + id,
			ProposalID:  id,
			Campaign:    ref,
			Kind:        contracts.KindIncreaseBudget,
			Decision:    contracts.Decision{Outcome: outcome, Rule: "R6", DecidedAt: executedAt},
			BeforeState: contracts.BudgetState{Status: contracts.StatusEnabled, DailyBudget: before},
			Outcome:     contracts.OutcomePending,
			CreatedAt:   executedAt,
		}
		return rec
	}

	// Auto-executed success.
	require.NoError(t, store.InsertAction(ctx, mk("p1", contracts.DecisionAutoExecute, 10000, 13000)))
	after1 := contracts.BudgetState{Status: contracts.StatusEnabled, DailyBudget: 13000}
	require.NoError(t, store.ResolveAction(ctx, "p1", ledger.Resolution{
		Outcome: contracts.OutcomeSuccess, ExecutedAt: &executedAt, AfterState: &after1,
	}))

	// Approved success: platform delta only.
	require.NoError(t, store.InsertAction(ctx, mk("p2", contracts.DecisionApprovalRequired, 8000, 6000)))
	after2 := contracts.BudgetState{Status: contracts.StatusEnabled, DailyBudget: 6000}
	require.NoError(t, store.ResolveAction(ctx, "p2", ledger.Resolution{
		Outcome: contracts.OutcomeSuccess, ExecutedAt: &executedAt, AfterState: &after2,
	}))

	// Failed execution contributes nothing.
	require.NoError(t, store.InsertAction(ctx, mk("p3", contracts.DecisionAutoExecute, 5000, 9000)))
	require.NoError(t, store.ResolveAction(ctx, "p3", ledger.Resolution{
		Outcome: contracts.OutcomeFailed, Error: "adapter down",
	}))

	tr := NewTracker(time.UTC).WithClock(testClock())
	require.NoError(t, tr.Rebuild(ctx, store, testNow))

	snap := tr.Snapshot(testNow)
	assert.Equal(t, 1, snap.AdjustmentsMade)
	assert.Equal(t, int64(3000), snap.BudgetMoved)
	assert.Equal(t, int64(3000), snap.CampaignDelta(ref))
	assert.Equal(t, int64(1000), snap.PerPlatformSpendDelta[contracts.PlatformGoogleAds])
}

func TestRebuildEmptyLedger(t *testing.T) {
	tr := NewTracker(time.UTC).WithClock(testClock())
	require.NoError(t, tr.Rebuild(context.Background(), ledger.NewMemory(), testNow))
	snap := tr.Snapshot(testNow)
	assert.Zero(t, snap.AdjustmentsMade)
	assert.Equal(t, "2025-06-10", snap.Day)
}
