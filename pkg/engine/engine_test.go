package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbo-labs/budgetpilot/pkg/adapter"
	"github.com/mbo-labs/budgetpilot/pkg/analyst"
	"github.com/mbo-labs/budgetpilot/pkg/approval"
	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/counters"
	"github.com/mbo-labs/budgetpilot/pkg/ledger"
	"github.com/mbo-labs/budgetpilot/pkg/normalize"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func testClock() func() time.Time {
	return func() time.Time { return testNow }
}

// scripted is an analyst whose answer the test controls.
type scripted struct {
	fn func(analyst.Request) (analyst.Response, error)
}

func (s scripted) Analyze(ctx context.Context, req analyst.Request) (analyst.Response, error) {
	return s.fn(req)
}

// queueResolver adapts the ledger store to the approval queue.
type queueResolver struct{ store ledger.Store }

func (r queueResolver) ResolveAction(ctx context.Context, proposalID string, res approval.Resolution) error {
	return r.store.ResolveAction(ctx, proposalID, ledger.Resolution{
		Outcome:    res.Outcome,
		ExecutedAt: res.ExecutedAt,
		AfterState: res.AfterState,
		Error:      res.Error,
	})
}

type fixture struct {
	engine   *Engine
	store    *ledger.Memory
	queue    *approval.Queue
	counters *counters.Tracker
	lease    *LocalLease
	guard    contracts.Guardrails
	mock     *adapter.Mock
}

func newFixture(t *testing.T, client analyst.Client, mocks ...*adapter.Mock) *fixture {
	t.Helper()
	if len(mocks) == 0 {
		mocks = []*adapter.Mock{adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())}
	}
	adapters := make([]adapter.Adapter, 0, len(mocks))
	for _, m := range mocks {
		adapters = append(adapters, m)
	}
	reg, err := adapter.NewRegistry(adapters...)
	require.NoError(t, err)

	f := &fixture{
		store:    ledger.NewMemory().WithClock(testClock()),
		counters: counters.NewTracker(time.UTC).WithClock(testClock()),
		lease:    NewLocalLease(),
		guard:    contracts.DefaultGuardrails(),
		mock:     mocks[0],
	}
	f.queue = approval.NewQueue(queueResolver{store: f.store})

	eng, err := New(Config{}, Deps{
		Registry:   reg,
		Store:      f.store,
		Analyst:    client,
		Approvals:  f.queue,
		Counters:   f.counters,
		Guardrails: func() contracts.Guardrails { return f.guard },
		FX:         func() normalize.FXTable { return normalize.DefaultFXTable() },
		Lease:      f.lease,
	})
	require.NoError(t, err)
	f.engine = eng.WithClock(testClock())
	return f
}

func seedCampaign(m *adapter.Mock, id string, budget int64, age time.Duration) contracts.Campaign {
	c := contracts.Campaign{
		Ref:         contracts.CampaignRef{Platform: m.Platform(), ExternalID: id},
		Name:        "seeded " + id,
		Status:      contracts.StatusEnabled,
		DailyBudget: budget,
		Objective:   "CONVERSIONS",
		CreatedAt:   testNow.Add(-age),
		UpdatedAt:   testNow,
	}
	m.SeedCampaign(c)
	return c
}

func proposalFor(c contracts.Campaign, kind contracts.ProposalKind, toBudget int64, confidence float64) contracts.Proposal {
	to := contracts.BudgetState{Status: c.Status, DailyBudget: toBudget}
	if kind == contracts.KindPause {
		to.Status = contracts.StatusPaused
	}
	return contracts.Proposal{
		ID:         "scripted",
		Campaign:   c.Ref,
		Kind:       kind,
		FromState:  contracts.BudgetState{Status: c.Status, DailyBudget: c.DailyBudget},
		ToState:    to,
		Confidence: confidence,
		Reasoning:  "scripted test proposal",
		ProducedAt: testNow,
	}
}

func entriesOfType(t *testing.T, store ledger.Store, entryType string) []ledger.Entry {
	t.Helper()
	all, err := store.EntriesSince(context.Background(), time.Time{})
	require.NoError(t, err)
	var out []ledger.Entry
	for _, e := range all {
		if e.EntryType == entryType {
			out = append(out, e)
		}
	}
	return out
}

func TestTickExecutesWithinLimits(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{
			OverallHealth: contracts.HealthGood,
			Summary:       "one increase",
			Proposals:     []contracts.Proposal{proposalFor(seeded, contracts.KindIncreaseBudget, 11500, 0.90)},
		}, nil
	}}
	f := newFixture(t, client, mock)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Proposals)
	assert.Equal(t, 1, res.Executed)
	assert.Zero(t, res.Queued)
	assert.Zero(t, res.Rejected)
	assert.Equal(t, contracts.HealthGood, res.Health)
	assert.Positive(t, res.Samples)

	// The confirmed store reflects the adapter's read-back.
	stored, err := f.store.Campaigns(ctx)
	require.NoError(t, err)
	var got contracts.Campaign
	for _, c := range stored {
		if c.Ref == seeded.Ref {
			got = c
		}
	}
	assert.Equal(t, int64(11500), got.DailyBudget)

	// Exactly one SUCCESS record, resolved from confirmed state.
	records, err := f.store.ActionsByCampaign(ctx, seeded.Ref, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, contracts.OutcomeSuccess, records[0].Outcome)
	require.NotNil(t, records[0].AfterState)
	assert.Equal(t, int64(11500), records[0].AfterState.DailyBudget)
	assert.Equal(t, "R6", records[0].Decision.Rule)

	// Auto-execution consumed the daily caps.
	snap := f.counters.Snapshot(testNow)
	assert.Equal(t, 1, snap.AdjustmentsMade)
	assert.Equal(t, int64(1500), snap.BudgetMoved)

	assert.Len(t, entriesOfType(t, f.store, ledger.EntryActionExecuted), 1)
	assert.Len(t, entriesOfType(t, f.store, ledger.EntryTickCompleted), 1)

	ok, detail := f.store.Verify()
	assert.True(t, ok, detail)
}

func TestTickReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		// Below the confidence threshold, so the state never changes and a
		// replayed tick sees identical inputs.
		return analyst.Response{
			OverallHealth: contracts.HealthFair,
			Summary:       "low confidence idea",
			Proposals:     []contracts.Proposal{proposalFor(seeded, contracts.KindDecreaseBudget, 9000, 0.50)},
		}, nil
	}}
	f := newFixture(t, client, mock)

	// First tick flags samples newly seen; the second is the steady state.
	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	second, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Rejected)
	assert.Zero(t, second.Replayed)

	// Identical inputs again: the proposal's deterministic identity collides
	// with the existing record and the tick records a replay instead.
	third, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Replayed)
	assert.Zero(t, third.Rejected)

	records, err := f.store.ActionsByCampaign(ctx, seeded.Ref, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 2) // first tick plus steady state, no third record
}

func TestPlatformOutageExcludesPlatform(t *testing.T) {
	ctx := context.Background()
	google := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	meta := adapter.NewMock(contracts.PlatformMetaAds).WithClock(testClock())
	meta.FailWith(contracts.NewAdapterError(contracts.ErrUnavailable, contracts.PlatformMetaAds, nil))

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{OverallHealth: contracts.HealthGood, Summary: "quiet"}, nil
	}}
	f := newFixture(t, client, google, meta)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []contracts.PlatformID{contracts.PlatformGoogleAds}, res.PlatformsPolled)
	assert.Equal(t, []contracts.PlatformID{contracts.PlatformMetaAds}, res.PlatformsExcluded)

	excluded := entriesOfType(t, f.store, ledger.EntryPlatformExcluded)
	require.Len(t, excluded, 1)
	assert.Equal(t, string(contracts.PlatformMetaAds), excluded[0].Data["platform"])

	// Only the healthy platform's campaigns reached the confirmed store.
	stored, err := f.store.Campaigns(ctx)
	require.NoError(t, err)
	for _, c := range stored {
		assert.Equal(t, contracts.PlatformGoogleAds, c.Ref.Platform)
	}
}

func TestMajorChangeQueuesAndApprovalExecutes(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		// +30% is beyond the 20% major-change bar.
		return analyst.Response{
			OverallHealth: contracts.HealthGood,
			Summary:       "large increase",
			Proposals:     []contracts.Proposal{proposalFor(seeded, contracts.KindIncreaseBudget, 13000, 0.95)},
		}, nil
	}}
	f := newFixture(t, client, mock)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Zero(t, res.Executed)

	pending := f.queue.Pending(testNow)
	require.Len(t, pending, 1)
	proposalID := pending[0].Proposal.ID
	assert.Equal(t, "R4", pending[0].Decision.Rule)

	rec, err := f.store.Action(ctx, proposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomePending, rec.Outcome)

	_, err = f.queue.Approve(ctx, proposalID, "alice", testNow.Add(time.Hour))
	require.NoError(t, err)

	executed, err := f.engine.DrainApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, executed)

	rec, err = f.store.Action(ctx, proposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, rec.Outcome)
	require.NotNil(t, rec.AfterState)
	assert.Equal(t, int64(13000), rec.AfterState.DailyBudget)

	// Approved executions move budget without consuming the auto caps.
	snap := f.counters.Snapshot(testNow)
	assert.Zero(t, snap.AdjustmentsMade)
	assert.Equal(t, int64(3000), snap.PerPlatformSpendDelta[contracts.PlatformGoogleAds])

	resolved := entriesOfType(t, f.store, ledger.EntryApprovalResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "alice", resolved[0].Data["approved_by"])
}

func TestApprovedItemRejectedWhenStateMoved(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{
			OverallHealth: contracts.HealthGood,
			Summary:       "large increase",
			Proposals:     []contracts.Proposal{proposalFor(seeded, contracts.KindIncreaseBudget, 13000, 0.95)},
		}, nil
	}}
	f := newFixture(t, client, mock)

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	pending := f.queue.Pending(testNow)
	require.Len(t, pending, 1)
	proposalID := pending[0].Proposal.ID

	// The budget moved between queueing and the click.
	moved := seeded
	moved.DailyBudget = 9000
	require.NoError(t, f.store.UpsertCampaign(ctx, moved))

	_, err = f.queue.Approve(ctx, proposalID, "alice", testNow.Add(time.Hour))
	require.NoError(t, err)
	executed, err := f.engine.DrainApprovals(ctx)
	require.NoError(t, err)
	assert.Zero(t, executed)

	rec, err := f.store.Action(ctx, proposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeRejected, rec.Outcome)
	assert.Contains(t, rec.Error, "state changed")
}

func TestAdvisoryModeQueuesWithinLimits(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{
			OverallHealth: contracts.HealthGood,
			Summary:       "small increase",
			Proposals:     []contracts.Proposal{proposalFor(seeded, contracts.KindIncreaseBudget, 11000, 0.90)},
		}, nil
	}}
	f := newFixture(t, client, mock)
	f.guard.AutomationLevel = contracts.AutomationAdvisory

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Zero(t, res.Executed)

	pending := f.queue.Pending(testNow)
	require.Len(t, pending, 1)
	assert.Equal(t, contracts.JustAdvisoryMode, pending[0].Decision.Justification)
}

func TestAnalystFailureDegradesTick(t *testing.T) {
	ctx := context.Background()
	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{}, contracts.NewAdapterError(contracts.ErrAnalystTimeout, "", context.DeadlineExceeded)
	}}
	f := newFixture(t, client)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Proposals)
	assert.Positive(t, res.Samples)

	alerts := entriesOfType(t, f.store, ledger.EntryAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ANALYST_UNAVAILABLE", alerts[0].Data["signal"])
	assert.Len(t, entriesOfType(t, f.store, ledger.EntryTickCompleted), 1)
}

func TestTickSkippedWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{OverallHealth: contracts.HealthGood}, nil
	}}
	f := newFixture(t, client)

	held, err := f.lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, entriesOfType(t, f.store, ledger.EntryTickSkipped), 1)
	assert.Empty(t, entriesOfType(t, f.store, ledger.EntryTickCompleted))

	require.NoError(t, f.lease.Release(ctx))
	res, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestSupersededSameTick(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		// Two proposals for the same campaign: the decrease orders first and
		// claims the campaign; the increase is superseded.
		return analyst.Response{
			OverallHealth: contracts.HealthGood,
			Summary:       "conflicting ideas",
			Proposals: []contracts.Proposal{
				proposalFor(seeded, contracts.KindIncreaseBudget, 11000, 0.90),
				proposalFor(seeded, contracts.KindDecreaseBudget, 9000, 0.90),
			},
		}, nil
	}}
	f := newFixture(t, client, mock)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Rejected)

	records, err := f.store.ActionsByCampaign(ctx, seeded.Ref, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	var executedRec, deadRec contracts.ActionRecord
	for _, r := range records {
		if r.Outcome == contracts.OutcomeSuccess {
			executedRec = r
		} else {
			deadRec = r
		}
	}
	assert.Equal(t, contracts.KindDecreaseBudget, executedRec.Kind)
	assert.Equal(t, contracts.OutcomeCancelled, deadRec.Outcome)
	assert.Equal(t, contracts.JustSuperseded, deadRec.Decision.Justification)
}

func TestBootstrapRestoresApprovalsAndCounters(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{
			OverallHealth: contracts.HealthGood,
			Summary:       "large increase",
			Proposals:     []contracts.Proposal{proposalFor(seeded, contracts.KindIncreaseBudget, 13000, 0.95)},
		}, nil
	}}
	f := newFixture(t, client, mock)

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	pending := f.queue.Pending(testNow)
	require.Len(t, pending, 1)
	queuedID := pending[0].Proposal.ID

	// A fresh process over the same ledger.
	reg, err := adapter.NewRegistry(mock)
	require.NoError(t, err)
	freshQueue := approval.NewQueue(queueResolver{store: f.store})
	freshCounters := counters.NewTracker(time.UTC).WithClock(testClock())
	guard := contracts.DefaultGuardrails()
	fresh, err := New(Config{}, Deps{
		Registry:   reg,
		Store:      f.store,
		Analyst:    client,
		Approvals:  freshQueue,
		Counters:   freshCounters,
		Guardrails: func() contracts.Guardrails { return guard },
		FX:         func() normalize.FXTable { return normalize.DefaultFXTable() },
		Lease:      NewLocalLease(),
	})
	require.NoError(t, err)
	fresh = fresh.WithClock(testClock())

	require.NoError(t, fresh.Bootstrap(ctx))

	restored := freshQueue.Pending(testNow)
	require.Len(t, restored, 1)
	assert.Equal(t, queuedID, restored[0].Proposal.ID)
	assert.Equal(t, int64(13000), restored[0].Proposal.ToState.DailyBudget)
	assert.Equal(t, testNow.Add(guard.ApprovalTTL), restored[0].ExpiresAt)
}

func TestDailyAdjustmentCapHaltsAutoExecution(t *testing.T) {
	ctx := context.Background()
	mock := adapter.NewMock(contracts.PlatformGoogleAds).WithClock(testClock())
	seeded := seedCampaign(mock, "G-100", 10000, 200*time.Hour)

	client := scripted{fn: func(req analyst.Request) (analyst.Response, error) {
		return analyst.Response{
			OverallHealth: contracts.HealthGood,
			Summary:       "small increase",
			Proposals:     []contracts.Proposal{proposalFor(seeded, contracts.KindIncreaseBudget, 11000, 0.90)},
		}, nil
	}}
	f := newFixture(t, client, mock)
	f.guard.MaxDailyAdjustments = 1
	f.counters.CommitExecution(testNow, seeded.Ref, 500, true)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Executed)
	assert.Equal(t, 1, res.Rejected)

	records, err := f.store.ActionsByCampaign(ctx, seeded.Ref, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, contracts.OutcomeCancelled, records[0].Outcome)
	assert.Equal(t, contracts.JustDailyAdjustmentCap, records[0].Decision.Justification)
}
