package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func testClock() func() time.Time {
	t := testNow
	return func() time.Time { return t }
}

func sampleRecord(proposalID string) contracts.ActionRecord {
	return contracts.ActionRecord{
		ID:         "rec-" + proposalID,
		ProposalID: proposalID,
		Campaign:   contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"},
		Kind:       contracts.KindDecreaseBudget,
		Decision: contracts.Decision{
			Outcome:       contracts.DecisionAutoExecute,
			Rule:          "R6",
			Justification: contracts.JustWithinLimits,
			DecidedAt:     testNow,
		},
		BeforeState: contracts.BudgetState{Status: contracts.StatusEnabled, DailyBudget: 10000},
		Outcome:     contracts.OutcomePending,
		CreatedAt:   testNow,
	}
}

func TestMemoryChainVerifies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory().WithClock(testClock())

	ref := contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"}
	e1, err := m.AppendEntry(ctx, EntryTickCompleted, nil, map[string]any{"tick_id": "t1"})
	require.NoError(t, err)
	e2, err := m.AppendEntry(ctx, EntryProposalGated, &ref, map[string]any{"proposal_id": "p1"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, "genesis", e1.PrevHash)
	assert.Equal(t, e1.ContentHash, e2.PrevHash)

	ok, detail := m.Verify()
	assert.True(t, ok, detail)
}

func TestMemoryVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory().WithClock(testClock())
	_, err := m.AppendEntry(ctx, EntryTickCompleted, nil, map[string]any{"tick_id": "t1"})
	require.NoError(t, err)
	_, err = m.AppendEntry(ctx, EntryTickCompleted, nil, map[string]any{"tick_id": "t2"})
	require.NoError(t, err)

	m.entries[0].Data["tick_id"] = "forged"
	ok, _ := m.Verify()
	assert.False(t, ok)
}

func TestMemoryDuplicateProposalRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory().WithClock(testClock())

	require.NoError(t, m.InsertAction(ctx, sampleRecord("p1")))
	err := m.InsertAction(ctx, sampleRecord("p1"))
	assert.ErrorIs(t, err, ErrDuplicateProposal)
}

func TestMemoryResolveTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory().WithClock(testClock())
	require.NoError(t, m.InsertAction(ctx, sampleRecord("p1")))

	executedAt := testNow.Add(time.Second)
	after := contracts.BudgetState{Status: contracts.StatusEnabled, DailyBudget: 8000}
	require.NoError(t, m.ResolveAction(ctx, "p1", Resolution{
		Outcome:    contracts.OutcomeSuccess,
		ExecutedAt: &executedAt,
		AfterState: &after,
	}))

	rec, err := m.Action(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, rec.Outcome)
	require.NotNil(t, rec.AfterState)
	assert.Equal(t, int64(8000), rec.AfterState.DailyBudget)

	// Terminal records stay terminal.
	err = m.ResolveAction(ctx, "p1", Resolution{Outcome: contracts.OutcomeFailed})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	err = m.ResolveAction(ctx, "missing", Resolution{Outcome: contracts.OutcomeFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryActionQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory().WithClock(testClock())

	r1 := sampleRecord("p1")
	r2 := sampleRecord("p2")
	r2.Campaign = contracts.CampaignRef{Platform: contracts.PlatformMetaAds, ExternalID: "M-001"}
	r2.CreatedAt = testNow.Add(time.Hour)
	require.NoError(t, m.InsertAction(ctx, r1))
	require.NoError(t, m.InsertAction(ctx, r2))

	all, err := m.ActionsSince(ctx, testNow)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	later, err := m.ActionsSince(ctx, testNow.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "p2", later[0].ProposalID)

	byCampaign, err := m.ActionsByCampaign(ctx, r1.Campaign, testNow)
	require.NoError(t, err)
	require.Len(t, byCampaign, 1)
	assert.Equal(t, "p1", byCampaign[0].ProposalID)

	pending, err := m.ActionsByOutcome(ctx, contracts.OutcomePending, testNow)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestMemoryCampaignUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	c := contracts.Campaign{
		Ref:         contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"},
		Name:        "search brand",
		Status:      contracts.StatusEnabled,
		DailyBudget: 10000,
	}
	require.NoError(t, m.UpsertCampaign(ctx, c))

	c.DailyBudget = 13000
	require.NoError(t, m.UpsertCampaign(ctx, c))

	all, err := m.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(13000), all[0].DailyBudget)
}

func TestMemorySamplesSince(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ref := contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"}

	require.NoError(t, m.AppendSamples(ctx, []contracts.MetricSample{
		{Campaign: ref, SampleTime: testNow.Add(-2 * time.Hour), Spend: 100},
		{Campaign: ref, SampleTime: testNow, Spend: 200},
	}))

	recent, err := m.SamplesSince(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(200), recent[0].Spend)
}
