package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db).WithClock(testClock()), mock
}

func TestSQLAppendEntryAdvancesChain(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e1, err := store.AppendEntry(ctx, EntryTickCompleted, nil, map[string]any{"tick_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, "genesis", e1.PrevHash)

	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e2, err := store.AppendEntry(ctx, EntryTickCompleted, nil, map[string]any{"tick_id": "t2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, e1.ContentHash, e2.PrevHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLInsertActionDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COUNT\(1\) FROM action_records WHERE proposal_id`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := store.InsertAction(ctx, sampleRecord("p1"))
	assert.ErrorIs(t, err, ErrDuplicateProposal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLInsertActionWritesRow(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COUNT\(1\) FROM action_records WHERE proposal_id`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO action_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.InsertAction(ctx, sampleRecord("p1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLResolveActionAlreadyResolved(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	// The guarded UPDATE touches nothing, and the follow-up read shows a
	// terminal record.
	mock.ExpectExec(`UPDATE action_records SET outcome`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := sampleRecord("p1")
	decision := `{"outcome":"AUTO_EXECUTE","rule":"R6","justification":"WITHIN_LIMITS","decided_at":"2025-06-10T12:00:00Z"}`
	before := `{"status":"ENABLED","daily_budget":10000}`
	mock.ExpectQuery(`SELECT .* FROM action_records WHERE proposal_id`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "proposal_id", "platform", "external_id", "kind", "decision",
			"before_state", "after_state", "outcome", "executed_at", "error", "created_at",
		}).AddRow(rec.ID, rec.ProposalID, string(rec.Campaign.Platform), rec.Campaign.ExternalID,
			string(rec.Kind), decision, before, nil, string(contracts.OutcomeSuccess), nil, nil, rec.CreatedAt))

	err := store.ResolveAction(ctx, "p1", Resolution{Outcome: contracts.OutcomeFailed})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLResolveActionMissing(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE action_records SET outcome`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM action_records WHERE proposal_id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "proposal_id", "platform", "external_id", "kind", "decision",
			"before_state", "after_state", "outcome", "executed_at", "error", "created_at",
		}))

	err := store.ResolveAction(ctx, "missing", Resolution{Outcome: contracts.OutcomeFailed})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLActionRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	rec := sampleRecord("p1")
	decision := `{"outcome":"AUTO_EXECUTE","rule":"R6","justification":"WITHIN_LIMITS","decided_at":"2025-06-10T12:00:00Z"}`
	before := `{"status":"ENABLED","daily_budget":10000}`
	after := `{"status":"ENABLED","daily_budget":8000}`
	executedAt := testNow.Add(time.Second)

	mock.ExpectQuery(`SELECT .* FROM action_records WHERE proposal_id`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "proposal_id", "platform", "external_id", "kind", "decision",
			"before_state", "after_state", "outcome", "executed_at", "error", "created_at",
		}).AddRow(rec.ID, rec.ProposalID, string(rec.Campaign.Platform), rec.Campaign.ExternalID,
			string(rec.Kind), decision, before, after, string(contracts.OutcomeSuccess), executedAt, nil, rec.CreatedAt))

	got, err := store.Action(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, got.Outcome)
	assert.Equal(t, "R6", got.Decision.Rule)
	assert.Equal(t, int64(10000), got.BeforeState.DailyBudget)
	require.NotNil(t, got.AfterState)
	assert.Equal(t, int64(8000), got.AfterState.DailyBudget)
	require.NotNil(t, got.ExecutedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
