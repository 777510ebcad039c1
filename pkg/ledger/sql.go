package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// SQLStore implements Store using database/sql. It works against both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); the schema and
// placeholders are restricted to the dialect intersection.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time

	mu       sync.Mutex // guards the chain head across appends
	headHash string
	headSeq  uint64
}

// NewSQLStore wraps an open database handle. Call Init before use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now, headHash: "genesis"}
}

// WithClock overrides the clock for deterministic tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence BIGINT PRIMARY KEY,
	entry_type TEXT NOT NULL,
	campaign_platform TEXT,
	campaign_external_id TEXT,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_ts ON ledger_entries (ts);

CREATE TABLE IF NOT EXISTS action_records (
	id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL UNIQUE,
	platform TEXT NOT NULL,
	external_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	decision TEXT NOT NULL,
	before_state TEXT NOT NULL,
	after_state TEXT,
	outcome TEXT NOT NULL,
	executed_at TIMESTAMP,
	error TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_campaign_time ON action_records (platform, external_id, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_outcome_time ON action_records (outcome, created_at);

CREATE TABLE IF NOT EXISTS metric_samples (
	sample_time TIMESTAMP NOT NULL,
	platform TEXT NOT NULL,
	external_id TEXT NOT NULL,
	impressions BIGINT NOT NULL,
	clicks BIGINT NOT NULL,
	spend BIGINT NOT NULL,
	conversions BIGINT NOT NULL,
	revenue BIGINT NOT NULL,
	newly_seen BIGINT NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	PRIMARY KEY (sample_time, platform, external_id)
);

CREATE TABLE IF NOT EXISTS campaigns (
	platform TEXT NOT NULL,
	external_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	daily_budget BIGINT NOT NULL,
	objective TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	mock_data BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (platform, external_id)
);
`

// Init creates the schema and loads the chain head.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, content_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	err := row.Scan(&seq, &head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.headSeq, s.headHash = 0, "genesis"
	case err != nil:
		return fmt.Errorf("load chain head: %w", err)
	default:
		s.headSeq, s.headHash = seq, head
	}
	return nil
}

func (s *SQLStore) AppendEntry(ctx context.Context, entryType string, campaign *contracts.CampaignRef, data map[string]any) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.headSeq + 1
	contentHash, err := entryContentHash(seq, entryType, data, s.headHash)
	if err != nil {
		return Entry{}, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry data: %w", err)
	}

	entry := Entry{
		Sequence:    seq,
		EntryType:   entryType,
		Campaign:    campaign,
		ContentHash: contentHash,
		PrevHash:    s.headHash,
		Timestamp:   s.clock().UTC(),
		Data:        data,
	}

	var platform, externalID any
	if campaign != nil {
		platform, externalID = string(campaign.Platform), campaign.ExternalID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (sequence, entry_type, campaign_platform, campaign_external_id, content_hash, prev_hash, ts, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Sequence, entry.EntryType, platform, externalID,
		entry.ContentHash, entry.PrevHash, entry.Timestamp, string(raw))
	if err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}

	s.headSeq = seq
	s.headHash = contentHash
	return entry, nil
}

func (s *SQLStore) EntriesSince(ctx context.Context, since time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, entry_type, campaign_platform, campaign_external_id, content_hash, prev_hash, ts, data
		FROM ledger_entries WHERE ts >= $1 ORDER BY sequence`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var platform, externalID sql.NullString
		var raw string
		if err := rows.Scan(&e.Sequence, &e.EntryType, &platform, &externalID,
			&e.ContentHash, &e.PrevHash, &e.Timestamp, &raw); err != nil {
			return nil, err
		}
		if platform.Valid {
			e.Campaign = &contracts.CampaignRef{
				Platform:   contracts.PlatformID(platform.String),
				ExternalID: externalID.String,
			}
		}
		if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", e.Sequence, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertAction(ctx context.Context, rec contracts.ActionRecord) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM action_records WHERE proposal_id = $1`, rec.ProposalID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("proposal %s: %w", rec.ProposalID, ErrDuplicateProposal)
	}

	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return err
	}
	before, err := json.Marshal(rec.BeforeState)
	if err != nil {
		return err
	}
	var after any
	if rec.AfterState != nil {
		raw, err := json.Marshal(rec.AfterState)
		if err != nil {
			return err
		}
		after = string(raw)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_records (id, proposal_id, platform, external_id, kind, decision, before_state, after_state, outcome, executed_at, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.ProposalID, string(rec.Campaign.Platform), rec.Campaign.ExternalID,
		string(rec.Kind), string(decision), string(before), after,
		string(rec.Outcome), rec.ExecutedAt, nullIfEmpty(rec.Error), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *SQLStore) ResolveAction(ctx context.Context, proposalID string, res Resolution) error {
	var after any
	if res.AfterState != nil {
		raw, err := json.Marshal(res.AfterState)
		if err != nil {
			return err
		}
		after = string(raw)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE action_records SET outcome = $1, executed_at = $2, after_state = $3, error = $4
		WHERE proposal_id = $5 AND outcome = $6`,
		string(res.Outcome), res.ExecutedAt, after, nullIfEmpty(res.Error),
		proposalID, string(contracts.OutcomePending))
	if err != nil {
		return fmt.Errorf("resolve action: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.Action(ctx, proposalID); err != nil {
			return err
		}
		return fmt.Errorf("proposal %s: %w", proposalID, ErrAlreadyResolved)
	}
	return nil
}

const actionColumns = `id, proposal_id, platform, external_id, kind, decision, before_state, after_state, outcome, executed_at, error, created_at`

func (s *SQLStore) Action(ctx context.Context, proposalID string) (contracts.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM action_records WHERE proposal_id = $1`, proposalID)
	rec, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ActionRecord{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	return rec, err
}

func (s *SQLStore) ActionsSince(ctx context.Context, since time.Time) ([]contracts.ActionRecord, error) {
	return s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM action_records WHERE created_at >= $1 ORDER BY created_at`, since)
}

func (s *SQLStore) ActionsByCampaign(ctx context.Context, ref contracts.CampaignRef, since time.Time) ([]contracts.ActionRecord, error) {
	return s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM action_records WHERE platform = $1 AND external_id = $2 AND created_at >= $3 ORDER BY created_at`,
		string(ref.Platform), ref.ExternalID, since)
}

func (s *SQLStore) ActionsByOutcome(ctx context.Context, outcome contracts.ActionOutcome, since time.Time) ([]contracts.ActionRecord, error) {
	return s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM action_records WHERE outcome = $1 AND created_at >= $2 ORDER BY created_at`,
		string(outcome), since)
}

func (s *SQLStore) queryActions(ctx context.Context, query string, args ...any) ([]contracts.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.ActionRecord, 0)
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (contracts.ActionRecord, error) {
	var rec contracts.ActionRecord
	var platform, externalID, kind, decision, before, outcome string
	var after, errMsg sql.NullString
	var executedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.ProposalID, &platform, &externalID, &kind,
		&decision, &before, &after, &outcome, &executedAt, &errMsg, &rec.CreatedAt)
	if err != nil {
		return contracts.ActionRecord{}, err
	}

	rec.Campaign = contracts.CampaignRef{Platform: contracts.PlatformID(platform), ExternalID: externalID}
	rec.Kind = contracts.ProposalKind(kind)
	rec.Outcome = contracts.ActionOutcome(outcome)
	if err := json.Unmarshal([]byte(decision), &rec.Decision); err != nil {
		return contracts.ActionRecord{}, fmt.Errorf("decode decision: %w", err)
	}
	if err := json.Unmarshal([]byte(before), &rec.BeforeState); err != nil {
		return contracts.ActionRecord{}, fmt.Errorf("decode before_state: %w", err)
	}
	if after.Valid {
		var st contracts.BudgetState
		if err := json.Unmarshal([]byte(after.String), &st); err != nil {
			return contracts.ActionRecord{}, fmt.Errorf("decode after_state: %w", err)
		}
		rec.AfterState = &st
	}
	if executedAt.Valid {
		t := executedAt.Time
		rec.ExecutedAt = &t
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return rec, nil
}

func (s *SQLStore) AppendSamples(ctx context.Context, samples []contracts.MetricSample) error {
	for _, sm := range samples {
		newlySeen := int64(0)
		if sm.NewlySeen {
			newlySeen = 1
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO metric_samples (sample_time, platform, external_id, impressions, clicks, spend, conversions, revenue, newly_seen, last_seen_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sm.SampleTime, string(sm.Campaign.Platform), sm.Campaign.ExternalID,
			sm.Impressions, sm.Clicks, sm.Spend, sm.Conversions, sm.Revenue,
			newlySeen, sm.LastSeenAt)
		if err != nil {
			return fmt.Errorf("append sample for %s: %w", sm.Campaign, err)
		}
	}
	return nil
}

func (s *SQLStore) SamplesSince(ctx context.Context, since time.Time) ([]contracts.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sample_time, platform, external_id, impressions, clicks, spend, conversions, revenue, newly_seen, last_seen_at
		FROM metric_samples WHERE sample_time >= $1 ORDER BY sample_time`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.MetricSample, 0)
	for rows.Next() {
		var sm contracts.MetricSample
		var platform, externalID string
		var newlySeen int64
		if err := rows.Scan(&sm.SampleTime, &platform, &externalID,
			&sm.Impressions, &sm.Clicks, &sm.Spend, &sm.Conversions, &sm.Revenue,
			&newlySeen, &sm.LastSeenAt); err != nil {
			return nil, err
		}
		sm.Campaign = contracts.CampaignRef{Platform: contracts.PlatformID(platform), ExternalID: externalID}
		sm.NewlySeen = newlySeen != 0
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertCampaign(ctx context.Context, c contracts.Campaign) error {
	mock := int64(0)
	if c.MockData {
		mock = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (platform, external_id, name, status, daily_budget, objective, created_at, updated_at, mock_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (platform, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			daily_budget = EXCLUDED.daily_budget,
			objective = EXCLUDED.objective,
			updated_at = EXCLUDED.updated_at,
			mock_data = EXCLUDED.mock_data`,
		string(c.Ref.Platform), c.Ref.ExternalID, c.Name, string(c.Status),
		c.DailyBudget, c.Objective, c.CreatedAt, c.UpdatedAt, mock)
	if err != nil {
		return fmt.Errorf("upsert campaign %s: %w", c.Ref, err)
	}
	return nil
}

func (s *SQLStore) Campaigns(ctx context.Context) ([]contracts.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, external_id, name, status, daily_budget, objective, created_at, updated_at, mock_data
		FROM campaigns ORDER BY platform, external_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.Campaign, 0)
	for rows.Next() {
		var c contracts.Campaign
		var platform, status string
		var objective sql.NullString
		var mock int64
		if err := rows.Scan(&platform, &c.Ref.ExternalID, &c.Name, &status,
			&c.DailyBudget, &objective, &c.CreatedAt, &c.UpdatedAt, &mock); err != nil {
			return nil, err
		}
		c.Ref.Platform = contracts.PlatformID(platform)
		c.Status = contracts.CampaignStatus(status)
		c.Objective = objective.String
		c.MockData = mock != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLStore)(nil)
