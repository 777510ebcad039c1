package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// Memory is the in-memory Store used in mock mode and tests.
// Thread-safe; the hash chain is verifiable with Verify.
type Memory struct {
	mu        sync.RWMutex
	entries   []Entry
	headHash  string
	actions   map[string]*contracts.ActionRecord // by proposal ID
	order     []string                           // proposal IDs in insert order
	samples   []contracts.MetricSample
	campaigns map[string]contracts.Campaign
	clock     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		headHash:  "genesis",
		actions:   make(map[string]*contracts.ActionRecord),
		campaigns: make(map[string]contracts.Campaign),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func entryContentHash(seq uint64, entryType string, data map[string]any, prevHash string) (string, error) {
	hashInput := struct {
		Seq  uint64         `json:"seq"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
		Prev string         `json:"prev"`
	}{seq, entryType, data, prevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

func (m *Memory) AppendEntry(ctx context.Context, entryType string, campaign *contracts.CampaignRef, data map[string]any) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := uint64(len(m.entries)) + 1
	contentHash, err := entryContentHash(seq, entryType, data, m.headHash)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Sequence:    seq,
		EntryType:   entryType,
		Campaign:    campaign,
		ContentHash: contentHash,
		PrevHash:    m.headHash,
		Timestamp:   m.clock().UTC(),
		Data:        data,
	}
	m.entries = append(m.entries, entry)
	m.headHash = contentHash
	return entry, nil
}

func (m *Memory) EntriesSince(ctx context.Context, since time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify checks the integrity of the entire chain.
func (m *Memory) Verify() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prev := "genesis"
	for i, e := range m.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d", i+1)
		}
		computed, err := entryContentHash(e.Sequence, e.EntryType, e.Data, e.PrevHash)
		if err != nil || computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return true, "chain verified"
}

func (m *Memory) InsertAction(ctx context.Context, rec contracts.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actions[rec.ProposalID]; exists {
		return fmt.Errorf("proposal %s: %w", rec.ProposalID, ErrDuplicateProposal)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clock().UTC()
	}
	cp := rec
	m.actions[rec.ProposalID] = &cp
	m.order = append(m.order, rec.ProposalID)
	return nil
}

func (m *Memory) ResolveAction(ctx context.Context, proposalID string, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.actions[proposalID]
	if !ok {
		return fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	if rec.Outcome.Terminal() {
		return fmt.Errorf("proposal %s (outcome %s): %w", proposalID, rec.Outcome, ErrAlreadyResolved)
	}
	rec.Outcome = res.Outcome
	rec.ExecutedAt = res.ExecutedAt
	rec.AfterState = res.AfterState
	rec.Error = res.Error
	return nil
}

func (m *Memory) Action(ctx context.Context, proposalID string) (contracts.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.actions[proposalID]
	if !ok {
		return contracts.ActionRecord{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	return *rec, nil
}

func (m *Memory) ActionsSince(ctx context.Context, since time.Time) ([]contracts.ActionRecord, error) {
	return m.filterActions(func(r *contracts.ActionRecord) bool {
		return !r.CreatedAt.Before(since)
	}), nil
}

func (m *Memory) ActionsByCampaign(ctx context.Context, ref contracts.CampaignRef, since time.Time) ([]contracts.ActionRecord, error) {
	return m.filterActions(func(r *contracts.ActionRecord) bool {
		return r.Campaign == ref && !r.CreatedAt.Before(since)
	}), nil
}

func (m *Memory) ActionsByOutcome(ctx context.Context, outcome contracts.ActionOutcome, since time.Time) ([]contracts.ActionRecord, error) {
	return m.filterActions(func(r *contracts.ActionRecord) bool {
		return r.Outcome == outcome && !r.CreatedAt.Before(since)
	}), nil
}

func (m *Memory) filterActions(keep func(*contracts.ActionRecord) bool) []contracts.ActionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ActionRecord, 0)
	for _, id := range m.order {
		if rec := m.actions[id]; keep(rec) {
			out = append(out, *rec)
		}
	}
	return out
}

func (m *Memory) AppendSamples(ctx context.Context, samples []contracts.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *Memory) SamplesSince(ctx context.Context, since time.Time) ([]contracts.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.MetricSample, 0)
	for _, s := range m.samples {
		if !s.SampleTime.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) UpsertCampaign(ctx context.Context, c contracts.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.Ref.String()] = c
	return nil
}

func (m *Memory) Campaigns(ctx context.Context) ([]contracts.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
