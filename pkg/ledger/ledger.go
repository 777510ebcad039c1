// Package ledger is the append-only, time-indexed history of every
// consequential event in the system. Entries are hash-chained to their
// predecessor; the store additionally enforces "one ActionRecord per
// Proposal" at insert time, which is what makes tick replay a no-op.
//
// The ledger is the source of truth for "what did the system do, and why,
// at time T". It never deletes rows; retention is an external concern.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

var (
	// ErrDuplicateProposal is returned when a second ActionRecord is
	// inserted for the same proposal.
	ErrDuplicateProposal = errors.New("action record already exists for proposal")
	// ErrNotFound is returned for missing records.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved is returned when resolving a terminal record.
	ErrAlreadyResolved = errors.New("action record already resolved")
)

// Entry types for the event log.
const (
	EntryProposalGated    = "PROPOSAL_GATED"
	EntryActionExecuted   = "ACTION_EXECUTED"
	EntryTickCompleted    = "TICK_COMPLETED"
	EntryTickFailed       = "TICK_FAILED"
	EntryTickSkipped      = "TICK_SKIPPED"
	EntryPlatformExcluded = "PLATFORM_EXCLUDED"
	EntryApprovalResolved = "APPROVAL_RESOLVED"
	EntryConfigChange     = "CONFIG_CHANGE"
	EntryCounterReset     = "COUNTER_RESET"
	EntryAlert            = "ALERT"
	EntryCritical         = "CRITICAL"
)

// Entry is an immutable, hash-chained event.
type Entry struct {
	Sequence    uint64                 `json:"sequence"`
	EntryType   string                 `json:"entry_type"`
	Campaign    *contracts.CampaignRef `json:"campaign,omitempty"`
	ContentHash string                 `json:"content_hash"`
	PrevHash    string                 `json:"prev_hash"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]any         `json:"data"`
}

// Resolution finalises an action record's fate.
type Resolution struct {
	Outcome    contracts.ActionOutcome
	ExecutedAt *time.Time
	AfterState *contracts.BudgetState
	Error      string
}

// Store is the durable interface for the ledger and its projections.
// Writes are monotonic in insertion time. Range scans by (campaign, time)
// and (outcome, time) are indexed.
type Store interface {
	// AppendEntry adds an event to the hash chain.
	AppendEntry(ctx context.Context, entryType string, campaign *contracts.CampaignRef, data map[string]any) (Entry, error)

	// EntriesSince returns events at or after since, in insertion order.
	EntriesSince(ctx context.Context, since time.Time) ([]Entry, error)

	// InsertAction records a proposal's gate outcome. Returns
	// ErrDuplicateProposal if a record for the proposal already exists.
	InsertAction(ctx context.Context, rec contracts.ActionRecord) error

	// ResolveAction finalises the record for a proposal. Returns
	// ErrAlreadyResolved if it is already terminal.
	ResolveAction(ctx context.Context, proposalID string, res Resolution) error

	// Action returns the record for a proposal.
	Action(ctx context.Context, proposalID string) (contracts.ActionRecord, error)

	// ActionsSince returns records created at or after since.
	ActionsSince(ctx context.Context, since time.Time) ([]contracts.ActionRecord, error)

	// ActionsByCampaign range-scans records for one campaign.
	ActionsByCampaign(ctx context.Context, ref contracts.CampaignRef, since time.Time) ([]contracts.ActionRecord, error)

	// ActionsByOutcome range-scans records by outcome.
	ActionsByOutcome(ctx context.Context, outcome contracts.ActionOutcome, since time.Time) ([]contracts.ActionRecord, error)

	// AppendSamples writes normalised metric samples (append-only).
	AppendSamples(ctx context.Context, samples []contracts.MetricSample) error

	// SamplesSince returns samples observed at or after since.
	SamplesSince(ctx context.Context, since time.Time) ([]contracts.MetricSample, error)

	// UpsertCampaign records confirmed platform state for a campaign.
	UpsertCampaign(ctx context.Context, c contracts.Campaign) error

	// Campaigns returns the current confirmed state of all campaigns.
	Campaigns(ctx context.Context) ([]contracts.Campaign, error)
}
