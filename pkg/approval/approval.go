// Package approval holds proposals waiting for a human. Every queued item
// carries an absolute expiry; nothing is held indefinitely. Expiry is checked
// lazily on access and by a periodic sweep, with the boundary treated as
// already expired.
//
// An approval never executes inline. Approve marks the item and the decision
// engine drains approved items at the start of its next serialised slot, so
// executions from approvals and from ticks can never interleave.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

var (
	// ErrNotQueued is returned for proposal IDs with no live queue item.
	ErrNotQueued = errors.New("approval: proposal not queued")
	// ErrExpired is returned when the item's TTL had already elapsed.
	ErrExpired = errors.New("approval: item expired")
	// ErrAlreadyApproved is returned on a second approval of the same item.
	ErrAlreadyApproved = errors.New("approval: item already approved")
)

// Resolver is the slice of the ledger store the queue needs to finalise
// action records it terminates (expired, rejected, cancelled).
type Resolver interface {
	ResolveAction(ctx context.Context, proposalID string, res Resolution) error
}

// Resolution mirrors ledger.Resolution; re-declared here to keep the queue
// free of a ledger import cycle.
type Resolution struct {
	Outcome    contracts.ActionOutcome
	ExecutedAt *time.Time
	AfterState *contracts.BudgetState
	Error      string
}

// Item is one proposal awaiting (or holding) human approval.
type Item struct {
	Proposal   contracts.Proposal `json:"proposal"`
	Decision   contracts.Decision `json:"decision"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	ApprovedAt *time.Time         `json:"approved_at,omitempty"`
	ApprovedBy string             `json:"approved_by,omitempty"`
}

// Expired reports whether the item's TTL has elapsed. The boundary instant
// counts as expired.
func (it Item) Expired(now time.Time) bool {
	return !now.Before(it.ExpiresAt)
}

// Queue is the in-process approval queue. State is rebuilt from the ledger's
// PENDING approval-required action records on cold start, so the queue itself
// persists nothing.
type Queue struct {
	mu       sync.Mutex
	items    map[string]*Item // by proposal ID
	order    []string
	resolver Resolver
}

// NewQueue creates an empty queue resolving terminal outcomes through r.
func NewQueue(r Resolver) *Queue {
	return &Queue{items: make(map[string]*Item), resolver: r}
}

// Enqueue adds a proposal the gate marked APPROVAL_REQUIRED. The item expires
// ttl after now.
func (q *Queue) Enqueue(p contracts.Proposal, d contracts.Decision, now time.Time, ttl time.Duration) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[p.ID]; exists {
		return Item{}, fmt.Errorf("proposal %s already queued", p.ID)
	}
	it := Item{
		Proposal:   p,
		Decision:   d,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	q.items[p.ID] = &it
	q.order = append(q.order, p.ID)
	return it, nil
}

// Restore re-inserts an item rebuilt from the ledger on cold start,
// preserving its original expiry.
func (q *Queue) Restore(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[it.Proposal.ID]; exists {
		return
	}
	cp := it
	q.items[it.Proposal.ID] = &cp
	q.order = append(q.order, it.Proposal.ID)
}

// Pending lists live, not-yet-approved items in enqueue order. Expired items
// are not listed; they are left for the sweep to finalise.
func (q *Queue) Pending(now time.Time) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.order))
	for _, id := range q.order {
		it, ok := q.items[id]
		if !ok || it.ApprovedAt != nil || it.Expired(now) {
			continue
		}
		out = append(out, *it)
	}
	return out
}

// Approve marks an item approved by actor. If the TTL has elapsed the item is
// finalised as EXPIRED instead and ErrExpired is returned; a late click never
// resurrects an expired item.
func (q *Queue) Approve(ctx context.Context, proposalID, actor string, now time.Time) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[proposalID]
	if !ok {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotQueued)
	}
	if it.ApprovedAt != nil {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("proposal %s: %w", proposalID, ErrAlreadyApproved)
	}
	if it.Expired(now) {
		expired := *it
		q.removeLocked(proposalID)
		q.mu.Unlock()
		if err := q.resolver.ResolveAction(ctx, proposalID, Resolution{
			Outcome: contracts.OutcomeExpired,
			Error:   "approval window elapsed",
		}); err != nil {
			return expired, fmt.Errorf("finalise expired item: %w", err)
		}
		return expired, fmt.Errorf("proposal %s: %w", proposalID, ErrExpired)
	}
	at := now
	it.ApprovedAt = &at
	it.ApprovedBy = actor
	approved := *it
	q.mu.Unlock()
	return approved, nil
}

// Reject removes an item on a human's say-so and finalises its action record
// as REJECTED.
func (q *Queue) Reject(ctx context.Context, proposalID, actor, reason string, now time.Time) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[proposalID]
	if !ok {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotQueued)
	}
	rejected := *it
	q.removeLocked(proposalID)
	q.mu.Unlock()

	msg := "rejected by " + actor
	if reason != "" {
		msg += ": " + reason
	}
	if err := q.resolver.ResolveAction(ctx, proposalID, Resolution{
		Outcome: contracts.OutcomeRejected,
		Error:   msg,
	}); err != nil {
		return rejected, fmt.Errorf("finalise rejected item: %w", err)
	}
	return rejected, nil
}

// Cancel removes an item without human involvement, for example when its
// campaign disappeared from the platform. The action record is finalised as
// CANCELLED with the given reason.
func (q *Queue) Cancel(ctx context.Context, proposalID, reason string) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[proposalID]
	if !ok {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotQueued)
	}
	cancelled := *it
	q.removeLocked(proposalID)
	q.mu.Unlock()

	if err := q.resolver.ResolveAction(ctx, proposalID, Resolution{
		Outcome: contracts.OutcomeCancelled,
		Error:   reason,
	}); err != nil {
		return cancelled, fmt.Errorf("finalise cancelled item: %w", err)
	}
	return cancelled, nil
}

// CancelByCampaign cancels every live item targeting ref. Returns the
// cancelled items for ledgering.
func (q *Queue) CancelByCampaign(ctx context.Context, ref contracts.CampaignRef, reason string) ([]Item, error) {
	q.mu.Lock()
	var ids []string
	for _, id := range q.order {
		if it, ok := q.items[id]; ok && it.Proposal.Campaign == ref {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		it, err := q.Cancel(ctx, id, reason)
		if err != nil {
			return out, err
		}
		out = append(out, it)
	}
	return out, nil
}

// TakeApproved removes and returns all approved, unexpired items in enqueue
// order. Called by the engine at the start of a serialised slot; the caller
// owns execution and record resolution from here.
func (q *Queue) TakeApproved(now time.Time) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0)
	for _, id := range q.order {
		it, ok := q.items[id]
		if !ok || it.ApprovedAt == nil || it.Expired(now) {
			continue
		}
		out = append(out, *it)
		delete(q.items, id)
	}
	q.compactLocked()
	return out
}

// SweepExpired finalises every item whose TTL elapsed as EXPIRED and returns
// them for ledgering.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) ([]Item, error) {
	q.mu.Lock()
	var expired []Item
	for _, id := range q.order {
		if it, ok := q.items[id]; ok && it.Expired(now) {
			expired = append(expired, *it)
			delete(q.items, id)
		}
	}
	q.compactLocked()
	q.mu.Unlock()

	for _, it := range expired {
		if err := q.resolver.ResolveAction(ctx, it.Proposal.ID, Resolution{
			Outcome: contracts.OutcomeExpired,
			Error:   "approval window elapsed",
		}); err != nil {
			return expired, fmt.Errorf("finalise expired item %s: %w", it.Proposal.ID, err)
		}
	}
	return expired, nil
}

// Len reports the number of live items, expired or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) removeLocked(proposalID string) {
	delete(q.items, proposalID)
	q.compactLocked()
}

func (q *Queue) compactLocked() {
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.items[id]; ok {
			kept = append(kept, id)
		}
	}
	q.order = kept
}
