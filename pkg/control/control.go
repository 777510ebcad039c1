// Package control is the operator surface: list and resolve pending
// approvals, inspect recent actions, and override guardrails at runtime.
// Every override carries a TTL and is ledgered as a CONFIG_CHANGE; there is
// no way to silently loosen the guardrails.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbo-labs/budgetpilot/pkg/adapter"
	"github.com/mbo-labs/budgetpilot/pkg/approval"
	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/engine"
	"github.com/mbo-labs/budgetpilot/pkg/ledger"
)

// Override is one temporary guardrail change. When it expires the base value
// applies again with no further action.
type Override struct {
	ID        string    `json:"id"`
	Field     string    `json:"field"`
	Value     any       `json:"value"`
	SetBy     string    `json:"set_by"`
	Reason    string    `json:"reason"`
	SetAt     time.Time `json:"set_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Overridable guardrail fields.
const (
	FieldConfidenceThreshold = "confidence_threshold"
	FieldMaxDailyAdjustments = "max_daily_adjustments"
	FieldMajorChangeFraction = "major_change_fraction"
	FieldSingleIncreaseCap   = "max_single_budget_increase_fraction"
	FieldReallocationCap     = "max_budget_reallocation_fraction_per_day"
	FieldAutomationLevel     = "automation_level"
)

// Service wires the operator operations together. Guardrails returns the
// effective configuration and is what the engine reads every tick.
type Service struct {
	store    ledger.Store
	queue    *approval.Queue
	engine   *engine.Engine
	registry *adapter.Registry
	log      *slog.Logger
	clock    func() time.Time

	mu        sync.RWMutex
	base      contracts.Guardrails
	overrides []Override
}

// New creates the control service over base guardrails. The engine is
// attached after construction: the engine reads Guardrails, so it cannot
// exist before the service does.
func New(base contracts.Guardrails, store ledger.Store, queue *approval.Queue, registry *adapter.Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		queue:    queue,
		registry: registry,
		log:      log.With("component", "control"),
		clock:    time.Now,
		base:     base,
	}
}

// AttachEngine completes wiring once the engine exists.
func (s *Service) AttachEngine(eng *engine.Engine) {
	s.engine = eng
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Guardrails returns the base configuration with all unexpired overrides
// applied, in the order they were set.
func (s *Service) Guardrails() contracts.Guardrails {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock().UTC()
	g := s.base
	for _, o := range s.overrides {
		if now.Before(o.ExpiresAt) {
			applyOverride(&g, o)
		}
	}
	return g
}

func applyOverride(g *contracts.Guardrails, o Override) {
	switch o.Field {
	case FieldConfidenceThreshold:
		if v, ok := asFloat(o.Value); ok {
			g.ConfidenceThreshold = v
		}
	case FieldMaxDailyAdjustments:
		if v, ok := asFloat(o.Value); ok {
			g.MaxDailyAdjustments = int(v)
		}
	case FieldMajorChangeFraction:
		if v, ok := asFloat(o.Value); ok {
			g.MajorChangeFraction = v
		}
	case FieldSingleIncreaseCap:
		if v, ok := asFloat(o.Value); ok {
			g.MaxSingleBudgetIncreaseFraction = v
		}
	case FieldReallocationCap:
		if v, ok := asFloat(o.Value); ok {
			g.MaxBudgetReallocationFractionPerDay = v
		}
	case FieldAutomationLevel:
		if v, ok := o.Value.(string); ok {
			g.AutomationLevel = contracts.AutomationLevel(v)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func validOverride(field string, value any) error {
	switch field {
	case FieldConfidenceThreshold, FieldMajorChangeFraction, FieldSingleIncreaseCap, FieldReallocationCap:
		v, ok := asFloat(value)
		if !ok || v < 0 || v > 1 {
			return fmt.Errorf("field %s needs a fraction in [0, 1]", field)
		}
	case FieldMaxDailyAdjustments:
		v, ok := asFloat(value)
		if !ok || v < 0 {
			return fmt.Errorf("field %s needs a non-negative count", field)
		}
	case FieldAutomationLevel:
		v, _ := value.(string)
		switch contracts.AutomationLevel(strings.ToUpper(v)) {
		case contracts.AutomationAdvisory, contracts.AutomationSemi, contracts.AutomationFull:
		default:
			return fmt.Errorf("field %s needs ADVISORY, SEMI, or FULL", field)
		}
	default:
		return fmt.Errorf("unknown guardrail field %q", field)
	}
	return nil
}

// OverrideGuardrail sets a temporary guardrail value for ttl. The change is
// ledgered before it takes effect.
func (s *Service) OverrideGuardrail(ctx context.Context, field string, value any, ttl time.Duration, actor, reason string) (Override, error) {
	if ttl <= 0 {
		return Override{}, fmt.Errorf("override ttl must be positive")
	}
	if field == FieldAutomationLevel {
		if v, ok := value.(string); ok {
			value = strings.ToUpper(v)
		}
	}
	if err := validOverride(field, value); err != nil {
		return Override{}, err
	}

	now := s.clock().UTC()
	o := Override{
		ID:        uuid.NewString(),
		Field:     field,
		Value:     value,
		SetBy:     actor,
		Reason:    reason,
		SetAt:     now,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := s.store.AppendEntry(ctx, ledger.EntryConfigChange, nil, map[string]any{
		"override_id": o.ID,
		"field":       o.Field,
		"value":       o.Value,
		"set_by":      o.SetBy,
		"reason":      o.Reason,
		"expires_at":  o.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return Override{}, fmt.Errorf("ledger config change: %w", err)
	}

	s.mu.Lock()
	s.overrides = append(s.overrides, o)
	s.mu.Unlock()
	s.log.InfoContext(ctx, "guardrail override set",
		"field", field, "value", value, "by", actor, "expires_at", o.ExpiresAt)
	return o, nil
}

// ActiveOverrides returns unexpired overrides in the order set.
func (s *Service) ActiveOverrides() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock().UTC()
	out := make([]Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		if now.Before(o.ExpiresAt) {
			out = append(out, o)
		}
	}
	return out
}

// ListPendingApprovals returns the live approval queue.
func (s *Service) ListPendingApprovals() []approval.Item {
	return s.queue.Pending(s.clock().UTC())
}

// Approve marks a queued proposal approved and immediately drains approved
// items through the engine's serialised slot.
func (s *Service) Approve(ctx context.Context, proposalID, actor string) error {
	now := s.clock().UTC()
	if _, err := s.queue.Approve(ctx, proposalID, actor, now); err != nil {
		return err
	}
	if _, err := s.engine.DrainApprovals(ctx); err != nil {
		return fmt.Errorf("execute approved proposal: %w", err)
	}
	return nil
}

// Reject dismisses a queued proposal.
func (s *Service) Reject(ctx context.Context, proposalID, actor, reason string) error {
	now := s.clock().UTC()
	it, err := s.queue.Reject(ctx, proposalID, actor, reason, now)
	if err != nil {
		return err
	}
	ref := it.Proposal.Campaign
	_, _ = s.store.AppendEntry(ctx, ledger.EntryApprovalResolved, &ref, map[string]any{
		"proposal_id": proposalID,
		"outcome":     string(contracts.OutcomeRejected),
		"rejected_by": actor,
		"reason":      reason,
	})
	return nil
}

// RecentActions returns action records created at or after since.
func (s *Service) RecentActions(ctx context.Context, since time.Time) ([]contracts.ActionRecord, error) {
	return s.store.ActionsSince(ctx, since)
}

// CampaignHistory returns a campaign's action records since a time.
func (s *Service) CampaignHistory(ctx context.Context, ref contracts.CampaignRef, since time.Time) ([]contracts.ActionRecord, error) {
	return s.store.ActionsByCampaign(ctx, ref, since)
}

// PlatformHealth probes every registered adapter.
func (s *Service) PlatformHealth(ctx context.Context) map[contracts.PlatformID]adapter.HealthStatus {
	out := make(map[contracts.PlatformID]adapter.HealthStatus)
	for _, p := range s.registry.Platforms() {
		a, _ := s.registry.Get(p)
		out[p] = a.Health(ctx)
	}
	return out
}
