// Package adapter presents every ad platform through one capability set,
// independent of native protocol, units, or auth scheme. Platform protocols
// live behind the Adapter interface; the core only sees canonical types and
// tagged errors.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// DateRange is a half-open [Start, End) reporting window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// HealthStatus is the result of a health probe. Health never returns an
// error; failures are structured.
type HealthStatus struct {
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	MockData  bool      `json:"mock_data,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Adapter is the uniform capability set every platform must implement.
// All failures are *contracts.AdapterError values tagged with a kind from
// the error taxonomy; callers dispatch on the tag.
type Adapter interface {
	// Platform returns the adapter's platform tag.
	Platform() contracts.PlatformID

	// ListCampaigns returns campaigns changed since the watermark (all when
	// nil), in canonical units. Idempotent and read-only.
	ListCampaigns(ctx context.Context, since *time.Time) ([]contracts.Campaign, error)

	// GetPerformance returns raw samples aggregated per campaign over the
	// range, optionally filtered by external IDs. Monotone in range.
	GetPerformance(ctx context.Context, r DateRange, ids []string) ([]contracts.RawSample, error)

	// UpdateBudget sets a campaign's daily budget (canonical minor units).
	// On success the platform has confirmed the change; the returned
	// campaign is the confirmed state. idemKey deduplicates retried writes.
	UpdateBudget(ctx context.Context, id string, newDailyBudget int64, idemKey string) (contracts.Campaign, error)

	// SetStatus transitions a campaign between ENABLED and PAUSED.
	SetStatus(ctx context.Context, id string, status contracts.CampaignStatus, idemKey string) (contracts.Campaign, error)

	// Health probes the platform. Never returns an error.
	Health(ctx context.Context) HealthStatus
}

// Registry holds the concrete adapter instances keyed by platform. It is a
// plain value passed explicitly into the engine at construction; there is no
// ambient global.
type Registry struct {
	adapters map[contracts.PlatformID]Adapter
}

// NewRegistry builds a registry from adapters. Duplicate platforms are an
// error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[contracts.PlatformID]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Platform()]; dup {
			return nil, fmt.Errorf("duplicate adapter for platform %s", a.Platform())
		}
		r.adapters[a.Platform()] = a
	}
	return r, nil
}

// Get returns the adapter for a platform.
func (r *Registry) Get(p contracts.PlatformID) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms returns the registered platforms in stable order.
func (r *Registry) Platforms() []contracts.PlatformID {
	out := make([]contracts.PlatformID, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int { return len(r.adapters) }
