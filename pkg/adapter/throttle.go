package adapter

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// TokenSource is the refresh-token state machine an adapter wrapper drives
// on AUTH_EXPIRED. Implementations are platform-specific.
type TokenSource interface {
	// Refresh obtains fresh credentials. Called at most once in flight;
	// concurrent callers wait on the same result.
	Refresh(ctx context.Context) error
}

// Throttled wraps an Adapter with the cross-cutting platform policies:
// a token-bucket rate limit, a single-flight auth refresh on AUTH_EXPIRED,
// and bounded deterministic backoff for TRANSIENT errors. RATE_LIMITED is
// surfaced to the caller with its retry-after hint so the engine can back
// off without tight-looping.
type Throttled struct {
	inner   Adapter
	limiter *rate.Limiter
	tokens  TokenSource
	refresh singleflight.Group
	backoff BackoffPolicy
	sleep   func(ctx context.Context, d time.Duration) error
}

// Throttle wraps inner with a bucket of ratePerSec/burst. tokens may be nil
// for adapters without an auth lifetime (mock mode).
func Throttle(inner Adapter, ratePerSec float64, burst int, tokens TokenSource) *Throttled {
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		tokens:  tokens,
		backoff: DefaultBackoff(),
		sleep:   sleepCtx,
	}
}

// WithBackoff overrides the transient retry policy.
func (t *Throttled) WithBackoff(p BackoffPolicy) *Throttled {
	t.backoff = p
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call runs fn under the bucket with the adapter-internal recovery ladder.
func call[T any](ctx context.Context, t *Throttled, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := t.limiter.Wait(ctx); err != nil {
		return zero, err
	}

	refreshed := false
	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		switch contracts.KindOf(err) {
		case contracts.ErrAuthExpired:
			if t.tokens == nil || refreshed {
				return zero, err
			}
			// Single-flight: concurrent callers share one refresh.
			if _, rerr, _ := t.refresh.Do("refresh", func() (any, error) {
				return nil, t.tokens.Refresh(ctx)
			}); rerr != nil {
				return zero, err
			}
			refreshed = true
			continue
		case contracts.ErrTransient:
			if attempt+1 >= t.backoff.MaxAttempts {
				return zero, err
			}
			if serr := t.sleep(ctx, ComputeBackoff(key, attempt, t.backoff)); serr != nil {
				return zero, serr
			}
			continue
		default:
			// RATE_LIMITED and everything else bubbles to the engine.
			return zero, err
		}
	}
}

func (t *Throttled) Platform() contracts.PlatformID { return t.inner.Platform() }

func (t *Throttled) ListCampaigns(ctx context.Context, since *time.Time) ([]contracts.Campaign, error) {
	return call(ctx, t, "list_campaigns", func(ctx context.Context) ([]contracts.Campaign, error) {
		return t.inner.ListCampaigns(ctx, since)
	})
}

func (t *Throttled) GetPerformance(ctx context.Context, r DateRange, ids []string) ([]contracts.RawSample, error) {
	return call(ctx, t, "get_performance", func(ctx context.Context) ([]contracts.RawSample, error) {
		return t.inner.GetPerformance(ctx, r, ids)
	})
}

func (t *Throttled) UpdateBudget(ctx context.Context, id string, newDailyBudget int64, idemKey string) (contracts.Campaign, error) {
	return call(ctx, t, "update_budget:"+idemKey, func(ctx context.Context) (contracts.Campaign, error) {
		return t.inner.UpdateBudget(ctx, id, newDailyBudget, idemKey)
	})
}

func (t *Throttled) SetStatus(ctx context.Context, id string, status contracts.CampaignStatus, idemKey string) (contracts.Campaign, error) {
	return call(ctx, t, "set_status:"+idemKey, func(ctx context.Context) (contracts.Campaign, error) {
		return t.inner.SetStatus(ctx, id, status, idemKey)
	})
}

func (t *Throttled) Health(ctx context.Context) HealthStatus {
	return t.inner.Health(ctx)
}
