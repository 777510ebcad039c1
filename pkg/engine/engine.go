// Package engine runs the decision loop: poll adapters, normalise metrics,
// ask the analyst, gate every proposal, execute what the gate allows, and
// ledger all of it. Ticks are serialised by a lease; approvals execute in the
// same serialised slot, so two budget writes can never interleave.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbo-labs/budgetpilot/pkg/adapter"
	"github.com/mbo-labs/budgetpilot/pkg/analyst"
	"github.com/mbo-labs/budgetpilot/pkg/approval"
	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/counters"
	"github.com/mbo-labs/budgetpilot/pkg/gate"
	"github.com/mbo-labs/budgetpilot/pkg/ledger"
	"github.com/mbo-labs/budgetpilot/pkg/normalize"
	"github.com/mbo-labs/budgetpilot/pkg/observability"
)

// Config tunes the decision loop.
type Config struct {
	TickInterval        time.Duration // tick cadence, aligned to wall-clock boundaries
	DeadlineFraction    float64       // fraction of the interval one tick may consume
	Lookback            time.Duration // performance window shown to the analyst
	PlatformConcurrency int           // max platforms polled in parallel
	AnalystTimeout      time.Duration // deadline for one analysis call
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        15 * time.Minute,
		DeadlineFraction:    0.8,
		Lookback:            24 * time.Hour,
		PlatformConcurrency: 4,
		AnalystTimeout:      60 * time.Second,
	}
}

// Deps are the engine's collaborators. All fields are required except
// Observability.
type Deps struct {
	Registry      *adapter.Registry
	Store         ledger.Store
	Analyst       analyst.Client
	Approvals     *approval.Queue
	Counters      *counters.Tracker
	Guardrails    func() contracts.Guardrails // effective guardrails at call time
	FX            func() normalize.FXTable
	Lease         Lease
	Observability *observability.Provider
	Logger        *slog.Logger
}

// Engine is the optimizer's single writer. Construct once, then Run.
type Engine struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	clock func() time.Time

	slot sync.Mutex // serialises ticks and approval drains in-process
	seen map[string]time.Time
}

// New validates deps and builds the engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Analyst == nil ||
		deps.Approvals == nil || deps.Counters == nil || deps.Guardrails == nil ||
		deps.FX == nil || deps.Lease == nil {
		return nil, errors.New("engine: missing required dependency")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.DeadlineFraction <= 0 || cfg.DeadlineFraction > 1 {
		cfg.DeadlineFraction = DefaultConfig().DeadlineFraction
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultConfig().Lookback
	}
	if cfg.PlatformConcurrency <= 0 {
		cfg.PlatformConcurrency = DefaultConfig().PlatformConcurrency
	}
	if cfg.AnalystTimeout <= 0 {
		cfg.AnalystTimeout = DefaultConfig().AnalystTimeout
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		log:   log.With("component", "engine"),
		clock: time.Now,
		seen:  make(map[string]time.Time),
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// TickResult summarises one tick for callers and tests. The ledger carries
// the authoritative record.
type TickResult struct {
	TickID            string
	StartedAt         time.Time
	Duration          time.Duration
	Skipped           bool
	PlatformsPolled   []contracts.PlatformID
	PlatformsExcluded []contracts.PlatformID
	Samples           int
	Proposals         int
	Executed          int
	Queued            int
	Rejected          int
	Replayed          int
	Health            contracts.OverallHealth
}

// Run ticks on wall-clock boundaries of the configured interval until ctx is
// cancelled. Tick errors are logged and ledgered, never fatal to the loop.
func (e *Engine) Run(ctx context.Context) error {
	for {
		now := e.clock()
		next := now.Truncate(e.cfg.TickInterval).Add(e.cfg.TickInterval)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := e.Tick(ctx); err != nil {
			e.log.ErrorContext(ctx, "tick failed", "error", err)
		}
	}
}

// Bootstrap rebuilds derived state from the ledger on cold start: the daily
// counters and the approval queue's live items.
func (e *Engine) Bootstrap(ctx context.Context) error {
	now := e.clock().UTC()
	if err := e.deps.Counters.Rebuild(ctx, e.deps.Store, now); err != nil {
		return fmt.Errorf("rebuild counters: %w", err)
	}

	ttl := e.deps.Guardrails().ApprovalTTL
	entries, err := e.deps.Store.EntriesSince(ctx, now.Add(-ttl))
	if err != nil {
		return fmt.Errorf("scan ledger for live approvals: %w", err)
	}
	for _, entry := range entries {
		if entry.EntryType != ledger.EntryProposalGated {
			continue
		}
		if outcome, _ := entry.Data["decision_outcome"].(string); outcome != string(contracts.DecisionApprovalRequired) {
			continue
		}
		proposalID, _ := entry.Data["proposal_id"].(string)
		if proposalID == "" {
			continue
		}
		rec, err := e.deps.Store.Action(ctx, proposalID)
		if err != nil || rec.Outcome != contracts.OutcomePending {
			continue
		}
		p, err := proposalFromEntry(entry.Data)
		if err != nil {
			e.log.WarnContext(ctx, "skipping unreconstructable approval", "proposal_id", proposalID, "error", err)
			continue
		}
		e.deps.Approvals.Restore(approval.Item{
			Proposal:   p,
			Decision:   rec.Decision,
			EnqueuedAt: rec.CreatedAt,
			ExpiresAt:  rec.CreatedAt.Add(ttl),
		})
		e.deps.Observability.AddApprovalDepth(ctx, 1)
	}
	return nil
}

func proposalFromEntry(data map[string]any) (contracts.Proposal, error) {
	raw, err := json.Marshal(data["proposal"])
	if err != nil {
		return contracts.Proposal{}, err
	}
	var p contracts.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return contracts.Proposal{}, err
	}
	if p.ID == "" {
		return contracts.Proposal{}, errors.New("entry carries no proposal")
	}
	return p, nil
}

// portfolio is the confirmed campaign state a tick works against, plus the
// running ENABLED budget sums the gate's ceiling checks need.
type portfolio struct {
	byRef          map[contracts.CampaignRef]contracts.Campaign
	platformBudget map[contracts.PlatformID]int64
	totalBudget    int64
}

func newPortfolio(campaigns []contracts.Campaign) *portfolio {
	pf := &portfolio{
		byRef:          make(map[contracts.CampaignRef]contracts.Campaign, len(campaigns)),
		platformBudget: make(map[contracts.PlatformID]int64),
	}
	for _, c := range campaigns {
		pf.apply(c)
	}
	return pf
}

// apply replaces a campaign's confirmed state and adjusts the budget sums.
func (pf *portfolio) apply(c contracts.Campaign) {
	if prev, ok := pf.byRef[c.Ref]; ok && prev.Status == contracts.StatusEnabled {
		pf.platformBudget[c.Ref.Platform] -= prev.DailyBudget
		pf.totalBudget -= prev.DailyBudget
	}
	pf.byRef[c.Ref] = c
	if c.Status == contracts.StatusEnabled {
		pf.platformBudget[c.Ref.Platform] += c.DailyBudget
		pf.totalBudget += c.DailyBudget
	}
}

// Tick runs one full decision cycle. A lease held elsewhere makes this a
// ledgered no-op.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	e.slot.Lock()
	defer e.slot.Unlock()

	start := e.clock()
	now := start.UTC()
	result := TickResult{TickID: uuid.NewString(), StartedAt: now}

	held, err := e.deps.Lease.Acquire(ctx)
	if err != nil {
		return result, fmt.Errorf("acquire tick lease: %w", err)
	}
	if !held {
		result.Skipped = true
		_, lerr := e.deps.Store.AppendEntry(ctx, ledger.EntryTickSkipped, nil, map[string]any{
			"tick_id": result.TickID,
			"reason":  "lease held elsewhere",
		})
		e.deps.Observability.RecordTick(ctx, e.clock().Sub(start), "skipped")
		return result, lerr
	}
	defer func() {
		if rerr := e.deps.Lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.log.ErrorContext(ctx, "release tick lease", "error", rerr)
		}
	}()

	// A tick may consume at most its deadline fraction of the interval, so
	// an overrunning tick can never collide with the next boundary.
	deadline := time.Duration(float64(e.cfg.TickInterval) * e.cfg.DeadlineFraction)
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	err = e.tickHeld(tctx, now, &result)
	result.Duration = e.clock().Sub(start)
	if err != nil {
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryTickFailed, nil, map[string]any{
			"tick_id": result.TickID,
			"error":   err.Error(),
		})
		e.deps.Observability.RecordTick(ctx, result.Duration, "failed")
		return result, err
	}
	e.deps.Observability.RecordTick(ctx, result.Duration, "completed")
	return result, nil
}

func (e *Engine) tickHeld(ctx context.Context, now time.Time, result *TickResult) error {
	guard := e.deps.Guardrails()

	if e.deps.Counters.Rollover(now) {
		if _, err := e.deps.Store.AppendEntry(ctx, ledger.EntryCounterReset, nil, map[string]any{
			"tick_id": result.TickID,
			"day":     now.Format("2006-01-02"),
		}); err != nil {
			return fmt.Errorf("ledger counter reset: %w", err)
		}
	}

	expired, err := e.deps.Approvals.SweepExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("sweep expired approvals: %w", err)
	}
	for _, it := range expired {
		ref := it.Proposal.Campaign
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryApprovalResolved, &ref, map[string]any{
			"proposal_id": it.Proposal.ID,
			"outcome":     string(contracts.OutcomeExpired),
		})
		e.deps.Observability.RecordAction(ctx, ref.Platform, contracts.OutcomeExpired)
		e.deps.Observability.AddApprovalDepth(ctx, -1)
	}

	// Approved items execute before the tick's own proposals so a fresh
	// analysis sees their effect.
	if err := e.drainApprovedLocked(ctx, now, result); err != nil {
		return err
	}

	polled, excluded, rawByPlatform, listed := e.collect(ctx, now)
	result.PlatformsPolled = polled
	result.PlatformsExcluded = excluded
	for _, p := range excluded {
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryPlatformExcluded, nil, map[string]any{
			"tick_id":  result.TickID,
			"platform": string(p),
		})
	}

	if err := e.reconcileCampaigns(ctx, now, polled, listed); err != nil {
		return err
	}

	stored, err := e.deps.Store.Campaigns(ctx)
	if err != nil {
		return fmt.Errorf("load confirmed campaigns: %w", err)
	}
	pf := newPortfolio(stored)

	samples := e.normalizeAll(ctx, now, rawByPlatform)
	result.Samples = len(samples)
	if len(samples) > 0 {
		if err := e.deps.Store.AppendSamples(ctx, samples); err != nil {
			return fmt.Errorf("append samples: %w", err)
		}
	}

	resp, fingerprint, ok := e.analyze(ctx, now, pf, samples, guard, result)
	if !ok {
		// Analysis failed; the tick still completes with what it has.
		return e.complete(ctx, now, result)
	}
	result.Health = resp.OverallHealth
	result.Proposals = len(resp.Proposals)

	for _, a := range resp.Alerts {
		ref := a.Campaign
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryAlert, &ref, map[string]any{
			"tick_id":  result.TickID,
			"signal":   a.Signal,
			"severity": a.Severity,
			"detail":   a.Detail,
		})
	}

	if err := e.gateAndExecute(ctx, now, pf, resp.Proposals, fingerprint, guard, result); err != nil {
		return err
	}
	return e.complete(ctx, now, result)
}

func (e *Engine) complete(ctx context.Context, now time.Time, result *TickResult) error {
	excluded := make([]string, 0, len(result.PlatformsExcluded))
	for _, p := range result.PlatformsExcluded {
		excluded = append(excluded, string(p))
	}
	_, err := e.deps.Store.AppendEntry(ctx, ledger.EntryTickCompleted, nil, map[string]any{
		"tick_id":            result.TickID,
		"platforms_excluded": excluded,
		"samples":            result.Samples,
		"proposals":          result.Proposals,
		"executed":           result.Executed,
		"queued":             result.Queued,
		"rejected":           result.Rejected,
		"replayed":           result.Replayed,
		"health":             string(result.Health),
	})
	if err != nil {
		return fmt.Errorf("ledger tick completion: %w", err)
	}
	return nil
}

// collect polls every registered platform concurrently. A platform whose
// poll fails is excluded from this tick, never fatal.
func (e *Engine) collect(ctx context.Context, now time.Time) (polled, excluded []contracts.PlatformID, raw map[contracts.PlatformID][]contracts.RawSample, listed map[contracts.PlatformID][]contracts.Campaign) {
	platforms := e.deps.Registry.Platforms()
	type pollResult struct {
		campaigns []contracts.Campaign
		raw       []contracts.RawSample
		err       error
	}
	results := make([]pollResult, len(platforms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PlatformConcurrency)
	for i, platform := range platforms {
		i, platform := i, platform
		a, _ := e.deps.Registry.Get(platform)
		g.Go(func() error {
			campaigns, err := a.ListCampaigns(gctx, nil)
			if err != nil {
				results[i].err = err
				return nil
			}
			ids := make([]string, 0, len(campaigns))
			for _, c := range campaigns {
				ids = append(ids, c.Ref.ExternalID)
			}
			rawSamples, err := a.GetPerformance(gctx, adapter.DateRange{
				Start: now.Add(-e.cfg.Lookback),
				End:   now,
			}, ids)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i] = pollResult{campaigns: campaigns, raw: rawSamples}
			return nil
		})
	}
	_ = g.Wait()

	raw = make(map[contracts.PlatformID][]contracts.RawSample)
	listed = make(map[contracts.PlatformID][]contracts.Campaign)
	for i, platform := range platforms {
		if results[i].err != nil {
			kind := contracts.KindOf(results[i].err)
			e.log.WarnContext(ctx, "platform excluded this tick",
				"platform", platform, "kind", string(kind), "error", results[i].err)
			e.deps.Observability.RecordAdapterError(ctx, platform, kind)
			excluded = append(excluded, platform)
			continue
		}
		polled = append(polled, platform)
		raw[platform] = results[i].raw
		listed[platform] = results[i].campaigns
	}
	return polled, excluded, raw, listed
}

// reconcileCampaigns upserts fresh platform state and transitions campaigns
// that disappeared from a successfully polled platform to REMOVED, cancelling
// any approvals still pointed at them.
func (e *Engine) reconcileCampaigns(ctx context.Context, now time.Time, polled []contracts.PlatformID, listed map[contracts.PlatformID][]contracts.Campaign) error {
	stored, err := e.deps.Store.Campaigns(ctx)
	if err != nil {
		return fmt.Errorf("load confirmed campaigns: %w", err)
	}
	fresh := make(map[contracts.CampaignRef]bool)
	for _, platform := range polled {
		for _, c := range listed[platform] {
			fresh[c.Ref] = true
			if err := e.deps.Store.UpsertCampaign(ctx, c); err != nil {
				return fmt.Errorf("upsert campaign %s: %w", c.Ref, err)
			}
		}
	}
	polledSet := make(map[contracts.PlatformID]bool, len(polled))
	for _, p := range polled {
		polledSet[p] = true
	}
	for _, c := range stored {
		if !polledSet[c.Ref.Platform] || fresh[c.Ref] || c.Status == contracts.StatusRemoved {
			continue
		}
		c.Status = contracts.StatusRemoved
		c.UpdatedAt = now
		if err := e.deps.Store.UpsertCampaign(ctx, c); err != nil {
			return fmt.Errorf("mark campaign removed %s: %w", c.Ref, err)
		}
		if err := e.cancelPendingFor(ctx, c.Ref, "campaign removed on platform"); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cancelPendingFor(ctx context.Context, ref contracts.CampaignRef, reason string) error {
	cancelled, err := e.deps.Approvals.CancelByCampaign(ctx, ref, reason)
	if err != nil {
		return fmt.Errorf("cancel approvals for %s: %w", ref, err)
	}
	for _, it := range cancelled {
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryApprovalResolved, &ref, map[string]any{
			"proposal_id": it.Proposal.ID,
			"outcome":     string(contracts.OutcomeCancelled),
			"reason":      reason,
		})
		e.deps.Observability.AddApprovalDepth(ctx, -1)
	}
	return nil
}

// normalizeAll converts raw samples platform by platform so one platform's
// bad FX data cannot poison the others.
func (e *Engine) normalizeAll(ctx context.Context, now time.Time, raw map[contracts.PlatformID][]contracts.RawSample) []contracts.MetricSample {
	fx := e.deps.FX()
	var out []contracts.MetricSample
	for platform, batch := range raw {
		samples, err := normalize.Normalize(batch, fx, e.seen, now)
		if err != nil {
			e.log.WarnContext(ctx, "dropping platform samples",
				"platform", platform, "error", err)
			e.deps.Observability.RecordAdapterError(ctx, platform, contracts.KindOf(err))
			continue
		}
		for _, s := range samples {
			e.seen[s.Campaign.String()] = now
		}
		out = append(out, samples...)
	}
	return out
}

func (e *Engine) analyze(ctx context.Context, now time.Time, pf *portfolio, samples []contracts.MetricSample, guard contracts.Guardrails, result *TickResult) (analyst.Response, string, bool) {
	byRef := make(map[contracts.CampaignRef][]contracts.MetricSample)
	for _, s := range samples {
		byRef[s.Campaign] = append(byRef[s.Campaign], s)
	}

	snap := e.deps.Counters.Snapshot(now)
	req := analyst.Request{
		TickID:              result.TickID,
		WindowFrom:          now.Add(-e.cfg.Lookback),
		WindowTo:            now,
		ConfidenceThreshold: guard.ConfidenceThreshold,
		MajorChangeFraction: guard.MajorChangeFraction,
		AdjustmentsLeft:     guard.MaxDailyAdjustments - snap.AdjustmentsMade,
	}
	for _, c := range pf.byRef {
		if c.Status == contracts.StatusRemoved {
			continue
		}
		req.Campaigns = append(req.Campaigns, analyst.CampaignSnapshot{
			Campaign: c,
			Samples:  byRef[c.Ref],
		})
	}
	// Stable order keeps the request fingerprint independent of map iteration.
	sort.Slice(req.Campaigns, func(i, j int) bool {
		return req.Campaigns[i].Campaign.Ref.String() < req.Campaigns[j].Campaign.Ref.String()
	})

	fingerprint, err := req.Fingerprint()
	if err != nil {
		e.log.ErrorContext(ctx, "fingerprint analysis request", "error", err)
		return analyst.Response{}, "", false
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.AnalystTimeout)
	defer cancel()
	resp, err := e.deps.Analyst.Analyze(actx, req)
	if err != nil {
		kind := contracts.KindOf(err)
		e.log.WarnContext(ctx, "analysis unavailable this tick", "kind", string(kind), "error", err)
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryAlert, nil, map[string]any{
			"tick_id": result.TickID,
			"signal":  "ANALYST_UNAVAILABLE",
			"kind":    string(kind),
			"detail":  err.Error(),
		})
		return analyst.Response{}, "", false
	}
	return resp, fingerprint, true
}

// proposalIdentity derives the deterministic proposal ID from the analysis
// fingerprint and the proposal content. An analyst replaying identical advice
// over identical inputs produces identical IDs, and the ledger's uniqueness
// on proposal ID turns the replay into a no-op.
func proposalIdentity(fingerprint string, p contracts.Proposal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%s|%d",
		fingerprint, p.Campaign, p.Kind,
		p.FromState.Status, p.FromState.DailyBudget,
		p.ToState.Status, p.ToState.DailyBudget)
	return "prop-" + hex.EncodeToString(h.Sum(nil))[:32]
}

func (e *Engine) gateAndExecute(ctx context.Context, now time.Time, pf *portfolio, proposals []contracts.Proposal, fingerprint string, guard contracts.Guardrails, result *TickResult) error {
	// Decreasing actions first: frees ceiling headroom before increases are
	// checked against it.
	ordered := make([]contracts.Proposal, 0, len(proposals))
	for _, p := range proposals {
		if p.Decreasing() {
			ordered = append(ordered, p)
		}
	}
	for _, p := range proposals {
		if !p.Decreasing() {
			ordered = append(ordered, p)
		}
	}

	claimed := make(map[contracts.CampaignRef]string)
	for _, p := range ordered {
		p.ID = proposalIdentity(fingerprint, p)

		campaign, known := pf.byRef[p.Campaign]
		switch {
		case !known || campaign.Status == contracts.StatusRemoved:
			if err := e.recordDead(ctx, now, p, contracts.JustUnknownCampaign,
				"campaign not in confirmed state", result); err != nil {
				return err
			}
			continue
		case claimed[p.Campaign] != "":
			if err := e.recordDead(ctx, now, p, contracts.JustSuperseded,
				fmt.Sprintf("superseded by proposal %s in same tick", claimed[p.Campaign]), result); err != nil {
				return err
			}
			continue
		case p.FromState.Status != campaign.Status || p.FromState.DailyBudget != campaign.DailyBudget:
			if err := e.recordDead(ctx, now, p, contracts.JustStaleFromState,
				"from_state does not match confirmed state", result); err != nil {
				return err
			}
			continue
		}

		snap := e.deps.Counters.Snapshot(now)
		st := gate.State{
			Campaign:              campaign,
			Now:                   now,
			AdjustmentsToday:      snap.AdjustmentsMade,
			BudgetMovedToday:      snap.BudgetMoved,
			CampaignDeltaToday:    snap.CampaignDelta(p.Campaign),
			PlatformEnabledBudget: pf.platformBudget[p.Campaign.Platform],
			TotalEnabledBudget:    pf.totalBudget,
		}
		d := gate.Evaluate(p, st, guard)
		e.deps.Observability.RecordDecision(ctx, d)

		outcome := contracts.OutcomePending
		errText := ""
		if d.Outcome == contracts.DecisionRejected {
			outcome = contracts.OutcomeCancelled
			errText = d.Detail
		}
		rec := contracts.ActionRecord{
			ID:          uuid.NewString(),
			ProposalID:  p.ID,
			Campaign:    p.Campaign,
			Kind:        p.Kind,
			Decision:    d,
			BeforeState: contracts.BudgetState{Status: campaign.Status, DailyBudget: campaign.DailyBudget},
			Outcome:     outcome,
			Error:       errText,
			CreatedAt:   now,
		}
		if err := e.deps.Store.InsertAction(ctx, rec); err != nil {
			if errors.Is(err, ledger.ErrDuplicateProposal) {
				result.Replayed++
				continue
			}
			return fmt.Errorf("insert action record: %w", err)
		}
		if err := e.ledgerGated(ctx, p, d, result.TickID); err != nil {
			return err
		}

		switch d.Outcome {
		case contracts.DecisionRejected:
			result.Rejected++
		case contracts.DecisionApprovalRequired:
			claimed[p.Campaign] = p.ID
			if _, err := e.deps.Approvals.Enqueue(p, d, now, guard.ApprovalTTL); err != nil {
				return fmt.Errorf("enqueue approval: %w", err)
			}
			e.deps.Observability.AddApprovalDepth(ctx, 1)
			result.Queued++
		case contracts.DecisionAutoExecute:
			claimed[p.Campaign] = p.ID
			executed, err := e.executeProposal(ctx, now, pf, p, true)
			if err != nil {
				return err
			}
			if executed {
				result.Executed++
			}
		}
	}
	return nil
}

// recordDead inserts a terminal CANCELLED record for a proposal that never
// reached a clean gate evaluation.
func (e *Engine) recordDead(ctx context.Context, now time.Time, p contracts.Proposal, just contracts.Justification, detail string, result *TickResult) error {
	d := contracts.Decision{
		Outcome:       contracts.DecisionRejected,
		Justification: just,
		Detail:        detail,
		DecidedAt:     now,
	}
	rec := contracts.ActionRecord{
		ID:          uuid.NewString(),
		ProposalID:  p.ID,
		Campaign:    p.Campaign,
		Kind:        p.Kind,
		Decision:    d,
		BeforeState: p.FromState,
		Outcome:     contracts.OutcomeCancelled,
		Error:       detail,
		CreatedAt:   now,
	}
	if err := e.deps.Store.InsertAction(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateProposal) {
			result.Replayed++
			return nil
		}
		return fmt.Errorf("insert action record: %w", err)
	}
	result.Rejected++
	return e.ledgerGated(ctx, p, d, result.TickID)
}

func (e *Engine) ledgerGated(ctx context.Context, p contracts.Proposal, d contracts.Decision, tickID string) error {
	ref := p.Campaign
	_, err := e.deps.Store.AppendEntry(ctx, ledger.EntryProposalGated, &ref, map[string]any{
		"tick_id":          tickID,
		"proposal_id":      p.ID,
		"proposal":         toMap(p),
		"kind":             string(p.Kind),
		"confidence":       p.Confidence,
		"decision_outcome": string(d.Outcome),
		"rule":             d.Rule,
		"justification":    string(d.Justification),
		"detail":           d.Detail,
	})
	if err != nil {
		return fmt.Errorf("ledger gated proposal: %w", err)
	}
	return nil
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
