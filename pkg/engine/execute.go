package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/approval"
	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/gate"
	"github.com/mbo-labs/budgetpilot/pkg/ledger"
)

// executeProposal performs the platform mutation for a proposal whose record
// is already PENDING in the ledger, then resolves the record from the
// confirmed read-back. Returns true when the action succeeded.
//
// auto marks gate auto-executions; approved executions pass false so they do
// not consume the daily adjustment budget.
func (e *Engine) executeProposal(ctx context.Context, now time.Time, pf *portfolio, p contracts.Proposal, auto bool) (bool, error) {
	a, ok := e.deps.Registry.Get(p.Campaign.Platform)
	if !ok {
		return false, e.resolveFailed(ctx, now, p, fmt.Sprintf("no adapter for platform %s", p.Campaign.Platform))
	}

	var confirmed contracts.Campaign
	var err error
	switch p.Kind {
	case contracts.KindPause:
		confirmed, err = a.SetStatus(ctx, p.Campaign.ExternalID, contracts.StatusPaused, p.ID)
	case contracts.KindResume:
		confirmed, err = a.SetStatus(ctx, p.Campaign.ExternalID, contracts.StatusEnabled, p.ID)
	case contracts.KindIncreaseBudget, contracts.KindDecreaseBudget, contracts.KindReallocate:
		confirmed, err = a.UpdateBudget(ctx, p.Campaign.ExternalID, p.ToState.DailyBudget, p.ID)
	default:
		// CREATE_CAMPAIGN and STRATEGY_CHANGE never reach execution; the
		// gate routes them to approval and approved ones are advisory-only.
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryCritical, &p.Campaign, map[string]any{
			"proposal_id": p.ID,
			"detail":      fmt.Sprintf("kind %s reached execution", p.Kind),
		})
		return false, e.resolveFailed(ctx, now, p, fmt.Sprintf("kind %s is not executable", p.Kind))
	}

	if err != nil {
		kind := contracts.KindOf(err)
		e.deps.Observability.RecordAdapterError(ctx, p.Campaign.Platform, kind)
		if kind == contracts.ErrNotFound {
			if rerr := e.removeCampaign(ctx, now, pf, p.Campaign); rerr != nil {
				return false, rerr
			}
		}
		return false, e.resolveFailed(ctx, now, p, err.Error())
	}

	after := contracts.BudgetState{Status: confirmed.Status, DailyBudget: confirmed.DailyBudget}
	executedAt := now
	if err := e.deps.Store.ResolveAction(ctx, p.ID, ledger.Resolution{
		Outcome:    contracts.OutcomeSuccess,
		ExecutedAt: &executedAt,
		AfterState: &after,
	}); err != nil {
		return false, fmt.Errorf("resolve action %s: %w", p.ID, err)
	}
	if err := e.deps.Store.UpsertCampaign(ctx, confirmed); err != nil {
		return false, fmt.Errorf("upsert confirmed campaign %s: %w", confirmed.Ref, err)
	}
	pf.apply(confirmed)

	delta := after.DailyBudget - p.FromState.DailyBudget
	e.deps.Counters.CommitExecution(now, p.Campaign, delta, auto)

	_, err = e.deps.Store.AppendEntry(ctx, ledger.EntryActionExecuted, &p.Campaign, map[string]any{
		"proposal_id":  p.ID,
		"kind":         string(p.Kind),
		"auto":         auto,
		"before":       toMap(p.FromState),
		"after":        toMap(after),
		"budget_delta": delta,
	})
	if err != nil {
		return false, fmt.Errorf("ledger executed action: %w", err)
	}
	e.deps.Observability.RecordAction(ctx, p.Campaign.Platform, contracts.OutcomeSuccess)
	return true, nil
}

func (e *Engine) resolveFailed(ctx context.Context, now time.Time, p contracts.Proposal, detail string) error {
	executedAt := now
	if err := e.deps.Store.ResolveAction(ctx, p.ID, ledger.Resolution{
		Outcome:    contracts.OutcomeFailed,
		ExecutedAt: &executedAt,
		Error:      detail,
	}); err != nil {
		return fmt.Errorf("resolve failed action %s: %w", p.ID, err)
	}
	_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryActionExecuted, &p.Campaign, map[string]any{
		"proposal_id": p.ID,
		"kind":        string(p.Kind),
		"outcome":     string(contracts.OutcomeFailed),
		"error":       detail,
	})
	e.deps.Observability.RecordAction(ctx, p.Campaign.Platform, contracts.OutcomeFailed)
	return nil
}

// removeCampaign marks a campaign REMOVED after the platform reported it
// gone, and cancels any approvals still pointed at it.
func (e *Engine) removeCampaign(ctx context.Context, now time.Time, pf *portfolio, ref contracts.CampaignRef) error {
	c, ok := pf.byRef[ref]
	if !ok {
		return nil
	}
	c.Status = contracts.StatusRemoved
	c.UpdatedAt = now
	if err := e.deps.Store.UpsertCampaign(ctx, c); err != nil {
		return fmt.Errorf("mark campaign removed %s: %w", ref, err)
	}
	pf.apply(c)
	return e.cancelPendingFor(ctx, ref, "campaign removed on platform")
}

// DrainApprovals executes approved items outside the tick cadence, in the
// same serialised slot ticks use. Called by the control surface right after
// an approval so the operator sees prompt effect.
func (e *Engine) DrainApprovals(ctx context.Context) (int, error) {
	e.slot.Lock()
	defer e.slot.Unlock()

	held, err := e.deps.Lease.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		return 0, nil
	}
	defer func() {
		if rerr := e.deps.Lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.log.ErrorContext(ctx, "release lease", "error", rerr)
		}
	}()

	var result TickResult
	now := e.clock().UTC()
	if err := e.drainApprovedLocked(ctx, now, &result); err != nil {
		return result.Executed, err
	}
	return result.Executed, nil
}

// drainApprovedLocked executes every approved item against fresh confirmed
// state. The gate re-runs first: an item the gate now rejects is resolved
// REJECTED, because the world moved between queue and click.
func (e *Engine) drainApprovedLocked(ctx context.Context, now time.Time, result *TickResult) error {
	items := e.deps.Approvals.TakeApproved(now)
	if len(items) == 0 {
		return nil
	}

	stored, err := e.deps.Store.Campaigns(ctx)
	if err != nil {
		return fmt.Errorf("load confirmed campaigns: %w", err)
	}
	pf := newPortfolio(stored)
	guard := e.deps.Guardrails()

	for _, it := range items {
		e.deps.Observability.AddApprovalDepth(ctx, -1)
		if err := e.executeApproved(ctx, now, pf, it, guard, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) executeApproved(ctx context.Context, now time.Time, pf *portfolio, it approval.Item, guard contracts.Guardrails, result *TickResult) error {
	p := it.Proposal
	campaign, known := pf.byRef[p.Campaign]

	reject := func(detail string) error {
		if err := e.deps.Store.ResolveAction(ctx, p.ID, ledger.Resolution{
			Outcome: contracts.OutcomeRejected,
			Error:   detail,
		}); err != nil {
			return fmt.Errorf("resolve rejected approval %s: %w", p.ID, err)
		}
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryApprovalResolved, &p.Campaign, map[string]any{
			"proposal_id": p.ID,
			"outcome":     string(contracts.OutcomeRejected),
			"reason":      detail,
		})
		e.deps.Observability.RecordAction(ctx, p.Campaign.Platform, contracts.OutcomeRejected)
		result.Rejected++
		return nil
	}

	if !known || campaign.Status == contracts.StatusRemoved {
		return reject("campaign no longer in confirmed state")
	}
	if p.FromState.Status != campaign.Status || p.FromState.DailyBudget != campaign.DailyBudget {
		return reject("confirmed state changed since approval")
	}
	if p.Kind == contracts.KindCreateCampaign || p.Kind == contracts.KindStrategyChange {
		// Approved but not machine-executable; the record closes as the
		// operator's acknowledgement.
		return reject(fmt.Sprintf("kind %s requires manual execution", p.Kind))
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
	// Human approval satisfies APPROVAL_REQUIRED verdicts; only a hard
	// rejection (confidence, runtime, invariants) blocks execution now.
	if d := gate.Evaluate(p, st, guard); d.Outcome == contracts.DecisionRejected {
		return reject(fmt.Sprintf("guardrails no longer allow execution: %s", d.Justification))
	}

	executed, err := e.executeProposal(ctx, now, pf, p, false)
	if err != nil {
		return err
	}
	if executed {
		result.Executed++
		_, _ = e.deps.Store.AppendEntry(ctx, ledger.EntryApprovalResolved, &p.Campaign, map[string]any{
			"proposal_id": p.ID,
			"outcome":     string(contracts.OutcomeSuccess),
			"approved_by": it.ApprovedBy,
		})
	}
	return nil
}
