// Package contracts defines the domain types shared by every layer of the
// optimization core: campaigns, metric samples, analyst proposals, gate
// decisions, action records, and guardrail configuration.
//
// All monetary amounts are int64 minor units (cents) of the canonical
// currency. Adapters convert on their boundary; nothing inside the core
// ever sees platform-native units.
package contracts

import (
	"fmt"
	"time"
)

// PlatformID identifies an ad platform. The set is closed; adapters register
// under one of these tags.
type PlatformID string

const (
	PlatformGoogleAds   PlatformID = "google_ads"
	PlatformMetaAds     PlatformID = "meta_ads"
	PlatformTikTokAds   PlatformID = "tiktok_ads"
	PlatformLinkedInAds PlatformID = "linkedin_ads"
)

// AllPlatforms returns the closed platform set in stable order.
func AllPlatforms() []PlatformID {
	return []PlatformID{PlatformGoogleAds, PlatformMetaAds, PlatformTikTokAds, PlatformLinkedInAds}
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	StatusEnabled CampaignStatus = "ENABLED"
	StatusPaused  CampaignStatus = "PAUSED"
	StatusRemoved CampaignStatus = "REMOVED"
)

// CampaignRef is the compound identity of a campaign. Samples and proposals
// reference campaigns only through this key; there is no back-pointer from
// a campaign to its samples.
type CampaignRef struct {
	Platform   PlatformID `json:"platform"`
	ExternalID string     `json:"external_id"`
}

func (r CampaignRef) String() string {
	return string(r.Platform) + ":" + r.ExternalID
}

// Campaign is the confirmed platform state of one campaign.
// Campaigns are created on first sight from an adapter and never deleted,
// only transitioned to REMOVED.
type Campaign struct {
	Ref         CampaignRef    `json:"ref"`
	Name        string         `json:"name"`
	Status      CampaignStatus `json:"status"`
	DailyBudget int64          `json:"daily_budget"` // minor units, canonical currency
	Objective   string         `json:"objective,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	MockData    bool           `json:"mock_data,omitempty"`
}

// Age returns how long the campaign has been running as of now.
func (c Campaign) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// MetricSample is one normalised performance observation for a campaign over
// a range. Samples are immutable once written; derived ratios are
// materialised on read and are 0 (never infinity) on zero denominators.
type MetricSample struct {
	Campaign    CampaignRef `json:"campaign"`
	SampleTime  time.Time   `json:"sample_time"`
	Impressions int64       `json:"impressions"`
	Clicks      int64       `json:"clicks"`
	Spend       int64       `json:"spend"`   // minor units
	Conversions int64       `json:"conversions"`
	Revenue     int64       `json:"revenue"` // minor units
	NewlySeen   bool        `json:"newly_seen,omitempty"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// CPC is spend per click in minor units; 0 when there are no clicks.
func (s MetricSample) CPC() float64 {
	if s.Clicks == 0 {
		return 0
	}
	return float64(s.Spend) / float64(s.Clicks)
}

// CTR is clicks over impressions; 0 when there are no impressions.
func (s MetricSample) CTR() float64 {
	if s.Impressions == 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Impressions)
}

// ROAS is revenue over spend; 0 when spend is 0.
func (s MetricSample) ROAS() float64 {
	if s.Spend == 0 {
		return 0
	}
	return float64(s.Revenue) / float64(s.Spend)
}

// CPA is spend per conversion in minor units; 0 when there are no conversions.
func (s MetricSample) CPA() float64 {
	if s.Conversions == 0 {
		return 0
	}
	return float64(s.Spend) / float64(s.Conversions)
}

// ProposalKind is the closed union of actions the analyst may propose.
// Anything outside this set is rejected at the boundary, not best-effort
// parsed.
type ProposalKind string

const (
	KindPause          ProposalKind = "PAUSE"
	KindResume         ProposalKind = "RESUME"
	KindIncreaseBudget ProposalKind = "INCREASE_BUDGET"
	KindDecreaseBudget ProposalKind = "DECREASE_BUDGET"
	KindReallocate     ProposalKind = "REALLOCATE"
	KindCreateCampaign ProposalKind = "CREATE_CAMPAIGN"
	KindStrategyChange ProposalKind = "STRATEGY_CHANGE"
)

// ParseProposalKind validates a wire string against the closed union.
func ParseProposalKind(s string) (ProposalKind, error) {
	switch k := ProposalKind(s); k {
	case KindPause, KindResume, KindIncreaseBudget, KindDecreaseBudget,
		KindReallocate, KindCreateCampaign, KindStrategyChange:
		return k, nil
	}
	return "", fmt.Errorf("unknown proposal kind %q", s)
}

// BudgetState captures the status and daily budget of a campaign at a point
// in time. Used for before/after snapshots on proposals and action records.
type BudgetState struct {
	Status      CampaignStatus `json:"status"`
	DailyBudget int64          `json:"daily_budget"`
}

// ExpectedImpact is the analyst's estimate of what a proposal will do.
type ExpectedImpact struct {
	Metric        string  `json:"metric"`
	ChangePercent float64 `json:"change_percent"`
}

// Proposal is a single suggested change produced by the analyst. It is
// consumed exactly once by the guardrail gate and resolves to exactly one
// ActionRecord.
type Proposal struct {
	ID             string         `json:"id"`
	Campaign       CampaignRef    `json:"campaign"`
	Kind           ProposalKind   `json:"kind"`
	FromState      BudgetState    `json:"from_state"`
	ToState        BudgetState    `json:"to_state"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
	ExpectedImpact ExpectedImpact `json:"expected_impact"`
	ProducedAt     time.Time      `json:"produced_at"`
}

// BudgetDelta returns the signed budget change the proposal asks for.
func (p Proposal) BudgetDelta() int64 {
	return p.ToState.DailyBudget - p.FromState.DailyBudget
}

// ChangeFraction returns the absolute budget change relative to the pre-tick
// budget. 0 when the campaign has no budget to measure against.
func (p Proposal) ChangeFraction() float64 {
	if p.FromState.DailyBudget == 0 {
		return 0
	}
	delta := p.BudgetDelta()
	if delta < 0 {
		delta = -delta
	}
	return float64(delta) / float64(p.FromState.DailyBudget)
}

// Decreasing reports whether the proposal reduces exposure (pause or budget
// decrease). Decreasing actions execute before increasing ones within a tick.
func (p Proposal) Decreasing() bool {
	return p.Kind == KindPause || p.Kind == KindDecreaseBudget
}

// DecisionOutcome is the gate's verdict on a proposal.
type DecisionOutcome string

const (
	DecisionAutoExecute      DecisionOutcome = "AUTO_EXECUTE"
	DecisionApprovalRequired DecisionOutcome = "APPROVAL_REQUIRED"
	DecisionRejected         DecisionOutcome = "REJECTED"
)

// Justification names the rule clause that produced a decision.
type Justification string

const (
	JustLowConfidence       Justification = "LOW_CONFIDENCE"
	JustInsufficientRuntime Justification = "INSUFFICIENT_RUNTIME"
	JustBudgetCeiling       Justification = "PLATFORM_BUDGET_CEILING"
	JustDailyAdjustmentCap  Justification = "DAILY_ADJUSTMENT_CAP"
	JustCampaignDeltaCap    Justification = "CAMPAIGN_DELTA_CAP"
	JustReallocationCap     Justification = "DAILY_REALLOCATION_CAP"
	JustMajorChange         Justification = "MAJOR_CHANGE"
	JustHighImpactKind      Justification = "HIGH_IMPACT_KIND"
	JustWithinLimits        Justification = "WITHIN_LIMITS"
	JustAdvisoryMode        Justification = "ADVISORY_MODE"

	// Set by the engine, not the gate, when a proposal never reaches a
	// clean evaluation.
	JustUnknownCampaign Justification = "UNKNOWN_CAMPAIGN"
	JustStaleFromState  Justification = "STALE_FROM_STATE"
	JustSuperseded      Justification = "SUPERSEDED_SAME_TICK"
)

// Decision is the immutable gate verdict for one proposal.
type Decision struct {
	Outcome       DecisionOutcome `json:"outcome"`
	Rule          string          `json:"rule"`
	Justification Justification   `json:"justification"`
	Detail        string          `json:"detail,omitempty"`
	DecidedAt     time.Time       `json:"decided_at"`
}

// ActionOutcome is the terminal fate of a proposal.
type ActionOutcome string

const (
	OutcomePending   ActionOutcome = "PENDING" // awaiting execution or approval
	OutcomeSuccess   ActionOutcome = "SUCCESS"
	OutcomeFailed    ActionOutcome = "FAILED"
	OutcomeCancelled ActionOutcome = "CANCELLED"
	OutcomeExpired   ActionOutcome = "EXPIRED"
	OutcomeRejected  ActionOutcome = "REJECTED"
)

// Terminal reports whether the outcome is final.
func (o ActionOutcome) Terminal() bool {
	return o != OutcomePending
}

// ActionRecord summarises a proposal's fate. The ledger enforces exactly one
// record per proposal; a SUCCESS outcome implies the adapter confirmed the
// change and AfterState reflects a subsequent read-back.
type ActionRecord struct {
	ID          string        `json:"id"`
	ProposalID  string        `json:"proposal_id"`
	Campaign    CampaignRef   `json:"campaign"`
	Kind        ProposalKind  `json:"kind"`
	Decision    Decision      `json:"decision"`
	BeforeState BudgetState   `json:"before_state"`
	AfterState  *BudgetState  `json:"after_state,omitempty"`
	Outcome     ActionOutcome `json:"outcome"`
	ExecutedAt  *time.Time    `json:"executed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AutomationLevel controls how aggressively the engine acts on decisions.
type AutomationLevel string

const (
	// AutomationAdvisory forces every would-be auto-execution into the
	// approval queue.
	AutomationAdvisory AutomationLevel = "ADVISORY"
	// AutomationSemi treats every budget change as a major change.
	AutomationSemi AutomationLevel = "SEMI"
	// AutomationFull executes within-limits proposals without a human.
	AutomationFull AutomationLevel = "FULL"
)

// CampaignOverride carries per-campaign guardrail overrides. Nil fields fall
// back to the global value.
type CampaignOverride struct {
	ConfidenceThreshold     *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MinCampaignRuntimeHours *int     `json:"min_campaign_runtime_hours,omitempty" yaml:"min_campaign_runtime_hours,omitempty"`
	MajorChangeFraction     *float64 `json:"major_change_fraction,omitempty" yaml:"major_change_fraction,omitempty"`
}

// Guardrails is the safety configuration the gate evaluates proposals
// against. Changes to guardrails are themselves ledgered as CONFIG_CHANGE.
type Guardrails struct {
	ConfidenceThreshold                 float64                     `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxDailyAdjustments                 int                         `json:"max_daily_adjustments" yaml:"max_daily_adjustments"`
	MaxBudgetReallocationFractionPerDay float64                     `json:"max_budget_reallocation_fraction_per_day" yaml:"max_budget_reallocation_fraction_per_day"`
	MaxSingleBudgetIncreaseFraction     float64                     `json:"max_single_budget_increase_fraction" yaml:"max_single_budget_increase_fraction"`
	MinCampaignRuntimeHours             int                         `json:"min_campaign_runtime_hours_before_pause" yaml:"min_campaign_runtime_hours_before_pause"`
	MajorChangeFraction                 float64                     `json:"major_change_fraction" yaml:"major_change_fraction"`
	ApprovalTTL                         time.Duration               `json:"approval_ttl" yaml:"approval_ttl"`
	AutomationLevel                     AutomationLevel             `json:"automation_level" yaml:"automation_level"`
	PlatformCeilings                    map[PlatformID]int64        `json:"platform_ceilings,omitempty" yaml:"platform_ceilings,omitempty"`
	PerCampaign                         map[string]CampaignOverride `json:"per_campaign,omitempty" yaml:"per_campaign,omitempty"`
}

// DefaultGuardrails returns the documented defaults.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		ConfidenceThreshold:                 0.85,
		MaxDailyAdjustments:                 20,
		MaxBudgetReallocationFractionPerDay: 0.30,
		MaxSingleBudgetIncreaseFraction:     0.30,
		MinCampaignRuntimeHours:             72,
		MajorChangeFraction:                 0.20,
		ApprovalTTL:                         4 * time.Hour,
		AutomationLevel:                     AutomationFull,
	}
}

// ConfidenceThresholdFor resolves the per-campaign override chain.
func (g Guardrails) ConfidenceThresholdFor(ref CampaignRef) float64 {
	if o, ok := g.PerCampaign[ref.String()]; ok && o.ConfidenceThreshold != nil {
		return *o.ConfidenceThreshold
	}
	return g.ConfidenceThreshold
}

// MinRuntimeFor resolves the minimum runtime before pause for a campaign.
func (g Guardrails) MinRuntimeFor(ref CampaignRef) time.Duration {
	hours := g.MinCampaignRuntimeHours
	if o, ok := g.PerCampaign[ref.String()]; ok && o.MinCampaignRuntimeHours != nil {
		hours = *o.MinCampaignRuntimeHours
	}
	return time.Duration(hours) * time.Hour
}

// MajorChangeFractionFor resolves the major-change threshold for a campaign.
// SEMI automation forces it to 0 so every budget change requires approval.
func (g Guardrails) MajorChangeFractionFor(ref CampaignRef) float64 {
	if g.AutomationLevel == AutomationSemi {
		return 0
	}
	if o, ok := g.PerCampaign[ref.String()]; ok && o.MajorChangeFraction != nil {
		return *o.MajorChangeFraction
	}
	return g.MajorChangeFraction
}

// OverallHealth is the analyst's portfolio-wide health signal.
type OverallHealth string

const (
	HealthExcellent OverallHealth = "EXCELLENT"
	HealthGood      OverallHealth = "GOOD"
	HealthFair      OverallHealth = "FAIR"
	HealthPoor      OverallHealth = "POOR"
	HealthCritical  OverallHealth = "CRITICAL"
)

// ParseOverallHealth validates a wire string against the health enum.
func ParseOverallHealth(s string) (OverallHealth, error) {
	switch h := OverallHealth(s); h {
	case HealthExcellent, HealthGood, HealthFair, HealthPoor, HealthCritical:
		return h, nil
	}
	return "", fmt.Errorf("unknown overall health %q", s)
}
