// Package analyst produces optimization proposals from normalised campaign
// performance. The production client talks to an OpenAI-compatible chat
// completions endpoint; mock mode uses a deterministic local analyst so the
// rest of the pipeline exercises identically without credentials.
//
// The analyst is advisory only. Its output is schema-validated at the
// boundary and every proposal still passes the guardrail gate; a malformed
// or late response skips the analysis phase of the tick, never crashes it.
package analyst

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// CampaignSnapshot is one campaign plus its recent performance, as shown to
// the analyst.
type CampaignSnapshot struct {
	Campaign contracts.Campaign       `json:"campaign"`
	Samples  []contracts.MetricSample `json:"samples"`
}

// Request is the full analysis input for one tick. Monetary fields are minor
// units of the canonical currency, same as everywhere else in the core.
type Request struct {
	TickID     string             `json:"tick_id"`
	WindowFrom time.Time          `json:"window_from"`
	WindowTo   time.Time          `json:"window_to"`
	Campaigns  []CampaignSnapshot `json:"campaigns"`

	// Guardrail digest so the analyst does not propose what the gate will
	// certainly reject.
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MajorChangeFraction float64 `json:"major_change_fraction"`
	AdjustmentsLeft     int     `json:"adjustments_left_today"`
}

// Fingerprint returns a stable identity for the request content, independent
// of map ordering and whitespace. Two ticks seeing identical inputs produce
// identical fingerprints, which is what makes proposal replay detectable; the
// tick ID is excluded for exactly that reason.
func (r Request) Fingerprint() (string, error) {
	r.TickID = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal analysis request: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize analysis request: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Alert is a locally or analyst-detected anomaly. Alerts are ledgered, never
// acted on automatically.
type Alert struct {
	Campaign contracts.CampaignRef `json:"campaign"`
	Signal   string                `json:"signal"`
	Severity string                `json:"severity"`
	Detail   string                `json:"detail"`
}

// Alert signals.
const (
	SignalROASDrop        = "ROAS_DROP"
	SignalZeroConversions = "ZERO_CONVERSIONS"
	SignalCPCSpike        = "CPC_SPIKE"
)

// Response is the validated analyst output for one request.
type Response struct {
	OverallHealth contracts.OverallHealth `json:"overall_health"`
	Summary       string                  `json:"summary"`
	Proposals     []contracts.Proposal    `json:"proposals"`
	Alerts        []Alert                 `json:"alerts,omitempty"`
}

// Client is the analyst behind the decision engine. Analyze respects ctx
// deadlines; a deadline overrun surfaces as an ANALYST_TIMEOUT tagged error.
type Client interface {
	Analyze(ctx context.Context, req Request) (Response, error)
}
