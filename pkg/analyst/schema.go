package analyst

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// responseSchema is the contract the raw analyst output must satisfy before
// anything downstream looks at it. Unknown proposal kinds, out-of-range
// confidence, and missing budget states all fail here.
const responseSchema = `{
  "type": "object",
  "required": ["overall_health", "summary", "proposals"],
  "properties": {
    "overall_health": {
      "type": "string",
      "enum": ["EXCELLENT", "GOOD", "FAIR", "POOR", "CRITICAL"]
    },
    "summary": {"type": "string"},
    "proposals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["platform", "external_id", "kind", "from_state", "to_state", "confidence", "reasoning"],
        "properties": {
          "platform": {
            "type": "string",
            "enum": ["google_ads", "meta_ads", "tiktok_ads", "linkedin_ads"]
          },
          "external_id": {"type": "string", "minLength": 1},
          "kind": {
            "type": "string",
            "enum": ["PAUSE", "RESUME", "INCREASE_BUDGET", "DECREASE_BUDGET", "REALLOCATE", "CREATE_CAMPAIGN", "STRATEGY_CHANGE"]
          },
          "from_state": {"$ref": "#/$defs/budget_state"},
          "to_state": {"$ref": "#/$defs/budget_state"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string", "minLength": 1},
          "expected_impact": {
            "type": "object",
            "properties": {
              "metric": {"type": "string"},
              "change_percent": {"type": "number"}
            }
          }
        }
      }
    },
    "alerts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["platform", "external_id", "signal", "severity"],
        "properties": {
          "platform": {"type": "string"},
          "external_id": {"type": "string"},
          "signal": {"type": "string"},
          "severity": {"type": "string", "enum": ["INFO", "WARNING", "CRITICAL"]},
          "detail": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "budget_state": {
      "type": "object",
      "required": ["status", "daily_budget"],
      "properties": {
        "status": {"type": "string", "enum": ["ENABLED", "PAUSED", "REMOVED"]},
        "daily_budget": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("analyst_response.json", responseSchema)

// wireProposal is the analyst's flat proposal shape before it becomes a
// domain Proposal with a generated ID.
type wireProposal struct {
	Platform       string                   `json:"platform"`
	ExternalID     string                   `json:"external_id"`
	Kind           string                   `json:"kind"`
	FromState      contracts.BudgetState    `json:"from_state"`
	ToState        contracts.BudgetState    `json:"to_state"`
	Confidence     float64                  `json:"confidence"`
	Reasoning      string                   `json:"reasoning"`
	ExpectedImpact contracts.ExpectedImpact `json:"expected_impact"`
}

type wireAlert struct {
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
	Signal     string `json:"signal"`
	Severity   string `json:"severity"`
	Detail     string `json:"detail"`
}

type wireResponse struct {
	OverallHealth string         `json:"overall_health"`
	Summary       string         `json:"summary"`
	Proposals     []wireProposal `json:"proposals"`
	Alerts        []wireAlert    `json:"alerts"`
}

// ParseResponse validates raw against the response schema and converts it to
// the domain shape. Any failure comes back tagged ANALYST_MALFORMED.
func ParseResponse(raw []byte, producedAt time.Time) (Response, error) {
	malformed := func(err error) (Response, error) {
		return Response{}, contracts.NewAdapterError(contracts.ErrAnalystMalformed, "", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return malformed(fmt.Errorf("decode analyst response: %w", err))
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return malformed(fmt.Errorf("analyst response schema: %w", err))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return malformed(fmt.Errorf("decode analyst response: %w", err))
	}

	health, err := contracts.ParseOverallHealth(wire.OverallHealth)
	if err != nil {
		return malformed(err)
	}

	resp := Response{OverallHealth: health, Summary: wire.Summary}
	for _, wp := range wire.Proposals {
		kind, err := contracts.ParseProposalKind(wp.Kind)
		if err != nil {
			return malformed(err)
		}
		resp.Proposals = append(resp.Proposals, contracts.Proposal{
			ID: uuid.NewString(),
			Campaign: contracts.CampaignRef{
				Platform:   contracts.PlatformID(wp.Platform),
				ExternalID: wp.ExternalID,
			},
			Kind:           kind,
			FromState:      wp.FromState,
			ToState:        wp.ToState,
			Confidence:     wp.Confidence,
			Reasoning:      wp.Reasoning,
			ExpectedImpact: wp.ExpectedImpact,
			ProducedAt:     producedAt,
		})
	}
	for _, wa := range wire.Alerts {
		resp.Alerts = append(resp.Alerts, Alert{
			Campaign: contracts.CampaignRef{
				Platform:   contracts.PlatformID(wa.Platform),
				ExternalID: wa.ExternalID,
			},
			Signal:   wa.Signal,
			Severity: wa.Severity,
			Detail:   wa.Detail,
		})
	}
	return resp, nil
}
