package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/normalize"
)

// Profile is the YAML overlay applied on top of env configuration. It is the
// place for structured settings the flat env table cannot express: platform
// ceilings, per-campaign overrides, and FX rates.
type Profile struct {
	Guardrails *GuardrailSection  `yaml:"guardrails"`
	FX         *normalize.FXTable `yaml:"fx"`
}

// GuardrailSection mirrors contracts.Guardrails with YAML-friendly field
// types; approval_ttl is a Go duration string.
type GuardrailSection struct {
	ConfidenceThreshold                 float64                               `yaml:"confidence_threshold"`
	MaxDailyAdjustments                 int                                   `yaml:"max_daily_adjustments"`
	MaxBudgetReallocationFractionPerDay float64                               `yaml:"max_budget_reallocation_fraction_per_day"`
	MaxSingleBudgetIncreaseFraction     float64                               `yaml:"max_single_budget_increase_fraction"`
	MinCampaignRuntimeHours             int                                   `yaml:"min_campaign_runtime_hours_before_pause"`
	MajorChangeFraction                 float64                               `yaml:"major_change_fraction"`
	ApprovalTTL                         string                                `yaml:"approval_ttl"`
	AutomationLevel                     string                                `yaml:"automation_level"`
	PlatformCeilings                    map[contracts.PlatformID]int64        `yaml:"platform_ceilings"`
	PerCampaign                         map[string]contracts.CampaignOverride `yaml:"per_campaign"`
}

func (s GuardrailSection) toGuardrails(fallbackTTL time.Duration) (contracts.Guardrails, error) {
	g := contracts.Guardrails{
		ConfidenceThreshold:                 s.ConfidenceThreshold,
		MaxDailyAdjustments:                 s.MaxDailyAdjustments,
		MaxBudgetReallocationFractionPerDay: s.MaxBudgetReallocationFractionPerDay,
		MaxSingleBudgetIncreaseFraction:     s.MaxSingleBudgetIncreaseFraction,
		MinCampaignRuntimeHours:             s.MinCampaignRuntimeHours,
		MajorChangeFraction:                 s.MajorChangeFraction,
		ApprovalTTL:                         fallbackTTL,
		AutomationLevel:                     contracts.AutomationLevel(strings.ToUpper(s.AutomationLevel)),
		PlatformCeilings:                    s.PlatformCeilings,
		PerCampaign:                         s.PerCampaign,
	}
	if s.ApprovalTTL != "" {
		ttl, err := time.ParseDuration(s.ApprovalTTL)
		if err != nil {
			return g, fmt.Errorf("approval_ttl: %w", err)
		}
		if ttl <= 0 {
			return g, fmt.Errorf("approval_ttl: must be positive, got %s", ttl)
		}
		g.ApprovalTTL = ttl
	}
	return g, nil
}

// ApplyProfile loads a YAML profile and overlays it onto c. A profile that
// names a section replaces that section wholesale; sections it omits keep
// their env-derived values.
func ApplyProfile(c *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse profile: %w", err)
	}
	if p.Guardrails != nil {
		g, err := p.Guardrails.toGuardrails(c.Guardrails.ApprovalTTL)
		if err != nil {
			return err
		}
		if err := validateGuardrails(g); err != nil {
			return err
		}
		c.Guardrails = g
	}
	if p.FX != nil {
		if p.FX.Base == "" {
			p.FX.Base = c.CanonicalCurrency
		}
		c.FX = *p.FX
	}
	return nil
}

func validateGuardrails(g contracts.Guardrails) error {
	if g.ConfidenceThreshold < 0 || g.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold: need a fraction in [0, 1], got %v", g.ConfidenceThreshold)
	}
	if g.MaxDailyAdjustments < 0 {
		return fmt.Errorf("max_daily_adjustments: must be non-negative")
	}
	for _, pair := range []struct {
		name string
		v    float64
	}{
		{"max_budget_reallocation_fraction_per_day", g.MaxBudgetReallocationFractionPerDay},
		{"max_single_budget_increase_fraction", g.MaxSingleBudgetIncreaseFraction},
		{"major_change_fraction", g.MajorChangeFraction},
	} {
		if pair.v < 0 || pair.v > 1 {
			return fmt.Errorf("%s: need a fraction in [0, 1], got %v", pair.name, pair.v)
		}
	}
	switch g.AutomationLevel {
	case contracts.AutomationAdvisory, contracts.AutomationSemi, contracts.AutomationFull, "":
	default:
		return fmt.Errorf("automation_level: need ADVISORY, SEMI, or FULL, got %q", g.AutomationLevel)
	}
	for platform, ceiling := range g.PlatformCeilings {
		if ceiling < 0 {
			return fmt.Errorf("platform_ceilings[%s]: must be non-negative", platform)
		}
	}
	return nil
}
