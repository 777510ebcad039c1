package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", c.LogLevel)
	assert.Equal(t, "UTC", c.Timezone)
	assert.Equal(t, "USD", c.CanonicalCurrency)
	assert.Equal(t, 15*time.Minute, c.TickInterval)
	assert.InDelta(t, 0.8, c.TickDeadlineFraction, 1e-9)
	assert.Equal(t, 24*time.Hour, c.Lookback)
	assert.Equal(t, 60*time.Second, c.AnalystTimeout)
	assert.Equal(t, contracts.DefaultGuardrails(), c.Guardrails)
	assert.Equal(t, "USD", c.FX.Base)
	assert.True(t, c.MockMode())
	assert.Equal(t, time.UTC, c.Location())
}

func TestLoadGuardrailEnv(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD", "0.90")
	t.Setenv("MAX_DAILY_ADJUSTMENTS", "10")
	t.Setenv("MIN_CAMPAIGN_RUNTIME_HOURS_BEFORE_PAUSE", "48")
	t.Setenv("MAJOR_CHANGE_FRACTION", "0.10")
	t.Setenv("APPROVAL_TTL", "2h")
	t.Setenv("AUTOMATION_LEVEL", "semi")

	c, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.90, c.Guardrails.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 10, c.Guardrails.MaxDailyAdjustments)
	assert.Equal(t, 48, c.Guardrails.MinCampaignRuntimeHours)
	assert.InDelta(t, 0.10, c.Guardrails.MajorChangeFraction, 1e-9)
	assert.Equal(t, 2*time.Hour, c.Guardrails.ApprovalTTL)
	assert.Equal(t, contracts.AutomationSemi, c.Guardrails.AutomationLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"TICK_INTERVAL":          "not-a-duration",
		"TICK_DEADLINE_FRACTION": "1.5",
		"AUTOMATION_LEVEL":       "YOLO",
		"TIMEZONE":               "Mars/Olympus_Mons",
		"MAX_DAILY_ADJUSTMENTS":  "many",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadNegativeDurationRejected(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "-5m")
	_, err := Load()
	assert.Error(t, err)
}

func TestMockModeTracksCredentials(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.True(t, c.MockMode())

	t.Setenv("GOOGLE_ADS_CREDENTIALS", `{"developer_token":"x"}`)
	c, err = Load()
	require.NoError(t, err)
	assert.False(t, c.MockMode())
	assert.Contains(t, c.PlatformCredentials, contracts.PlatformGoogleAds)
	assert.NotContains(t, c.PlatformCredentials, contracts.PlatformMetaAds)
}

func TestApplyProfileOverlaysGuardrails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	profile := `
guardrails:
  confidence_threshold: 0.92
  max_daily_adjustments: 8
  max_budget_reallocation_fraction_per_day: 0.20
  max_single_budget_increase_fraction: 0.25
  min_campaign_runtime_hours_before_pause: 96
  major_change_fraction: 0.15
  approval_ttl: 2h
  automation_level: SEMI
  platform_ceilings:
    google_ads: 5000000
  per_campaign:
    "google_ads:G-001":
      confidence_threshold: 0.97
fx:
  rates:
    EUR: 1.08
    JPY: 0.0068
`
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o644))
	t.Setenv("GUARDRAIL_PROFILE", path)

	c, err := Load()
	require.NoError(t, err)

	g := c.Guardrails
	assert.InDelta(t, 0.92, g.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 8, g.MaxDailyAdjustments)
	assert.Equal(t, 96, g.MinCampaignRuntimeHours)
	assert.Equal(t, 2*time.Hour, g.ApprovalTTL)
	assert.Equal(t, contracts.AutomationSemi, g.AutomationLevel)
	assert.Equal(t, int64(5000000), g.PlatformCeilings[contracts.PlatformGoogleAds])

	ref := contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: "G-001"}
	assert.InDelta(t, 0.97, g.ConfidenceThresholdFor(ref), 1e-9)

	// FX section applied with the canonical currency as base.
	assert.Equal(t, "USD", c.FX.Base)
	assert.InDelta(t, 1.08, c.FX.Rates["EUR"], 1e-9)
}

func TestApplyProfileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	for name, body := range map[string]string{
		"bad_fraction": "guardrails:\n  confidence_threshold: 1.5\n",
		"bad_level":    "guardrails:\n  confidence_threshold: 0.9\n  automation_level: YOLO\n",
		"not_yaml":     "guardrails: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			assert.Error(t, ApplyProfile(&Config{CanonicalCurrency: "USD"}, path))
		})
	}

	assert.Error(t, ApplyProfile(&Config{}, filepath.Join(dir, "missing.yaml")))
}

func TestApplyProfileOmittedSectionsKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fx-only.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fx:\n  rates:\n    EUR: 1.10\n"), 0o644))

	c := &Config{CanonicalCurrency: "USD", Guardrails: contracts.DefaultGuardrails()}
	require.NoError(t, ApplyProfile(c, path))
	assert.Equal(t, contracts.DefaultGuardrails(), c.Guardrails)
	assert.InDelta(t, 1.10, c.FX.Rates["EUR"], 1e-9)
}
