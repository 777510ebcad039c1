// Package config loads runtime configuration from the environment, an
// optional .env file, and an optional YAML guardrail profile. Platform
// credentials decide the operating mode: a platform with no credentials gets
// the deterministic mock adapter, and a deployment with no credentials at
// all runs fully in mock mode.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/normalize"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel string

	// Storage. Empty DatabaseURL selects the in-memory store; a postgres://
	// URL selects lib/pq; anything else is treated as a SQLite path.
	DatabaseURL string
	RedisURL    string // empty: single-replica local lease

	Timezone          string
	CanonicalCurrency string

	TickInterval         time.Duration
	TickDeadlineFraction float64
	Lookback             time.Duration

	AnalystBaseURL string
	AnalystAPIKey  string
	AnalystModel   string
	AnalystTimeout time.Duration

	Guardrails contracts.Guardrails
	FX         normalize.FXTable

	// PlatformCredentials maps platform -> opaque credential blob. Presence
	// is what matters to mode selection; parsing is adapter-internal.
	PlatformCredentials map[contracts.PlatformID]string

	TelemetryEnabled bool
	OTLPEndpoint     string
	Environment      string
}

// MockMode reports whether no platform has real credentials.
func (c *Config) MockMode() bool {
	return len(c.PlatformCredentials) == 0
}

var credentialEnv = map[contracts.PlatformID]string{
	contracts.PlatformGoogleAds:   "GOOGLE_ADS_CREDENTIALS",
	contracts.PlatformMetaAds:     "META_ADS_CREDENTIALS",
	contracts.PlatformTikTokAds:   "TIKTOK_ADS_CREDENTIALS",
	contracts.PlatformLinkedInAds: "LINKEDIN_ADS_CREDENTIALS",
}

// Load reads configuration. A .env file in the working directory is applied
// first when present; real environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		LogLevel:             envString("LOG_LEVEL", "INFO"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		Timezone:             envString("TIMEZONE", "UTC"),
		CanonicalCurrency:    envString("CANONICAL_CURRENCY", "USD"),
		AnalystBaseURL:       envString("ANALYST_BASE_URL", "https://api.openai.com/v1"),
		AnalystAPIKey:        os.Getenv("ANALYST_API_KEY"),
		AnalystModel:         envString("ANALYST_MODEL", "gpt-4o"),
		Environment:          envString("ENVIRONMENT", "development"),
		OTLPEndpoint:         envString("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled:     envBool("TELEMETRY_ENABLED", false),
		PlatformCredentials:  make(map[contracts.PlatformID]string),
		Guardrails:           contracts.DefaultGuardrails(),
		FX:                   normalize.DefaultFXTable(),
		TickDeadlineFraction: 0.8,
	}

	var err error
	if c.TickInterval, err = envDuration("TICK_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.Lookback, err = envDuration("LOOKBACK_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.AnalystTimeout, err = envDuration("ANALYST_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("TICK_DEADLINE_FRACTION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return nil, fmt.Errorf("TICK_DEADLINE_FRACTION: need a fraction in (0, 1], got %q", v)
		}
		c.TickDeadlineFraction = f
	}

	if err := loadGuardrailEnv(&c.Guardrails); err != nil {
		return nil, err
	}

	for platform, key := range credentialEnv {
		if v := os.Getenv(key); v != "" {
			c.PlatformCredentials[platform] = v
		}
	}

	if path := os.Getenv("GUARDRAIL_PROFILE"); path != "" {
		if err := ApplyProfile(c, path); err != nil {
			return nil, fmt.Errorf("guardrail profile %s: %w", path, err)
		}
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	c.FX.Base = c.CanonicalCurrency
	return c, nil
}

// Location resolves the rollover timezone. Load already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func loadGuardrailEnv(g *contracts.Guardrails) error {
	var err error
	if g.ConfidenceThreshold, err = envFloat("CONFIDENCE_THRESHOLD", g.ConfidenceThreshold); err != nil {
		return err
	}
	if g.MaxDailyAdjustments, err = envInt("MAX_DAILY_ADJUSTMENTS", g.MaxDailyAdjustments); err != nil {
		return err
	}
	if g.MaxBudgetReallocationFractionPerDay, err = envFloat("MAX_BUDGET_REALLOCATION_FRACTION_PER_DAY", g.MaxBudgetReallocationFractionPerDay); err != nil {
		return err
	}
	if g.MaxSingleBudgetIncreaseFraction, err = envFloat("MAX_SINGLE_BUDGET_INCREASE_FRACTION", g.MaxSingleBudgetIncreaseFraction); err != nil {
		return err
	}
	if g.MinCampaignRuntimeHours, err = envInt("MIN_CAMPAIGN_RUNTIME_HOURS_BEFORE_PAUSE", g.MinCampaignRuntimeHours); err != nil {
		return err
	}
	if g.MajorChangeFraction, err = envFloat("MAJOR_CHANGE_FRACTION", g.MajorChangeFraction); err != nil {
		return err
	}
	if g.ApprovalTTL, err = envDuration("APPROVAL_TTL", g.ApprovalTTL); err != nil {
		return err
	}
	if v := os.Getenv("AUTOMATION_LEVEL"); v != "" {
		switch level := contracts.AutomationLevel(strings.ToUpper(v)); level {
		case contracts.AutomationAdvisory, contracts.AutomationSemi, contracts.AutomationFull:
			g.AutomationLevel = level
		default:
			return fmt.Errorf("AUTOMATION_LEVEL: need ADVISORY, SEMI, or FULL, got %q", v)
		}
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
