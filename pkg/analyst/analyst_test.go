package analyst

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func testClock() func() time.Time {
	return func() time.Time { return testNow }
}

func enabledCampaign(id string, budget int64) contracts.Campaign {
	return contracts.Campaign{
		Ref:         contracts.CampaignRef{Platform: contracts.PlatformGoogleAds, ExternalID: id},
		Name:        "campaign " + id,
		Status:      contracts.StatusEnabled,
		DailyBudget: budget,
		CreatedAt:   testNow.Add(-200 * time.Hour),
		UpdatedAt:   testNow,
	}
}

func sample(c contracts.Campaign, at time.Time, spend, revenue, conversions, clicks int64) contracts.MetricSample {
	return contracts.MetricSample{
		Campaign:    c.Ref,
		SampleTime:  at,
		Impressions: clicks * 20,
		Clicks:      clicks,
		Spend:       spend,
		Conversions: conversions,
		Revenue:     revenue,
	}
}

func TestFingerprintStable(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	req := Request{
		TickID:              "tick-1",
		WindowFrom:          testNow.Add(-24 * time.Hour),
		WindowTo:            testNow,
		Campaigns:           []CampaignSnapshot{{Campaign: c, Samples: []contracts.MetricSample{sample(c, testNow, 100, 200, 1, 10)}}},
		ConfidenceThreshold: 0.85,
		MajorChangeFraction: 0.20,
		AdjustmentsLeft:     20,
	}

	a, err := req.Fingerprint()
	require.NoError(t, err)
	b, err := req.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "sha256:")

	// A new tick ID over identical inputs keeps the same fingerprint, so a
	// replayed analysis can be detected across ticks.
	req.TickID = "tick-2"
	sameTick, err := req.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, a, sameTick)

	// A content change must move it.
	req.Campaigns[0].Samples[0].Spend = 101
	c2, err := req.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, a, c2)
}

func TestCannedPausesZeroConversionBurn(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	req := Request{Campaigns: []CampaignSnapshot{{
		Campaign: c,
		Samples:  []contracts.MetricSample{sample(c, testNow, 5000, 0, 0, 100)},
	}}}

	resp, err := NewCanned().WithClock(testClock()).Analyze(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Proposals, 1)

	p := resp.Proposals[0]
	assert.Equal(t, contracts.KindPause, p.Kind)
	assert.Equal(t, contracts.StatusPaused, p.ToState.Status)
	assert.Equal(t, c.DailyBudget, p.ToState.DailyBudget)
	assert.InDelta(t, 0.92, p.Confidence, 1e-9)
	assert.NotEmpty(t, p.ID)
}

func TestCannedScalesBudgetByROAS(t *testing.T) {
	strong := enabledCampaign("G-001", 10000)
	weakc := enabledCampaign("G-002", 8000)
	req := Request{Campaigns: []CampaignSnapshot{
		{Campaign: strong, Samples: []contracts.MetricSample{sample(strong, testNow, 1000, 4000, 10, 50)}},
		{Campaign: weakc, Samples: []contracts.MetricSample{sample(weakc, testNow, 1000, 500, 2, 50)}},
	}}

	resp, err := NewCanned().WithClock(testClock()).Analyze(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Proposals, 2)

	up := resp.Proposals[0]
	assert.Equal(t, contracts.KindIncreaseBudget, up.Kind)
	assert.Equal(t, int64(11500), up.ToState.DailyBudget)

	down := resp.Proposals[1]
	assert.Equal(t, contracts.KindDecreaseBudget, down.Kind)
	assert.Equal(t, int64(6800), down.ToState.DailyBudget)
}

func TestCannedSkipsPausedCampaigns(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	c.Status = contracts.StatusPaused
	req := Request{Campaigns: []CampaignSnapshot{{
		Campaign: c,
		Samples:  []contracts.MetricSample{sample(c, testNow, 5000, 0, 0, 100)},
	}}}

	resp, err := NewCanned().WithClock(testClock()).Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Proposals)
	assert.Equal(t, contracts.HealthFair, resp.OverallHealth)
}

func TestCannedHealthPoorWhenHalfWeak(t *testing.T) {
	weak1 := enabledCampaign("G-001", 10000)
	healthy := enabledCampaign("G-002", 10000)
	req := Request{Campaigns: []CampaignSnapshot{
		{Campaign: weak1, Samples: []contracts.MetricSample{sample(weak1, testNow, 2000, 0, 0, 40)}},
		{Campaign: healthy, Samples: []contracts.MetricSample{sample(healthy, testNow, 1000, 2000, 5, 30)}},
	}}

	resp, err := NewCanned().WithClock(testClock()).Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthPoor, resp.OverallHealth)
}

func TestCannedCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCanned().WithClock(testClock()).Analyze(ctx, Request{})
	assert.Equal(t, contracts.ErrAnalystTimeout, contracts.KindOf(err))
}

func TestDetectSignalsROASDrop(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	samples := []contracts.MetricSample{
		sample(c, testNow.Add(-3*time.Hour), 1000, 3000, 5, 30),
		sample(c, testNow.Add(-2*time.Hour), 1000, 3000, 5, 30),
		sample(c, testNow, 1000, 500, 1, 30), // ROAS 0.5 vs average 3.0
	}

	alerts := DetectSignals(c, samples)
	require.Len(t, alerts, 1)
	assert.Equal(t, SignalROASDrop, alerts[0].Signal)
	assert.Equal(t, "WARNING", alerts[0].Severity)
}

func TestDetectSignalsZeroConversions(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	samples := []contracts.MetricSample{
		sample(c, testNow.Add(-time.Hour), 400, 0, 0, 10),
		sample(c, testNow, 400, 0, 0, 10),
	}

	alerts := DetectSignals(c, samples)
	require.Len(t, alerts, 1)
	assert.Equal(t, SignalZeroConversions, alerts[0].Signal)
}

func TestDetectSignalsCPCSpike(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	samples := []contracts.MetricSample{
		sample(c, testNow.Add(-2*time.Hour), 1000, 2000, 5, 100), // CPC 10
		sample(c, testNow.Add(-1*time.Hour), 1000, 2000, 5, 100),
		sample(c, testNow, 2500, 5000, 5, 100), // CPC 25
	}

	alerts := DetectSignals(c, samples)
	require.Len(t, alerts, 1)
	assert.Equal(t, SignalCPCSpike, alerts[0].Signal)
}

func TestDetectSignalsNeedsHistory(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	assert.Nil(t, DetectSignals(c, []contracts.MetricSample{sample(c, testNow, 5000, 0, 0, 10)}))

	paused := c
	paused.Status = contracts.StatusPaused
	assert.Nil(t, DetectSignals(paused, []contracts.MetricSample{
		sample(c, testNow.Add(-time.Hour), 5000, 0, 0, 10),
		sample(c, testNow, 5000, 0, 0, 10),
	}))
}

func TestDetectSignalsUnsortedInput(t *testing.T) {
	c := enabledCampaign("G-001", 10000)
	// Latest sample first; the detector must sort before splitting history.
	samples := []contracts.MetricSample{
		sample(c, testNow, 1000, 400, 1, 30),
		sample(c, testNow.Add(-2*time.Hour), 1000, 3000, 5, 30),
		sample(c, testNow.Add(-3*time.Hour), 1000, 3000, 5, 30),
	}

	alerts := DetectSignals(c, samples)
	require.Len(t, alerts, 1)
	assert.Equal(t, SignalROASDrop, alerts[0].Signal)
}

func TestParseResponseValid(t *testing.T) {
	raw := []byte(`{
		"overall_health": "GOOD",
		"summary": "one adjustment suggested",
		"proposals": [{
			"platform": "google_ads",
			"external_id": "G-001",
			"kind": "DECREASE_BUDGET",
			"from_state": {"status": "ENABLED", "daily_budget": 10000},
			"to_state": {"status": "ENABLED", "daily_budget": 8000},
			"confidence": 0.91,
			"reasoning": "ROAS trending down",
			"expected_impact": {"metric": "spend", "change_percent": -20}
		}],
		"alerts": [{
			"platform": "meta_ads",
			"external_id": "M-001",
			"signal": "CPC_SPIKE",
			"severity": "WARNING",
			"detail": "CPC doubled"
		}]
	}`)

	resp, err := ParseResponse(raw, testNow)
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthGood, resp.OverallHealth)
	require.Len(t, resp.Proposals, 1)

	p := resp.Proposals[0]
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, contracts.KindDecreaseBudget, p.Kind)
	assert.Equal(t, contracts.PlatformGoogleAds, p.Campaign.Platform)
	assert.Equal(t, int64(8000), p.ToState.DailyBudget)
	assert.Equal(t, testNow, p.ProducedAt)

	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, "CPC_SPIKE", resp.Alerts[0].Signal)
}

func TestParseResponseMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"overall_health": `,
		"unknown kind":   `{"overall_health":"GOOD","summary":"s","proposals":[{"platform":"google_ads","external_id":"G-001","kind":"DELETE","from_state":{"status":"ENABLED","daily_budget":1},"to_state":{"status":"ENABLED","daily_budget":1},"confidence":0.9,"reasoning":"r"}]}`,
		"bad platform":   `{"overall_health":"GOOD","summary":"s","proposals":[{"platform":"bing_ads","external_id":"B-001","kind":"PAUSE","from_state":{"status":"ENABLED","daily_budget":1},"to_state":{"status":"PAUSED","daily_budget":1},"confidence":0.9,"reasoning":"r"}]}`,
		"confidence > 1": `{"overall_health":"GOOD","summary":"s","proposals":[{"platform":"google_ads","external_id":"G-001","kind":"PAUSE","from_state":{"status":"ENABLED","daily_budget":1},"to_state":{"status":"PAUSED","daily_budget":1},"confidence":1.5,"reasoning":"r"}]}`,
		"missing health": `{"summary":"s","proposals":[]}`,
		"bad health":     `{"overall_health":"AMAZING","summary":"s","proposals":[]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse([]byte(raw), testNow)
			require.Error(t, err)
			assert.Equal(t, contracts.ErrAnalystMalformed, contracts.KindOf(err))
		})
	}
}

func TestParseResponseEmptyProposals(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"overall_health":"EXCELLENT","summary":"all quiet","proposals":[]}`), testNow)
	require.NoError(t, err)
	assert.Empty(t, resp.Proposals)
	assert.Equal(t, contracts.HealthExcellent, resp.OverallHealth)
}
