package analyst

import (
	"fmt"
	"sort"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// Thresholds for local anomaly detection. These run on every tick regardless
// of whether the LLM analyst answered, so a dead analyst endpoint never means
// a blind portfolio.
const (
	roasDropFraction   = 0.5 // latest ROAS below half the window average
	cpcSpikeMultiplier = 2.0 // latest CPC above twice the window average
	minSpendForSignal  = 500 // minor units; ignore noise on tiny spend
)

// DetectSignals computes rule-based alerts from a campaign's sample window.
// Samples may arrive unsorted; the latest sample is compared against the
// average of the rest.
func DetectSignals(c contracts.Campaign, samples []contracts.MetricSample) []Alert {
	if c.Status != contracts.StatusEnabled || len(samples) < 2 {
		return nil
	}

	sorted := make([]contracts.MetricSample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SampleTime.Before(sorted[j].SampleTime)
	})

	latest := sorted[len(sorted)-1]
	history := sorted[:len(sorted)-1]

	var alerts []Alert

	var histSpend, histRevenue, histClicks int64
	var anyConversions bool
	for _, s := range history {
		histSpend += s.Spend
		histRevenue += s.Revenue
		histClicks += s.Clicks
		if s.Conversions > 0 {
			anyConversions = true
		}
	}

	if histSpend >= minSpendForSignal && latest.Spend >= minSpendForSignal {
		histROAS := float64(histRevenue) / float64(histSpend)
		if histROAS > 0 && latest.ROAS() < histROAS*roasDropFraction {
			alerts = append(alerts, Alert{
				Campaign: c.Ref,
				Signal:   SignalROASDrop,
				Severity: "WARNING",
				Detail:   fmt.Sprintf("ROAS %.2f vs window average %.2f", latest.ROAS(), histROAS),
			})
		}
	}

	if !anyConversions && latest.Conversions == 0 && histSpend+latest.Spend >= minSpendForSignal {
		alerts = append(alerts, Alert{
			Campaign: c.Ref,
			Signal:   SignalZeroConversions,
			Severity: "WARNING",
			Detail:   fmt.Sprintf("no conversions across %d samples with spend %d", len(sorted), histSpend+latest.Spend),
		})
	}

	if histClicks > 0 && latest.Clicks > 0 {
		histCPC := float64(histSpend) / float64(histClicks)
		if histCPC > 0 && latest.CPC() > histCPC*cpcSpikeMultiplier {
			alerts = append(alerts, Alert{
				Campaign: c.Ref,
				Signal:   SignalCPCSpike,
				Severity: "WARNING",
				Detail:   fmt.Sprintf("CPC %.0f vs window average %.0f", latest.CPC(), histCPC),
			})
		}
	}

	return alerts
}
