// Package normalize folds heterogeneous raw adapter metrics into canonical
// MetricSamples. It is a pure function of adapter output plus the FX table;
// it owns no persistent state.
package normalize

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/text/currency"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// FXTable maps billing currencies to the canonical currency at a daily rate.
// Rates express canonical major units per one major unit of the source
// currency.
type FXTable struct {
	Base  string             `json:"base" yaml:"base"`
	Rates map[string]float64 `json:"rates" yaml:"rates"`
	AsOf  time.Time          `json:"as_of" yaml:"as_of"`
}

// DefaultFXTable returns an identity table for a USD-canonical deployment.
func DefaultFXTable() FXTable {
	return FXTable{Base: "USD", Rates: map[string]float64{"USD": 1.0}}
}

// MinorUnitDigits returns the number of minor-unit digits for an ISO 4217
// code (2 for USD, 0 for JPY).
func MinorUnitDigits(code string) (int, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("invalid currency %q: %w", code, err)
	}
	scale, _ := currency.Cash.Rounding(unit)
	return scale, nil
}

// Convert translates an amount in minor units of `from` into minor units of
// the canonical currency, rounding half away from zero. Unknown currencies
// are a VALIDATION error, never silent truncation.
func (t FXTable) Convert(amount int64, from string) (int64, error) {
	if from == t.Base {
		return amount, nil
	}
	rate, ok := t.Rates[from]
	if !ok {
		return 0, fmt.Errorf("no FX rate for %q as of %s", from, t.AsOf.Format("2006-01-02"))
	}
	srcDigits, err := MinorUnitDigits(from)
	if err != nil {
		return 0, err
	}
	dstDigits, err := MinorUnitDigits(t.Base)
	if err != nil {
		return 0, err
	}
	major := float64(amount) / math.Pow10(srcDigits)
	converted := major * rate * math.Pow10(dstDigits)
	return int64(math.Round(converted)), nil
}

// Normalize converts raw samples into canonical MetricSamples. The seen map
// (campaign ref string -> last observation time) is owned by the caller;
// campaigns absent from it are flagged NewlySeen and existing entries carry
// their previous observation forward as LastSeenAt.
func Normalize(raw []contracts.RawSample, fx FXTable, seen map[string]time.Time, now time.Time) ([]contracts.MetricSample, error) {
	out := make([]contracts.MetricSample, 0, len(raw))
	for _, r := range raw {
		spend, err := fx.Convert(r.Spend, r.Currency)
		if err != nil {
			return nil, contracts.NewAdapterError(contracts.ErrValidation, r.Campaign.Platform,
				fmt.Errorf("sample for %s: %w", r.Campaign, err))
		}
		revenue, err := fx.Convert(r.Revenue, r.Currency)
		if err != nil {
			return nil, contracts.NewAdapterError(contracts.ErrValidation, r.Campaign.Platform,
				fmt.Errorf("sample for %s: %w", r.Campaign, err))
		}

		key := r.Campaign.String()
		lastSeen, ok := seen[key]
		sample := contracts.MetricSample{
			Campaign:    r.Campaign,
			SampleTime:  r.SampleTime,
			Impressions: r.Impressions,
			Clicks:      r.Clicks,
			Spend:       spend,
			Conversions: r.Conversions,
			Revenue:     revenue,
			NewlySeen:   !ok,
			LastSeenAt:  lastSeen,
		}
		if !ok {
			sample.LastSeenAt = now
		}
		out = append(out, sample)
	}
	return out, nil
}
