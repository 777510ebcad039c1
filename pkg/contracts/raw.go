package contracts

import "time"

// RawSample is adapter output before currency normalisation. Quantities are
// already in canonical units (the adapter converts micros, fen, etc. on its
// boundary) but monetary fields are still in the platform's billing currency.
type RawSample struct {
	Campaign    CampaignRef `json:"campaign"`
	SampleTime  time.Time   `json:"sample_time"`
	Currency    string      `json:"currency"` // ISO 4217
	Impressions int64       `json:"impressions"`
	Clicks      int64       `json:"clicks"`
	Spend       int64       `json:"spend"`   // minor units of Currency
	Conversions int64       `json:"conversions"`
	Revenue     int64       `json:"revenue"` // minor units of Currency
	MockData    bool        `json:"mock_data,omitempty"`
}
