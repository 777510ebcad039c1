package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// Mock serves deterministic in-memory fixtures so the engine can be
// exercised end-to-end with no external dependency. Used when a platform's
// credentials are absent. Every response advertises MockData.
type Mock struct {
	mu        sync.Mutex
	platform  contracts.PlatformID
	currency  string
	campaigns map[string]*contracts.Campaign
	order     []string
	idemSeen  map[string]contracts.Campaign
	clock     func() time.Time
	failWith  error // when set, every call fails with this error
}

// NewMock creates a mock adapter with a deterministic fixture of campaigns
// seeded from the platform name.
func NewMock(platform contracts.PlatformID) *Mock {
	m := &Mock{
		platform:  platform,
		currency:  "USD",
		campaigns: make(map[string]*contracts.Campaign),
		idemSeen:  make(map[string]contracts.Campaign),
		clock:     time.Now,
	}
	m.seed()
	return m
}

// WithClock overrides the clock for deterministic tests.
func (m *Mock) WithClock(clock func() time.Time) *Mock {
	m.clock = clock
	m.campaigns = make(map[string]*contracts.Campaign)
	m.order = nil
	m.seed()
	return m
}

// WithCurrency sets the fixture's billing currency.
func (m *Mock) WithCurrency(code string) *Mock {
	m.currency = code
	return m
}

// FailWith makes every subsequent call return err. Pass nil to recover.
// Used to simulate outages in tests.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Seed campaigns: budgets and ages vary per platform but are stable across
// runs for the same platform tag.
func (m *Mock) seed() {
	now := m.clock().UTC()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("%s-%03d", shortTag(m.platform), i+1)
		h := fixtureHash(string(m.platform), id)
		budget := int64(5000 + h%20000) // $50 .. $250 per day
		ageHours := 24 + int(h%400)
		c := &contracts.Campaign{
			Ref:         contracts.CampaignRef{Platform: m.platform, ExternalID: id},
			Name:        fmt.Sprintf("%s fixture %d", m.platform, i+1),
			Status:      contracts.StatusEnabled,
			DailyBudget: budget,
			Objective:   "CONVERSIONS",
			CreatedAt:   now.Add(-time.Duration(ageHours) * time.Hour),
			UpdatedAt:   now,
			MockData:    true,
		}
		m.campaigns[id] = c
		m.order = append(m.order, id)
	}
}

func shortTag(p contracts.PlatformID) string {
	switch p {
	case contracts.PlatformGoogleAds:
		return "G"
	case contracts.PlatformMetaAds:
		return "M"
	case contracts.PlatformTikTokAds:
		return "T"
	case contracts.PlatformLinkedInAds:
		return "L"
	}
	return "X"
}

func fixtureHash(parts ...string) uint64 {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func (m *Mock) Platform() contracts.PlatformID { return m.platform }

func (m *Mock) ListCampaigns(ctx context.Context, since *time.Time) ([]contracts.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]contracts.Campaign, 0, len(m.order))
	for _, id := range m.order {
		c := *m.campaigns[id]
		if since != nil && c.UpdatedAt.Before(*since) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Mock) GetPerformance(ctx context.Context, r DateRange, ids []string) ([]contracts.RawSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	filter := map[string]bool{}
	for _, id := range ids {
		filter[id] = true
	}

	keys := make([]string, 0, len(m.campaigns))
	for id := range m.campaigns {
		if len(filter) > 0 && !filter[id] {
			continue
		}
		keys = append(keys, id)
	}
	sort.Strings(keys)

	hours := int64(r.End.Sub(r.Start).Hours())
	if hours < 1 {
		hours = 1
	}

	out := make([]contracts.RawSample, 0, len(keys))
	for _, id := range keys {
		c := m.campaigns[id]
		if c.Status == contracts.StatusRemoved {
			continue
		}
		// Deterministic in (campaign, range): replaying a window yields
		// identical samples.
		h := fixtureHash(string(m.platform), id, r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
		impressions := int64(h%5000+500) * hours
		clicks := impressions / int64(20+h%60)
		spend := min64(c.DailyBudget*hours/24, clicks*int64(30+h%200))
		conversions := clicks / int64(10+h%30)
		revenue := spend * int64(h%45) / 10 // ROAS 0.0 .. 4.4
		out = append(out, contracts.RawSample{
			Campaign:    c.Ref,
			SampleTime:  r.End,
			Currency:    m.currency,
			Impressions: impressions,
			Clicks:      clicks,
			Spend:       spend,
			Conversions: conversions,
			Revenue:     revenue,
			MockData:    true,
		})
	}
	return out, nil
}

func (m *Mock) UpdateBudget(ctx context.Context, id string, newDailyBudget int64, idemKey string) (contracts.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return contracts.Campaign{}, m.failWith
	}
	if prev, ok := m.idemSeen[idemKey]; ok && idemKey != "" {
		return prev, nil
	}
	c, ok := m.campaigns[id]
	if !ok {
		return contracts.Campaign{}, contracts.NewAdapterError(contracts.ErrNotFound, m.platform,
			fmt.Errorf("campaign %s", id))
	}
	if newDailyBudget <= 0 {
		return contracts.Campaign{}, contracts.NewAdapterError(contracts.ErrValidation, m.platform,
			fmt.Errorf("daily budget must be positive, got %d", newDailyBudget))
	}
	c.DailyBudget = newDailyBudget
	c.UpdatedAt = m.clock().UTC()
	confirmed := *c
	if idemKey != "" {
		m.idemSeen[idemKey] = confirmed
	}
	return confirmed, nil
}

func (m *Mock) SetStatus(ctx context.Context, id string, status contracts.CampaignStatus, idemKey string) (contracts.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return contracts.Campaign{}, m.failWith
	}
	if prev, ok := m.idemSeen[idemKey]; ok && idemKey != "" {
		return prev, nil
	}
	c, ok := m.campaigns[id]
	if !ok {
		return contracts.Campaign{}, contracts.NewAdapterError(contracts.ErrNotFound, m.platform,
			fmt.Errorf("campaign %s", id))
	}
	if status != contracts.StatusEnabled && status != contracts.StatusPaused {
		return contracts.Campaign{}, contracts.NewAdapterError(contracts.ErrValidation, m.platform,
			fmt.Errorf("cannot set status %s", status))
	}
	c.Status = status
	c.UpdatedAt = m.clock().UTC()
	confirmed := *c
	if idemKey != "" {
		m.idemSeen[idemKey] = confirmed
	}
	return confirmed, nil
}

func (m *Mock) Health(ctx context.Context) HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := HealthStatus{OK: true, MockData: true, CheckedAt: m.clock().UTC()}
	if m.failWith != nil {
		status.OK = false
		status.Detail = m.failWith.Error()
	}
	return status
}

// SeedCampaign installs or replaces a fixture campaign. Test hook.
func (m *Mock) SeedCampaign(c contracts.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := c.Ref.ExternalID
	if _, exists := m.campaigns[id]; !exists {
		m.order = append(m.order, id)
	}
	c.MockData = true
	cc := c
	m.campaigns[id] = &cc
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
