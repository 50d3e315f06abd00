// Package domain defines core data structures shared across the bridge.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Measurement is one snapshot of battery trading telemetry. Exactly one
// Measurement is current per instance; a newer one replaces it wholesale.
type Measurement struct {
	Timestamp time.Time
	// DailyEarned trading result of the current day, EUR. May be negative.
	DailyEarned decimal.Decimal
	// TotalEarned lifetime trading result, EUR, without the configured offset.
	TotalEarned decimal.Decimal
	// DailyCharged energy charged today, kWh.
	DailyCharged decimal.Decimal
	// DailyDischarged energy discharged today, kWh.
	DailyDischarged decimal.Decimal
	// BatteryPercentage state of charge, 0-100.
	BatteryPercentage decimal.Decimal
	// CycleCount full charge cycles reported by the vendor.
	CycleCount int
	// LoadBalancingActive whether the battery is currently capped by load balancing.
	LoadBalancingActive bool
}

// MetricPayload is the inbound telemetry event as pushed by the vendor
// integration. Every field is optional on the wire.
type MetricPayload struct {
	DailyEarned         *decimal.Decimal `json:"daily_earned,omitempty"`
	TotalEarned         *decimal.Decimal `json:"total_earned,omitempty"`
	DailyCharged        *decimal.Decimal `json:"daily_charged,omitempty"`
	DailyDischarged     *decimal.Decimal `json:"daily_discharged,omitempty"`
	BatteryPercentage   *decimal.Decimal `json:"battery_percentage,omitempty"`
	CycleCount          *int             `json:"cycle_count,omitempty"`
	LoadBalancingActive *bool            `json:"load_balancing_active,omitempty"`
	Timestamp           *time.Time       `json:"timestamp,omitempty"`
}

// Measurement materializes the payload, filling absent numerics with zero,
// absent booleans with false and an absent timestamp with now.
func (p MetricPayload) Measurement(now time.Time) Measurement {
	m := Measurement{Timestamp: now}

	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		m.Timestamp = *p.Timestamp
	}
	if p.DailyEarned != nil {
		m.DailyEarned = *p.DailyEarned
	}
	if p.TotalEarned != nil {
		m.TotalEarned = *p.TotalEarned
	}
	if p.DailyCharged != nil {
		m.DailyCharged = *p.DailyCharged
	}
	if p.DailyDischarged != nil {
		m.DailyDischarged = *p.DailyDischarged
	}
	if p.BatteryPercentage != nil {
		m.BatteryPercentage = *p.BatteryPercentage
	}
	if p.CycleCount != nil {
		m.CycleCount = *p.CycleCount
	}
	if p.LoadBalancingActive != nil {
		m.LoadBalancingActive = *p.LoadBalancingActive
	}

	return m
}
