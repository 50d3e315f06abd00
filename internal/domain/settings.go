package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MinSendIntervalMinutes lower bound for the aligned send cadence.
	MinSendIntervalMinutes = 1
	// MaxSendIntervalMinutes one day, the longest supported cadence.
	MaxSendIntervalMinutes = 1440
	// MinPollInterval protects the remote service from hot polling.
	MinPollInterval = 30 * time.Second
	// DefaultPollInterval ranking poll cadence when not configured.
	DefaultPollInterval = 300 * time.Second
)

// ScheduleSettings drive the aligned measurement send loop.
type ScheduleSettings struct {
	// Enabled gates both the scheduled loop and the immediate send on ingest.
	Enabled bool
	// IntervalMinutes cadence between aligned sends.
	IntervalMinutes int
	// StartMinute minute-of-hour offset the cadence is aligned to, 0-59.
	StartMinute int
	// ReportZeroResults when false, a day result of exactly zero is not sent.
	ReportZeroResults bool
}

// Settings is the full runtime-mutable configuration surface of the bridge
// core. The settings layer replaces it wholesale through a patch; the core
// rebuilds its timers from the result.
type Settings struct {
	// Token bearer credential for the leaderboard API. Empty disables
	// delivery and polling.
	Token string
	// PollInterval ranking poll cadence.
	PollInterval time.Duration
	// Schedule aligned send configuration.
	Schedule ScheduleSettings
	// TotalOffset is added to the lifetime result at send time only. It is
	// never merged into stored measurements, so a later change applies to
	// every future send retroactively.
	TotalOffset decimal.Decimal
	// Mode trading strategy label submitted with each measurement.
	Mode TradingMode
}

// Validate checks bounds on the mutable settings.
func (s Settings) Validate() error {
	if s.Schedule.IntervalMinutes < MinSendIntervalMinutes || s.Schedule.IntervalMinutes > MaxSendIntervalMinutes {
		return fmt.Errorf("send interval must be between %d and %d minutes, got %d",
			MinSendIntervalMinutes, MaxSendIntervalMinutes, s.Schedule.IntervalMinutes)
	}
	if s.Schedule.StartMinute < 0 || s.Schedule.StartMinute > 59 {
		return fmt.Errorf("start minute must be between 0 and 59, got %d", s.Schedule.StartMinute)
	}
	if s.PollInterval < MinPollInterval {
		return fmt.Errorf("poll interval must be at least %s, got %s", MinPollInterval, s.PollInterval)
	}
	if s.Mode != "" && !s.Mode.IsConfigurable() {
		return fmt.Errorf("trading mode %q is not configurable", s.Mode)
	}
	return nil
}

// SettingsPatch is a partial settings update as delivered by the settings
// layer. Nil fields keep their current value.
type SettingsPatch struct {
	Token               *string `json:"token,omitempty"`
	PollIntervalSeconds *int    `json:"poll_interval_seconds,omitempty"`
	SendEnabled         *bool   `json:"send_enabled,omitempty"`
	SendIntervalMinutes *int    `json:"send_interval_minutes,omitempty"`
	StartMinute         *int    `json:"start_minute,omitempty"`
	ReportZeroResults   *bool   `json:"report_zero_results,omitempty"`
	TotalOffset         *string `json:"total_offset,omitempty"`
	TradingMode         *string `json:"trading_mode,omitempty"`
}

// Merge applies the patch on top of the current settings and validates the
// result. The receiver is not modified; an invalid patch leaves the caller's
// settings untouched.
func (s Settings) Merge(p SettingsPatch) (Settings, error) {
	out := s

	if p.Token != nil {
		out.Token = *p.Token
	}
	if p.PollIntervalSeconds != nil {
		out.PollInterval = time.Duration(*p.PollIntervalSeconds) * time.Second
	}
	if p.SendEnabled != nil {
		out.Schedule.Enabled = *p.SendEnabled
	}
	if p.SendIntervalMinutes != nil {
		out.Schedule.IntervalMinutes = *p.SendIntervalMinutes
	}
	if p.StartMinute != nil {
		out.Schedule.StartMinute = *p.StartMinute
	}
	if p.ReportZeroResults != nil {
		out.Schedule.ReportZeroResults = *p.ReportZeroResults
	}
	if p.TotalOffset != nil {
		offset, err := decimal.NewFromString(*p.TotalOffset)
		if err != nil {
			return s, fmt.Errorf("invalid total offset %q: %w", *p.TotalOffset, err)
		}
		out.TotalOffset = offset
	}
	if p.TradingMode != nil {
		out.Mode = TradingMode(*p.TradingMode)
	}

	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}
