package internal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hhi/onbalansmarkt-bridge/internal/clients"
	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
	"github.com/hhi/onbalansmarkt-bridge/internal/events"
)

// SendNow delivers the last known measurement immediately, regardless of the
// zero-result policy. Unlike the scheduled paths it surfaces every failure,
// including the configuration-missing cases, so the initiating action can
// report them.
func (r *Reporter) SendNow(ctx context.Context) error {
	_, err := r.deliver(ctx, false, true)
	return err
}

// deliver is the single delivery path shared by the scheduled loop, the
// immediate send on ingest, and the manual send. enforcePolicy applies the
// zero-result skip; manual only marks the emitted send result event.
//
// The returned bool reports whether a send actually happened; a policy skip
// is (false, nil).
func (r *Reporter) deliver(ctx context.Context, enforcePolicy, manual bool) (bool, error) {
	r.mu.RLock()
	client := r.client
	settings := r.settings
	r.mu.RUnlock()

	if client == nil {
		return false, ErrNoCredential
	}

	m, ok := r.store.Current()
	if !ok {
		return false, ErrNoMeasurement
	}

	if enforcePolicy && m.DailyEarned.IsZero() && !settings.Schedule.ReportZeroResults {
		r.lg.Debug("zero day result, send suppressed by policy")
		return false, nil
	}

	sub := buildSubmission(m, settings)

	if r.dryRun {
		r.lg.Info("dry run, measurement not transmitted",
			zap.Time("timestamp", sub.Timestamp),
			zap.String("battery_result", sub.DailyResult.String()),
			zap.String("battery_result_total", sub.TotalResult.String()))
		r.recordSendSuccess(manual, "dry run")
		return true, nil
	}

	resp, err := client.SubmitMeasurement(ctx, sub)
	if err != nil {
		r.bus.Publish(events.Event{SendResult: &events.SendResult{
			At:     r.nowFunc(),
			OK:     false,
			Manual: manual,
			Detail: err.Error(),
		}})
		return false, err
	}

	r.lg.Info("measurement sent",
		zap.Time("timestamp", sub.Timestamp),
		zap.String("battery_result", sub.DailyResult.String()),
		zap.String("battery_result_total", sub.TotalResult.String()),
		zap.String("response", resp))

	r.recordSendSuccess(manual, resp)
	return true, nil
}

func (r *Reporter) recordSendSuccess(manual bool, detail string) {
	now := r.nowFunc()
	stamp := now.Format(time.RFC3339)

	r.mu.Lock()
	r.lastSent = now
	r.values[DisplayLastReportAt] = stamp
	r.mu.Unlock()

	r.publishDisplay(DisplayLastReportAt, stamp)
	r.bus.Publish(events.Event{SendResult: &events.SendResult{
		At:     now,
		OK:     true,
		Manual: manual,
		Detail: detail,
	}})
}

// buildSubmission renders the measurement in wire form. The configured
// offset lands on the lifetime total here and only here; the stored
// measurement never carries it. Zero numerics, false booleans, and an empty
// mode stay off the wire entirely.
func buildSubmission(m domain.Measurement, settings domain.Settings) clients.Submission {
	sub := clients.Submission{
		Timestamp:   m.Timestamp,
		DailyResult: m.DailyEarned,
		TotalResult: m.TotalEarned.Add(settings.TotalOffset),
		Mode:        settings.Mode,
	}

	if !m.DailyCharged.IsZero() {
		charged := m.DailyCharged
		sub.DailyCharged = &charged
	}
	if !m.DailyDischarged.IsZero() {
		discharged := m.DailyDischarged
		sub.DailyDischarged = &discharged
	}
	if !m.BatteryPercentage.IsZero() {
		pct := m.BatteryPercentage
		sub.BatteryPercentage = &pct
	}
	if m.CycleCount > 0 {
		cycles := m.CycleCount
		sub.CycleCount = &cycles
	}
	if m.LoadBalancingActive {
		active := true
		sub.LoadBalancingActive = &active
	}

	return sub
}
