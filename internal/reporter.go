// Package internal wires the bridge core: it ingests vendor telemetry,
// persists the latest measurement, schedules deliveries to the leaderboard,
// polls rankings, and publishes display values for the UI layers.
package internal

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hhi/onbalansmarkt-bridge/internal/clients"
	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
	"github.com/hhi/onbalansmarkt-bridge/internal/events"
	"github.com/hhi/onbalansmarkt-bridge/internal/scheduler"
)

// Display value names published to the UI layers.
const (
	DisplayDailyEarned         = "daily_earned"
	DisplayTotalEarned         = "total_earned"
	DisplayDailyCharged        = "daily_charged"
	DisplayDailyDischarged     = "daily_discharged"
	DisplayBatteryPercentage   = "battery_percentage"
	DisplayCycleCount          = "cycle_count"
	DisplayLoadBalancingActive = "load_balancing_active"
	DisplayCountdownMinutes    = "countdown_minutes"
	DisplayOverallRank         = "overall_rank"
	DisplayProviderRank        = "provider_rank"
	DisplayLastReportAt        = "last_report_at"
)

var (
	// ErrNoMeasurement no vendor telemetry has arrived yet; sending would
	// fabricate data.
	ErrNoMeasurement = errors.New("no measurement received yet")
	// ErrNoCredential the leaderboard token is not configured.
	ErrNoCredential = errors.New("no api token configured")
)

// remoteAPI is what the delivery and poll paths need from the leaderboard
// client.
type remoteAPI interface {
	SubmitMeasurement(ctx context.Context, sub clients.Submission) (string, error)
	FetchProfile(ctx context.Context) (*clients.Profile, error)
}

// measurementStore is the durable slot holding the latest measurement.
type measurementStore interface {
	Set(m domain.Measurement) error
	Current() (domain.Measurement, bool)
}

// Reporter is the bridge core. One instance per bridge process; all entry
// points are safe for concurrent use.
type Reporter struct {
	lg    *zap.Logger
	store measurementStore
	bus   *events.Bus
	sched *scheduler.Scheduler

	// newClient rebuilds the API client when the token changes.
	newClient func(token string) remoteAPI

	mu       sync.RWMutex
	runCtx   context.Context
	started  bool
	settings domain.Settings
	client   remoteAPI
	ranking  domain.RankingSnapshot
	lastSent time.Time
	values   map[string]string

	dryRun  bool
	nowFunc func() time.Time
}

// NewReporter assembles the core around the given store and event bus. The
// scheduler loops stay idle until Start. With dryRun set, deliveries run the
// full path but skip the actual network call.
func NewReporter(lg *zap.Logger, store measurementStore, bus *events.Bus, apiBaseURL string, settings domain.Settings, dryRun bool) *Reporter {
	r := &Reporter{
		lg:      lg,
		store:   store,
		bus:     bus,
		values:  make(map[string]string),
		dryRun:  dryRun,
		nowFunc: time.Now,
	}

	r.newClient = func(token string) remoteAPI {
		return clients.NewLeaderboardClient(apiBaseURL, token)
	}

	r.settings = settings
	if settings.Token != "" {
		r.client = r.newClient(settings.Token)
	}

	r.sched = scheduler.New(lg, r.scheduledSend, r.pollRanking, r.publishCountdown)

	return r
}

// Start brings the loops up and, when a measurement survived the restart,
// republishes its display values so dashboards are not blank until the next
// vendor push. ctx bounds the lifetime of all scheduled work.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	r.started = true
	settings := r.settings
	r.mu.Unlock()

	if m, ok := r.store.Current(); ok {
		r.lg.Info("recovered last measurement",
			zap.Time("timestamp", m.Timestamp),
			zap.String("daily_earned", m.DailyEarned.String()))
		r.publishMeasurementDisplays(m)
		r.publishMetricsEvent(m)
	}

	r.sched.Apply(ctx, settings)
}

// Stop tears down all loops. In-flight network calls complete on their own;
// their results are accepted or discarded without touching stored state.
func (r *Reporter) Stop() {
	r.sched.Stop()
}

// HandleMetrics ingests one vendor telemetry push. Every step is independent
// of later ones failing: the measurement always replaces the current one,
// persistence and delivery failures are logged and swallowed.
func (r *Reporter) HandleMetrics(ctx context.Context, payload domain.MetricPayload) {
	m := payload.Measurement(r.nowFunc())

	if err := r.store.Set(m); err != nil {
		r.lg.Error("persisting measurement failed, in-memory state still advanced", zap.Error(err))
	}

	r.publishMeasurementDisplays(m)

	if r.sendOnIngest() {
		if _, err := r.deliver(ctx, true, false); err != nil {
			r.logScheduledSendError("immediate send after ingest failed", err)
		}
	}

	r.publishMetricsEvent(m)
}

// HandleSettingsChange merges the patch into the current settings and
// rebuilds every timer from scratch. An invalid patch changes nothing and is
// reported to the caller.
func (r *Reporter) HandleSettingsChange(patch domain.SettingsPatch) error {
	r.mu.Lock()

	merged, err := r.settings.Merge(patch)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	if merged.Token != r.settings.Token {
		if merged.Token == "" {
			r.client = nil
		} else {
			r.client = r.newClient(merged.Token)
		}
	}

	r.settings = merged
	started := r.started
	runCtx := r.runCtx
	r.mu.Unlock()

	r.lg.Info("settings changed",
		zap.Bool("send_enabled", merged.Schedule.Enabled),
		zap.Int("interval_minutes", merged.Schedule.IntervalMinutes),
		zap.Int("start_minute", merged.Schedule.StartMinute),
		zap.String("trading_mode", merged.Mode.String()))

	if started {
		r.sched.Apply(runCtx, merged)
	}

	return nil
}

// RestoreFromEvent seeds the store from the last published metrics event
// when the durable slot came up empty. Published totals carry the configured
// offset, so it is removed before storing.
func (r *Reporter) RestoreFromEvent(m domain.Measurement) {
	if _, ok := r.store.Current(); ok {
		return
	}

	r.mu.RLock()
	offset := r.settings.TotalOffset
	r.mu.RUnlock()

	m.TotalEarned = m.TotalEarned.Sub(offset)

	if err := r.store.Set(m); err != nil {
		r.lg.Error("persisting restored measurement failed", zap.Error(err))
	}

	r.lg.Info("restored measurement from last published values", zap.Time("timestamp", m.Timestamp))
	r.publishMeasurementDisplays(m)
	r.publishMetricsEvent(m)
}

// HasMeasurement reports whether any measurement is known.
func (r *Reporter) HasMeasurement() bool {
	_, ok := r.store.Current()
	return ok
}

// Values returns a copy of the published display value map.
func (r *Reporter) Values() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Status is a point-in-time view of the bridge for the web UI.
type Status struct {
	HasMeasurement      bool              `json:"has_measurement"`
	DryRun              bool              `json:"dry_run,omitempty"`
	SendEnabled         bool              `json:"send_enabled"`
	IntervalMinutes     int               `json:"interval_minutes"`
	StartMinute         int               `json:"start_minute"`
	ReportZeroResults   bool              `json:"report_zero_results"`
	PollIntervalSeconds int               `json:"poll_interval_seconds"`
	TradingMode         string            `json:"trading_mode,omitempty"`
	NextSendAt          string            `json:"next_send_at,omitempty"`
	CountdownMinutes    int               `json:"countdown_minutes"`
	LastReportAt        string            `json:"last_report_at,omitempty"`
	OverallRank         int               `json:"overall_rank,omitempty"`
	ProviderRank        int               `json:"provider_rank,omitempty"`
	Values              map[string]string `json:"values"`
}

// Status assembles the current bridge state.
func (r *Reporter) Status() Status {
	now := r.nowFunc()

	r.mu.RLock()
	settings := r.settings
	ranking := r.ranking
	lastSent := r.lastSent
	r.mu.RUnlock()

	st := Status{
		HasMeasurement:      r.HasMeasurement(),
		DryRun:              r.dryRun,
		SendEnabled:         settings.Schedule.Enabled,
		IntervalMinutes:     settings.Schedule.IntervalMinutes,
		StartMinute:         settings.Schedule.StartMinute,
		ReportZeroResults:   settings.Schedule.ReportZeroResults,
		PollIntervalSeconds: int(settings.PollInterval / time.Second),
		TradingMode:         settings.Mode.String(),
		CountdownMinutes:    r.sched.Countdown(now),
		OverallRank:         ranking.OverallRank,
		ProviderRank:        ranking.ProviderRank,
		Values:              r.Values(),
	}

	if next, ok := r.sched.Plan(now); ok {
		st.NextSendAt = next.Format(time.RFC3339)
	}
	if !lastSent.IsZero() {
		st.LastReportAt = lastSent.Format(time.RFC3339)
	}

	return st
}

func (r *Reporter) sendOnIngest() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Schedule.Enabled
}

func (r *Reporter) scheduledSend(ctx context.Context) {
	if _, err := r.deliver(ctx, true, false); err != nil {
		r.logScheduledSendError("scheduled send failed", err)
	}
}

// logScheduledSendError keeps deliberate no-ops quiet: a missing credential
// or measurement on a scheduled path is configuration, not a fault.
func (r *Reporter) logScheduledSendError(msg string, err error) {
	if errors.Is(err, ErrNoMeasurement) || errors.Is(err, ErrNoCredential) {
		r.lg.Debug("send skipped", zap.String("reason", err.Error()))
		return
	}
	r.lg.Error(msg, zap.Error(err))
}

func (r *Reporter) pollRanking(ctx context.Context) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()

	if client == nil {
		return
	}

	profile, err := client.FetchProfile(ctx)
	if err != nil {
		r.lg.Warn("ranking poll failed", zap.Error(err))
		return
	}

	snap := rankingFromProfile(profile)

	r.mu.Lock()
	r.ranking = snap
	r.values[DisplayOverallRank] = strconv.Itoa(snap.OverallRank)
	r.values[DisplayProviderRank] = strconv.Itoa(snap.ProviderRank)
	r.mu.Unlock()

	r.lg.Debug("ranking refreshed",
		zap.Int("overall_rank", snap.OverallRank),
		zap.Int("provider_rank", snap.ProviderRank))

	r.publishDisplay(DisplayOverallRank, strconv.Itoa(snap.OverallRank))
	r.publishDisplay(DisplayProviderRank, strconv.Itoa(snap.ProviderRank))

	update := &events.RankingUpdate{
		OverallRank:  snap.OverallRank,
		ProviderRank: snap.ProviderRank,
	}
	if !snap.DailyCharged.IsZero() {
		update.DailyCharged = snap.DailyCharged.String()
	}
	if !snap.DailyDischarged.IsZero() {
		update.DailyDischarged = snap.DailyDischarged.String()
	}
	r.bus.Publish(events.Event{Ranking: update})
}

// rankingFromProfile replaces the snapshot wholesale; fields the remote left
// out drop back to zero instead of going stale.
func rankingFromProfile(profile *clients.Profile) domain.RankingSnapshot {
	var snap domain.RankingSnapshot
	if profile == nil || profile.Today == nil {
		return snap
	}

	snap.OverallRank = profile.Today.Position
	snap.ProviderRank = profile.Today.ProviderPosition
	snap.DailyCharged = profile.Today.DailyCharged
	snap.DailyDischarged = profile.Today.DailyDischarged
	return snap
}

func (r *Reporter) publishCountdown(minutes int) {
	value := strconv.Itoa(minutes)

	r.mu.Lock()
	r.values[DisplayCountdownMinutes] = value
	r.mu.Unlock()

	r.publishDisplay(DisplayCountdownMinutes, value)
}

// publishMeasurementDisplays pushes one event per display value, so a
// consumer failing on one field cannot block the rest.
func (r *Reporter) publishMeasurementDisplays(m domain.Measurement) {
	r.mu.RLock()
	offset := r.settings.TotalOffset
	r.mu.RUnlock()

	displays := []events.DisplayValue{
		{Name: DisplayDailyEarned, Value: m.DailyEarned.String()},
		{Name: DisplayTotalEarned, Value: m.TotalEarned.Add(offset).String()},
		{Name: DisplayDailyCharged, Value: m.DailyCharged.String()},
		{Name: DisplayDailyDischarged, Value: m.DailyDischarged.String()},
		{Name: DisplayBatteryPercentage, Value: m.BatteryPercentage.String()},
		{Name: DisplayCycleCount, Value: strconv.Itoa(m.CycleCount)},
		{Name: DisplayLoadBalancingActive, Value: strconv.FormatBool(m.LoadBalancingActive)},
	}

	r.mu.Lock()
	for _, d := range displays {
		r.values[d.Name] = d.Value
	}
	r.mu.Unlock()

	for _, d := range displays {
		r.publishDisplay(d.Name, d.Value)
	}
}

// publishMetricsEvent emits the consolidated update. The lifetime total goes
// out with the offset applied; all other values are raw.
func (r *Reporter) publishMetricsEvent(m domain.Measurement) {
	r.mu.RLock()
	offset := r.settings.TotalOffset
	r.mu.RUnlock()

	r.bus.Publish(events.Event{Metrics: &events.MetricsUpdate{
		Timestamp:           m.Timestamp,
		DailyEarned:         m.DailyEarned.String(),
		TotalEarned:         m.TotalEarned.Add(offset).String(),
		DailyCharged:        m.DailyCharged.String(),
		DailyDischarged:     m.DailyDischarged.String(),
		BatteryPercentage:   m.BatteryPercentage.String(),
		CycleCount:          m.CycleCount,
		LoadBalancingActive: m.LoadBalancingActive,
	}})
}

func (r *Reporter) publishDisplay(name, value string) {
	r.bus.Publish(events.Event{Display: &events.DisplayValue{Name: name, Value: value}})
}
