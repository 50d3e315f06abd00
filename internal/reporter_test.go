package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hhi/onbalansmarkt-bridge/internal/clients"
	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
	"github.com/hhi/onbalansmarkt-bridge/internal/events"
)

type fakeStore struct {
	mu     sync.Mutex
	m      domain.Measurement
	has    bool
	setErr error
}

func (f *fakeStore) Set(m domain.Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m = m
	f.has = true
	return f.setErr
}

func (f *fakeStore) Current() (domain.Measurement, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m, f.has
}

type fakeRemote struct {
	mu          sync.Mutex
	submissions []clients.Submission
	submitResp  string
	submitErr   error
	profile     *clients.Profile
	profileErr  error
}

func (f *fakeRemote) SubmitMeasurement(_ context.Context, sub clients.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, sub)
	return f.submitResp, nil
}

func (f *fakeRemote) FetchProfile(context.Context) (*clients.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, f.profileErr
}

func (f *fakeRemote) submitted() []clients.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clients.Submission(nil), f.submissions...)
}

type reporterHarness struct {
	r      *Reporter
	store  *fakeStore
	remote *fakeRemote
	bus    *events.Bus
	ch     chan events.Event
}

func testTime() time.Time {
	return time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC)
}

func testSettings() domain.Settings {
	return domain.Settings{
		Token:        "test-token",
		PollInterval: domain.DefaultPollInterval,
		Schedule: domain.ScheduleSettings{
			Enabled:         false,
			IntervalMinutes: 15,
			StartMinute:     0,
		},
		Mode: domain.TradingModeImbalance,
	}
}

func newReporterHarness(t *testing.T, settings domain.Settings, dryRun bool) *reporterHarness {
	t.Helper()

	store := &fakeStore{}
	remote := &fakeRemote{submitResp: "OK"}
	bus := events.NewBus(128)

	r := NewReporter(zap.NewNop(), store, bus, "https://example.test", settings, dryRun)
	r.nowFunc = testTime
	r.newClient = func(string) remoteAPI { return remote }
	if settings.Token != "" {
		r.client = remote
	}

	ch := bus.Subscribe()
	t.Cleanup(func() { bus.Unsubscribe(ch) })

	return &reporterHarness{r: r, store: store, remote: remote, bus: bus, ch: ch}
}

// drainEvents empties the subscription buffer; publishing is synchronous so
// everything emitted before the call is already there.
func (h *reporterHarness) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-h.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (h *reporterHarness) displayValue(t *testing.T, evs []events.Event, name string) string {
	t.Helper()
	value := ""
	found := false
	for _, e := range evs {
		if e.Display != nil && e.Display.Name == name {
			value = e.Display.Value
			found = true
		}
	}
	require.True(t, found, "expected a display event for %q", name)
	return value
}

func payloadWith(dailyEarned, totalEarned string) domain.MetricPayload {
	daily := decimal.RequireFromString(dailyEarned)
	total := decimal.RequireFromString(totalEarned)
	return domain.MetricPayload{DailyEarned: &daily, TotalEarned: &total}
}

func TestHandleMetricsStoresAndPublishes(t *testing.T) {
	settings := testSettings()
	settings.TotalOffset = decimal.RequireFromString("5.50")
	h := newReporterHarness(t, settings, false)

	payload := payloadWith("3.21", "100.00")
	charged := decimal.RequireFromString("12.4")
	payload.DailyCharged = &charged

	h.r.HandleMetrics(context.Background(), payload)

	stored, ok := h.store.Current()
	require.True(t, ok, "measurement must be stored")
	assert.True(t, stored.DailyEarned.Equal(decimal.RequireFromString("3.21")))
	assert.True(t, stored.TotalEarned.Equal(decimal.RequireFromString("100.00")),
		"stored total must never carry the offset")
	assert.True(t, stored.Timestamp.Equal(testTime()), "absent timestamp defaults to now")

	evs := h.drainEvents()
	assert.Equal(t, "3.21", h.displayValue(t, evs, DisplayDailyEarned))
	assert.Equal(t, "105.5", h.displayValue(t, evs, DisplayTotalEarned),
		"displayed total carries the offset")
	assert.Equal(t, "12.4", h.displayValue(t, evs, DisplayDailyCharged))

	var metrics *events.MetricsUpdate
	for _, e := range evs {
		if e.Metrics != nil {
			metrics = e.Metrics
		}
	}
	require.NotNil(t, metrics, "a consolidated metrics event must be emitted")
	assert.Equal(t, "105.5", metrics.TotalEarned)
	assert.Equal(t, "3.21", metrics.DailyEarned)

	assert.Empty(t, h.remote.submitted(), "no delivery while the schedule is disabled")
}

func TestHandleMetricsSendsImmediatelyWhenEnabled(t *testing.T) {
	settings := testSettings()
	settings.Schedule.Enabled = true
	h := newReporterHarness(t, settings, false)

	h.r.HandleMetrics(context.Background(), payloadWith("3.21", "100.00"))

	subs := h.remote.submitted()
	require.Len(t, subs, 1, "ingest with the schedule enabled delivers immediately")
	assert.True(t, subs[0].DailyResult.Equal(decimal.RequireFromString("3.21")))
}

func TestZeroResultPolicy(t *testing.T) {
	cases := []struct {
		name              string
		reportZeroResults bool
		wantDelivered     bool
	}{
		{name: "suppressed", reportZeroResults: false, wantDelivered: false},
		{name: "reported when configured", reportZeroResults: true, wantDelivered: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := testSettings()
			settings.Schedule.Enabled = true
			settings.Schedule.ReportZeroResults = tc.reportZeroResults
			h := newReporterHarness(t, settings, false)

			h.r.HandleMetrics(context.Background(), payloadWith("0", "100.00"))

			if tc.wantDelivered {
				assert.Len(t, h.remote.submitted(), 1)
			} else {
				assert.Empty(t, h.remote.submitted())
			}
		})
	}
}

func TestOffsetAppliedAtSendTimeOnly(t *testing.T) {
	settings := testSettings()
	settings.TotalOffset = decimal.RequireFromString("5.50")
	h := newReporterHarness(t, settings, false)

	h.r.HandleMetrics(context.Background(), payloadWith("3.21", "100.00"))
	require.NoError(t, h.r.SendNow(context.Background()))

	subs := h.remote.submitted()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].TotalResult.Equal(decimal.RequireFromString("105.50")),
		"transmitted total carries the offset")

	stored, _ := h.store.Current()
	assert.True(t, stored.TotalEarned.Equal(decimal.RequireFromString("100.00")),
		"stored total stays raw")
}

func TestSendNowWithoutMeasurement(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)

	err := h.r.SendNow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMeasurement))
}

func TestSendNowWithoutToken(t *testing.T) {
	settings := testSettings()
	settings.Token = ""
	h := newReporterHarness(t, settings, false)
	require.NoError(t, h.store.Set(domain.Measurement{Timestamp: testTime()}))

	err := h.r.SendNow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCredential))
}

func TestSendNowBypassesZeroResultPolicy(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)

	h.r.HandleMetrics(context.Background(), payloadWith("0", "100.00"))
	require.NoError(t, h.r.SendNow(context.Background()))

	assert.Len(t, h.remote.submitted(), 1, "a manual send ignores the zero-result policy")
}

func TestSendNowPropagatesRemoteFailure(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)
	h.r.HandleMetrics(context.Background(), payloadWith("3.21", "100.00"))
	h.drainEvents()

	h.remote.submitErr = errors.Wrap(clients.ErrRemoteRejected, "submit measurement: status 401")

	err := h.r.SendNow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, clients.ErrRemoteRejected))

	evs := h.drainEvents()
	var result *events.SendResult
	for _, e := range evs {
		if e.SendResult != nil {
			result = e.SendResult
		}
	}
	require.NotNil(t, result, "a failed attempt still emits a send result event")
	assert.False(t, result.OK)
	assert.True(t, result.Manual)
	assert.Contains(t, result.Detail, "status 401")
}

func TestScheduledSendFailureDoesNotPanicOrPropagate(t *testing.T) {
	settings := testSettings()
	settings.Schedule.Enabled = true
	h := newReporterHarness(t, settings, false)
	h.r.HandleMetrics(context.Background(), payloadWith("3.21", "100.00"))

	h.remote.submitErr = errors.Wrap(clients.ErrRemoteUnreachable, "dial tcp")
	h.r.scheduledSend(context.Background())
}

func TestDryRunSkipsNetworkCall(t *testing.T) {
	h := newReporterHarness(t, testSettings(), true)
	h.r.HandleMetrics(context.Background(), payloadWith("3.21", "100.00"))
	h.drainEvents()

	require.NoError(t, h.r.SendNow(context.Background()))
	assert.Empty(t, h.remote.submitted(), "dry run must not reach the remote")

	evs := h.drainEvents()
	var result *events.SendResult
	for _, e := range evs {
		if e.SendResult != nil {
			result = e.SendResult
		}
	}
	require.NotNil(t, result)
	assert.True(t, result.OK)
	assert.Equal(t, "dry run", result.Detail)
}

func TestHandleSettingsChangeRebuildsClientOnNewToken(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)

	var gotToken string
	replacement := &fakeRemote{submitResp: "OK"}
	h.r.newClient = func(token string) remoteAPI {
		gotToken = token
		return replacement
	}

	token := "rotated-token"
	require.NoError(t, h.r.HandleSettingsChange(domain.SettingsPatch{Token: &token}))
	assert.Equal(t, "rotated-token", gotToken)

	h.r.HandleMetrics(context.Background(), payloadWith("1.00", "10.00"))
	require.NoError(t, h.r.SendNow(context.Background()))
	assert.Len(t, replacement.submitted(), 1, "deliveries go through the rebuilt client")
	assert.Empty(t, h.remote.submitted())
}

func TestHandleSettingsChangeClearingTokenDisablesDelivery(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)
	h.r.HandleMetrics(context.Background(), payloadWith("1.00", "10.00"))

	empty := ""
	require.NoError(t, h.r.HandleSettingsChange(domain.SettingsPatch{Token: &empty}))

	err := h.r.SendNow(context.Background())
	assert.True(t, errors.Is(err, ErrNoCredential))
}

func TestHandleSettingsChangeRejectsInvalidPatch(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)

	bad := 0
	err := h.r.HandleSettingsChange(domain.SettingsPatch{SendIntervalMinutes: &bad})
	require.Error(t, err)

	st := h.r.Status()
	assert.Equal(t, 15, st.IntervalMinutes, "an invalid patch leaves settings untouched")
}

func TestRestoreFromEventSubtractsOffset(t *testing.T) {
	settings := testSettings()
	settings.TotalOffset = decimal.RequireFromString("5.50")
	h := newReporterHarness(t, settings, false)

	h.r.RestoreFromEvent(domain.Measurement{
		Timestamp:   testTime(),
		DailyEarned: decimal.RequireFromString("3.21"),
		TotalEarned: decimal.RequireFromString("105.50"),
	})

	stored, ok := h.store.Current()
	require.True(t, ok)
	assert.True(t, stored.TotalEarned.Equal(decimal.RequireFromString("100.00")),
		"published totals carry the offset, stored ones must not")
}

func TestRestoreFromEventIsNoOpWhenStoreHasData(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)
	h.r.HandleMetrics(context.Background(), payloadWith("3.21", "100.00"))

	h.r.RestoreFromEvent(domain.Measurement{
		Timestamp:   testTime().Add(-time.Hour),
		DailyEarned: decimal.RequireFromString("9.99"),
	})

	stored, _ := h.store.Current()
	assert.True(t, stored.DailyEarned.Equal(decimal.RequireFromString("3.21")),
		"durable state outranks republished display values")
}

func TestPollRankingReplacesSnapshotWholesale(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)

	h.remote.profile = &clients.Profile{
		Username: "bat-trader",
		Today: &clients.DayResult{
			Date:             "2026-03-14",
			Position:         12,
			ProviderPosition: 3,
			DailyCharged:     decimal.RequireFromString("10.1"),
		},
	}

	h.r.pollRanking(context.Background())

	evs := h.drainEvents()
	assert.Equal(t, "12", h.displayValue(t, evs, DisplayOverallRank))
	assert.Equal(t, "3", h.displayValue(t, evs, DisplayProviderRank))

	st := h.r.Status()
	assert.Equal(t, 12, st.OverallRank)
	assert.Equal(t, 3, st.ProviderRank)

	// A poll with no day entry resets the snapshot instead of leaving the
	// previous one stale.
	h.remote.profile = &clients.Profile{Username: "bat-trader"}
	h.r.pollRanking(context.Background())

	st = h.r.Status()
	assert.Zero(t, st.OverallRank)
	assert.Zero(t, st.ProviderRank)
}

func TestPollRankingFailureLeavesStateAlone(t *testing.T) {
	h := newReporterHarness(t, testSettings(), false)

	h.remote.profile = &clients.Profile{
		Today: &clients.DayResult{Position: 12, ProviderPosition: 3},
	}
	h.r.pollRanking(context.Background())

	h.remote.profile = nil
	h.remote.profileErr = errors.Wrap(clients.ErrRemoteUnreachable, "dial tcp")
	h.r.pollRanking(context.Background())

	st := h.r.Status()
	assert.Equal(t, 12, st.OverallRank, "a failed poll keeps the last snapshot")
}

func TestBuildSubmissionOmitsFalsyOptionals(t *testing.T) {
	settings := testSettings()
	settings.Mode = ""

	m := domain.Measurement{
		Timestamp:   testTime(),
		DailyEarned: decimal.RequireFromString("3.21"),
		TotalEarned: decimal.RequireFromString("100.00"),
	}

	sub := buildSubmission(m, settings)
	assert.Nil(t, sub.DailyCharged)
	assert.Nil(t, sub.DailyDischarged)
	assert.Nil(t, sub.BatteryPercentage)
	assert.Nil(t, sub.CycleCount)
	assert.Nil(t, sub.LoadBalancingActive)
	assert.Empty(t, sub.Mode)

	m.DailyCharged = decimal.RequireFromString("12.4")
	m.CycleCount = 381
	m.LoadBalancingActive = true
	settings.Mode = domain.TradingModeManual

	sub = buildSubmission(m, settings)
	require.NotNil(t, sub.DailyCharged)
	assert.True(t, sub.DailyCharged.Equal(decimal.RequireFromString("12.4")))
	require.NotNil(t, sub.CycleCount)
	assert.Equal(t, 381, *sub.CycleCount)
	require.NotNil(t, sub.LoadBalancingActive)
	assert.True(t, *sub.LoadBalancingActive)
	assert.Equal(t, domain.TradingModeManual, sub.Mode)
}

func TestStatusReflectsSchedule(t *testing.T) {
	settings := testSettings()
	settings.Schedule.Enabled = true
	h := newReporterHarness(t, settings, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.r.Start(ctx)
	defer h.r.Stop()

	st := h.r.Status()
	assert.True(t, st.SendEnabled)
	assert.Equal(t, "2026-03-14T10:15:00Z", st.NextSendAt)
	assert.Equal(t, 8, st.CountdownMinutes)
	assert.False(t, st.HasMeasurement)
}
