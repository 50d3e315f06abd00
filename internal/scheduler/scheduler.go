package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
)

// Scheduler runs the three periodic loops of the bridge: boundary-aligned
// sends, ranking polls, and the countdown display refresh. The actual
// work lives in the callbacks; the scheduler only decides when they fire.
//
// Apply tears every loop down and starts a fresh generation, so a settings
// change never leaves a loop running with stale timing.
type Scheduler struct {
	lg *zap.Logger

	send      func(ctx context.Context)
	poll      func(ctx context.Context)
	countdown func(minutes int)

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	settings domain.Settings

	// test hooks
	nowFunc           func() time.Time
	countdownInterval time.Duration
}

// New creates a scheduler with no loops running; call Apply to start them.
func New(lg *zap.Logger, send, poll func(ctx context.Context), countdown func(minutes int)) *Scheduler {
	return &Scheduler{
		lg:                lg,
		send:              send,
		poll:              poll,
		countdown:         countdown,
		nowFunc:           time.Now,
		countdownInterval: 10 * time.Second,
	}
}

// Apply replaces the running loops with ones matching the given settings.
// The previous generation is cancelled and fully drained first. ctx bounds
// the lifetime of the new loops.
func (s *Scheduler) Apply(ctx context.Context, settings domain.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.settings = settings

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if settings.Schedule.Enabled {
		s.wg.Add(2)
		go s.runSendLoop(runCtx, settings.Schedule)
		go s.runCountdownLoop(runCtx, settings.Schedule)

		s.lg.Info("send schedule active",
			zap.Int("interval_minutes", settings.Schedule.IntervalMinutes),
			zap.Int("start_minute", settings.Schedule.StartMinute),
			zap.Time("next_send", NextSendTime(s.nowFunc(), settings.Schedule.StartMinute, settings.Schedule.IntervalMinutes)))
	} else {
		// Leave the display in a defined state instead of a stale number.
		s.countdown(0)
		s.lg.Info("send schedule disabled")
	}

	if settings.Token != "" && settings.PollInterval > 0 {
		s.wg.Add(1)
		go s.runPollLoop(runCtx, settings.PollInterval)

		s.lg.Info("ranking poll active", zap.Duration("interval", settings.PollInterval))
	}
}

// Plan returns the next send boundary under the current settings, and false
// when scheduled sending is disabled.
func (s *Scheduler) Plan(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.Schedule.Enabled {
		return time.Time{}, false
	}

	return NextSendTime(now, s.settings.Schedule.StartMinute, s.settings.Schedule.IntervalMinutes), true
}

// Countdown returns the whole minutes until the next boundary, zero when
// scheduled sending is disabled.
func (s *Scheduler) Countdown(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.Schedule.Enabled {
		return 0
	}

	return CountdownMinutes(now, s.settings.Schedule.StartMinute, s.settings.Schedule.IntervalMinutes)
}

// Stop cancels all loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	s.cancel = nil
	s.wg.Wait()
}

func (s *Scheduler) runSendLoop(ctx context.Context, schedule domain.ScheduleSettings) {
	defer s.wg.Done()

	timer := time.NewTimer(NextSendDelay(s.nowFunc(), schedule.StartMinute, schedule.IntervalMinutes))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.lg.Debug("send boundary reached")
			s.send(ctx)

			// Recompute from the clock, not from the previous boundary, so a
			// send that overruns collapses missed boundaries instead of
			// firing a burst.
			timer.Reset(NextSendDelay(s.nowFunc(), schedule.StartMinute, schedule.IntervalMinutes))
		}
	}
}

func (s *Scheduler) runPollLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	s.poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) runCountdownLoop(ctx context.Context, schedule domain.ScheduleSettings) {
	defer s.wg.Done()

	s.countdown(CountdownMinutes(s.nowFunc(), schedule.StartMinute, schedule.IntervalMinutes))

	ticker := time.NewTicker(s.countdownInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.countdown(CountdownMinutes(s.nowFunc(), schedule.StartMinute, schedule.IntervalMinutes))
		}
	}
}
