// Package measurements persists the latest device measurement in a WAL so a
// restart can resume reporting without waiting for the vendor's next push.
package measurements

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"

	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
)

const (
	DefaultDir   = "./wal/measurements"
	segmentLimit = 1000
	maxSegments  = 10

	measurementKey = "latest_measurement"
)

// Store holds the single most recent measurement, in memory for readers and
// in the WAL for restarts. Only the latest record matters; older WAL entries
// exist solely because segments rotate lazily.
type Store struct {
	wal *gowal.Wal

	mu      sync.RWMutex
	current domain.Measurement
	has     bool
}

// NewStore opens the WAL in dir and recovers the latest measurement from it.
// Corrupt entries are skipped, the last decodable one wins; a WAL with no
// usable entry yields an empty store.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "measurement_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init measurement WAL")
	}

	s := &Store{wal: wal}

	for msg := range wal.Iterator() {
		if msg.Key != measurementKey {
			continue
		}

		var stored storedMeasurement
		if err := json.Unmarshal(msg.Value, &stored); err != nil {
			continue
		}

		m, err := stored.toMeasurement()
		if err != nil {
			continue
		}

		s.current = m
		s.has = true
	}

	return s, nil
}

// Set replaces the current measurement. The in-memory copy is updated even
// when the WAL write fails, so one bad disk does not stall reporting; the
// persist error is still returned for the caller to log.
func (s *Store) Set(m domain.Measurement) error {
	if s == nil || s.wal == nil {
		return errors.New("measurement store is not initialized")
	}

	payload, err := json.Marshal(newStoredMeasurement(m))
	if err != nil {
		return errors.Wrap(err, "marshal measurement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = m
	s.has = true

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, measurementKey, payload); err != nil {
		return errors.Wrap(err, "persist measurement")
	}

	return nil
}

// Current returns the latest measurement and whether one exists at all.
func (s *Store) Current() (domain.Measurement, bool) {
	if s == nil {
		return domain.Measurement{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current, s.has
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("measurement store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

// storedMeasurement is the serializable form. Monetary and energy values are
// stored as strings to survive decimal precision exactly.
type storedMeasurement struct {
	Timestamp           time.Time `json:"timestamp"`
	DailyEarned         string    `json:"daily_earned"`
	TotalEarned         string    `json:"total_earned"`
	DailyCharged        string    `json:"daily_charged"`
	DailyDischarged     string    `json:"daily_discharged"`
	BatteryPercentage   string    `json:"battery_percentage"`
	CycleCount          int       `json:"cycle_count"`
	LoadBalancingActive bool      `json:"load_balancing_active"`
}

func newStoredMeasurement(m domain.Measurement) storedMeasurement {
	return storedMeasurement{
		Timestamp:           m.Timestamp,
		DailyEarned:         m.DailyEarned.String(),
		TotalEarned:         m.TotalEarned.String(),
		DailyCharged:        m.DailyCharged.String(),
		DailyDischarged:     m.DailyDischarged.String(),
		BatteryPercentage:   m.BatteryPercentage.String(),
		CycleCount:          m.CycleCount,
		LoadBalancingActive: m.LoadBalancingActive,
	}
}

func (sm storedMeasurement) toMeasurement() (domain.Measurement, error) {
	dailyEarned, err := decimal.NewFromString(sm.DailyEarned)
	if err != nil {
		return domain.Measurement{}, errors.Wrap(err, "decode daily earned")
	}

	totalEarned, err := decimal.NewFromString(sm.TotalEarned)
	if err != nil {
		return domain.Measurement{}, errors.Wrap(err, "decode total earned")
	}

	dailyCharged, err := decimal.NewFromString(sm.DailyCharged)
	if err != nil {
		return domain.Measurement{}, errors.Wrap(err, "decode daily charged")
	}

	dailyDischarged, err := decimal.NewFromString(sm.DailyDischarged)
	if err != nil {
		return domain.Measurement{}, errors.Wrap(err, "decode daily discharged")
	}

	batteryPercentage, err := decimal.NewFromString(sm.BatteryPercentage)
	if err != nil {
		return domain.Measurement{}, errors.Wrap(err, "decode battery percentage")
	}

	return domain.Measurement{
		Timestamp:           sm.Timestamp,
		DailyEarned:         dailyEarned,
		TotalEarned:         totalEarned,
		DailyCharged:        dailyCharged,
		DailyDischarged:     dailyDischarged,
		BatteryPercentage:   batteryPercentage,
		CycleCount:          sm.CycleCount,
		LoadBalancingActive: sm.LoadBalancingActive,
	}, nil
}
