package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricPayloadMeasurementDefaults(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC)

	m := MetricPayload{}.Measurement(now)

	assert.Equal(t, now, m.Timestamp, "absent timestamp defaults to now")
	assert.True(t, m.DailyEarned.IsZero())
	assert.True(t, m.TotalEarned.IsZero())
	assert.True(t, m.DailyCharged.IsZero())
	assert.True(t, m.DailyDischarged.IsZero())
	assert.True(t, m.BatteryPercentage.IsZero())
	assert.Zero(t, m.CycleCount)
	assert.False(t, m.LoadBalancingActive)
}

func TestMetricPayloadMeasurementKeepsProvidedValues(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC)
	pushed := time.Date(2026, 3, 14, 10, 6, 30, 0, time.UTC)
	earned := decimal.RequireFromString("3.21")
	charged := decimal.RequireFromString("12.4")
	cycles := 381
	active := true

	m := MetricPayload{
		DailyEarned:         &earned,
		DailyCharged:        &charged,
		CycleCount:          &cycles,
		LoadBalancingActive: &active,
		Timestamp:           &pushed,
	}.Measurement(now)

	assert.Equal(t, pushed, m.Timestamp)
	assert.True(t, m.DailyEarned.Equal(earned))
	assert.True(t, m.DailyCharged.Equal(charged))
	assert.Equal(t, 381, m.CycleCount)
	assert.True(t, m.LoadBalancingActive)
	assert.True(t, m.TotalEarned.IsZero(), "absent field stays zero")
}

func TestMetricPayloadMeasurementIgnoresZeroTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC)
	var zero time.Time

	m := MetricPayload{Timestamp: &zero}.Measurement(now)

	assert.Equal(t, now, m.Timestamp)
}

func TestMetricPayloadUnmarshalsPartialJSON(t *testing.T) {
	var p MetricPayload
	require.NoError(t, json.Unmarshal([]byte(`{"daily_earned":"1.05","cycle_count":12}`), &p))

	require.NotNil(t, p.DailyEarned)
	assert.True(t, p.DailyEarned.Equal(decimal.RequireFromString("1.05")))
	require.NotNil(t, p.CycleCount)
	assert.Equal(t, 12, *p.CycleCount)
	assert.Nil(t, p.TotalEarned)
	assert.Nil(t, p.LoadBalancingActive)
	assert.Nil(t, p.Timestamp)
}

func TestMetricPayloadUnmarshalsNumericDecimals(t *testing.T) {
	// vendors push decimals both quoted and bare
	var p MetricPayload
	require.NoError(t, json.Unmarshal([]byte(`{"daily_earned":1.05,"battery_percentage":87}`), &p))

	require.NotNil(t, p.DailyEarned)
	assert.True(t, p.DailyEarned.Equal(decimal.RequireFromString("1.05")))
	require.NotNil(t, p.BatteryPercentage)
	assert.True(t, p.BatteryPercentage.Equal(decimal.NewFromInt(87)))
}
