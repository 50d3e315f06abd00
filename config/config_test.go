package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestGetYamlMissingFileUsesDefaults(t *testing.T) {
	cfg, err := getYaml(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultInstance, cfg.Instance)
	assert.Equal(t, DefaultBrokerURL, cfg.BrokerURL)
	assert.Equal(t, DefaultTopicPrefix, cfg.TopicPrefix)
	assert.Equal(t, DefaultWebAddr, cfg.WebAddr)
	assert.Equal(t, DefaultWalDir, cfg.WalDir)
	assert.Equal(t, DefaultSendIntervalMinutes, cfg.SendIntervalMinutes)
	assert.Equal(t, domain.DefaultPollInterval, cfg.PollInterval)
	assert.True(t, cfg.TotalOffset.IsZero())
	assert.False(t, cfg.SendEnabled)
	assert.Empty(t, cfg.Token)
}

func TestGetYamlParsesFullConfig(t *testing.T) {
	path := writeConfigFile(t, `
instance: "attic-battery"
broker_url: "tcp://broker.lan:1883"
mqtt_username: "homey"
mqtt_password: "secret"
topic_prefix: "energy/onbalansmarkt"
api_base_url: "https://staging.onbalansmarkt.com"
api_token: "tok-123"
send_enabled: true
send_interval_minutes: 30
start_minute: 7
report_zero_results: true
poll_interval_seconds: 120
total_offset: "250.75"
trading_mode: "imbalance"
web_addr: ":9090"
tls_domains: ["bridge.example.com"]
tls_cache_dir: "/var/lib/bridge/certs"
wal_dir: "/var/lib/bridge/wal"
dry_run: true
`)

	cfg, err := getYaml(path)
	require.NoError(t, err)

	assert.Equal(t, "attic-battery", cfg.Instance)
	assert.Equal(t, "tcp://broker.lan:1883", cfg.BrokerURL)
	assert.Equal(t, "homey", cfg.MQTTUsername)
	assert.Equal(t, "secret", cfg.MQTTPassword)
	assert.Equal(t, "energy/onbalansmarkt", cfg.TopicPrefix)
	assert.Equal(t, "https://staging.onbalansmarkt.com", cfg.APIBaseURL)
	assert.Equal(t, "tok-123", cfg.Token)
	assert.True(t, cfg.SendEnabled)
	assert.Equal(t, 30, cfg.SendIntervalMinutes)
	assert.Equal(t, 7, cfg.StartMinute)
	assert.True(t, cfg.ReportZeroResults)
	assert.Equal(t, 120*time.Second, cfg.PollInterval)
	assert.True(t, cfg.TotalOffset.Equal(decimal.RequireFromString("250.75")),
		"total offset parsed as decimal, got %s", cfg.TotalOffset)
	assert.Equal(t, domain.TradingModeImbalance, cfg.Mode)
	assert.Equal(t, ":9090", cfg.WebAddr)
	assert.Equal(t, []string{"bridge.example.com"}, cfg.TLSDomains)
	assert.Equal(t, "/var/lib/bridge/certs", cfg.TLSCacheDir)
	assert.Equal(t, "/var/lib/bridge/wal", cfg.WalDir)
	assert.True(t, cfg.DryRun)
}

func TestGetYamlRejectsBadOffset(t *testing.T) {
	path := writeConfigFile(t, `
total_offset: "two hundred"
`)

	_, err := getYaml(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total_offset")
}

func TestGetYamlRejectsNonConfigurableMode(t *testing.T) {
	// day_ahead is accepted by the remote API but not selectable here
	path := writeConfigFile(t, `
trading_mode: "day_ahead"
`)

	_, err := getYaml(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading_mode")
}

func TestGetYamlRejectsMalformedYaml(t *testing.T) {
	path := writeConfigFile(t, "send_enabled: [not a bool")

	_, err := getYaml(path)
	require.Error(t, err)
}

func TestSettingsConversion(t *testing.T) {
	cfg, err := fromTmp(ConfigTmp{
		Token:               "tok-123",
		SendEnabled:         true,
		SendIntervalMinutes: 15,
		StartMinute:         5,
		PollIntervalSeconds: 60,
		TotalOffsetStr:      "100.50",
		ModeStr:             "self_consumption_plus",
	})
	require.NoError(t, err)

	settings, err := cfg.Settings()
	require.NoError(t, err)

	assert.Equal(t, "tok-123", settings.Token)
	assert.Equal(t, 60*time.Second, settings.PollInterval)
	assert.True(t, settings.Schedule.Enabled)
	assert.Equal(t, 15, settings.Schedule.IntervalMinutes)
	assert.Equal(t, 5, settings.Schedule.StartMinute)
	assert.True(t, settings.TotalOffset.Equal(decimal.RequireFromString("100.50")))
	assert.Equal(t, domain.TradingModeSelfConsumptionPlus, settings.Mode)
}

func TestSettingsValidatesBounds(t *testing.T) {
	cfg, err := fromTmp(ConfigTmp{StartMinute: 75})
	require.NoError(t, err, "yaml layer does not validate bounds")

	_, err = cfg.Settings()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start minute")
}
