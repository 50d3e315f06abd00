package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
)

// TokenEnvVar overrides the configured API token when set.
const TokenEnvVar = "ONBALANSMARKT_TOKEN"

// Defaults applied when the YAML file or a field is absent.
const (
	DefaultInstance            = "bridge"
	DefaultBrokerURL           = "tcp://localhost:1883"
	DefaultTopicPrefix         = "onbalansmarkt"
	DefaultWebAddr             = ":8080"
	DefaultWalDir              = "./wal/measurements"
	DefaultSendIntervalMinutes = 15
)

// Config is the fully parsed runtime configuration of the bridge.
type Config struct {
	Instance string

	BrokerURL    string
	MQTTUsername string
	MQTTPassword string
	TopicPrefix  string

	APIBaseURL string
	Token      string

	SendEnabled         bool
	SendIntervalMinutes int
	StartMinute         int
	ReportZeroResults   bool
	PollInterval        time.Duration
	TotalOffset         decimal.Decimal
	Mode                domain.TradingMode

	WebAddr     string
	TLSDomains  []string
	TLSCacheDir string

	WalDir string
	DryRun bool
}

// ConfigTmp mirrors the YAML file. Decimal and mode fields stay strings so a
// parse error can name the offending param.
type ConfigTmp struct {
	Instance string `yaml:"instance,omitempty"`

	BrokerURL    string `yaml:"broker_url,omitempty"`
	MQTTUsername string `yaml:"mqtt_username,omitempty"`
	MQTTPassword string `yaml:"mqtt_password,omitempty"`
	TopicPrefix  string `yaml:"topic_prefix,omitempty"`

	APIBaseURL string `yaml:"api_base_url,omitempty"`
	Token      string `yaml:"api_token,omitempty"`

	SendEnabled         bool   `yaml:"send_enabled"`
	SendIntervalMinutes int    `yaml:"send_interval_minutes,omitempty"`
	StartMinute         int    `yaml:"start_minute,omitempty"`
	ReportZeroResults   bool   `yaml:"report_zero_results,omitempty"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds,omitempty"`
	TotalOffsetStr      string `yaml:"total_offset,omitempty"`
	ModeStr             string `yaml:"trading_mode,omitempty"`

	WebAddr     string   `yaml:"web_addr,omitempty"`
	TLSDomains  []string `yaml:"tls_domains,omitempty"`
	TLSCacheDir string   `yaml:"tls_cache_dir,omitempty"`

	WalDir string `yaml:"wal_dir,omitempty"`
	DryRun bool   `yaml:"dry_run,omitempty"`
}

// Get parses flags, reads the YAML config and applies overrides. A missing
// file is not an error; the bridge then runs on defaults and the env token
// until configured over MQTT.
func Get() (*Config, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	broker := flag.String("broker", "", "MQTT broker URL, overrides config")
	webAddr := flag.String("web", "", "dashboard listen address, overrides config")
	dryRun := flag.Bool("dry-run", false, "walk the full send path without calling the remote API")
	flag.Parse()

	cfg, err := getYaml(*path)
	if err != nil {
		return nil, err
	}

	if *broker != "" {
		cfg.BrokerURL = *broker
	}
	if *webAddr != "" {
		cfg.WebAddr = *webAddr
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if token := os.Getenv(TokenEnvVar); token != "" {
		cfg.Token = token
	}

	if _, err := cfg.Settings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Settings converts the static config into the runtime-mutable settings the
// core starts from.
func (c *Config) Settings() (domain.Settings, error) {
	settings := domain.Settings{
		Token:        c.Token,
		PollInterval: c.PollInterval,
		Schedule: domain.ScheduleSettings{
			Enabled:           c.SendEnabled,
			IntervalMinutes:   c.SendIntervalMinutes,
			StartMinute:       c.StartMinute,
			ReportZeroResults: c.ReportZeroResults,
		},
		TotalOffset: c.TotalOffset,
		Mode:        c.Mode,
	}
	if err := settings.Validate(); err != nil {
		return domain.Settings{}, err
	}
	return settings, nil
}

func getYaml(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fromTmp(ConfigTmp{})
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(raw, &tmp); err != nil {
		return nil, fmt.Errorf("incorrect yaml config: %w", err)
	}
	return fromTmp(tmp)
}

func fromTmp(tmp ConfigTmp) (*Config, error) {
	cfg := &Config{
		Instance:            strings.TrimSpace(tmp.Instance),
		BrokerURL:           tmp.BrokerURL,
		MQTTUsername:        tmp.MQTTUsername,
		MQTTPassword:        tmp.MQTTPassword,
		TopicPrefix:         tmp.TopicPrefix,
		APIBaseURL:          tmp.APIBaseURL,
		Token:               tmp.Token,
		SendEnabled:         tmp.SendEnabled,
		SendIntervalMinutes: tmp.SendIntervalMinutes,
		StartMinute:         tmp.StartMinute,
		ReportZeroResults:   tmp.ReportZeroResults,
		WebAddr:             tmp.WebAddr,
		TLSDomains:          tmp.TLSDomains,
		TLSCacheDir:         tmp.TLSCacheDir,
		WalDir:              tmp.WalDir,
		DryRun:              tmp.DryRun,
	}

	if cfg.Instance == "" {
		cfg.Instance = DefaultInstance
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = DefaultBrokerURL
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.WebAddr == "" {
		cfg.WebAddr = DefaultWebAddr
	}
	if cfg.WalDir == "" {
		cfg.WalDir = DefaultWalDir
	}
	if cfg.SendIntervalMinutes == 0 {
		cfg.SendIntervalMinutes = DefaultSendIntervalMinutes
	}

	if tmp.PollIntervalSeconds == 0 {
		cfg.PollInterval = domain.DefaultPollInterval
	} else {
		cfg.PollInterval = time.Duration(tmp.PollIntervalSeconds) * time.Second
	}

	cfg.TotalOffset = decimal.Zero
	if tmp.TotalOffsetStr != "" {
		offset, err := decimal.NewFromString(tmp.TotalOffsetStr)
		if err != nil {
			return nil, fmt.Errorf("incorrect 'total_offset' param in yaml config (correct format is 12.34): %w", err)
		}
		cfg.TotalOffset = offset
	}

	if tmp.ModeStr != "" {
		mode := domain.TradingMode(tmp.ModeStr)
		if !mode.IsConfigurable() {
			return nil, fmt.Errorf("incorrect 'trading_mode' param in yaml config: %q is not a configurable mode", tmp.ModeStr)
		}
		cfg.Mode = mode
	}

	return cfg, nil
}
