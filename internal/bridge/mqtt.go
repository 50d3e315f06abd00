// Package bridge connects the core to the smart-home MQTT bus: vendor
// telemetry and settings come in, display values and events go out.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hhi/onbalansmarkt-bridge/internal/domain"
	"github.com/hhi/onbalansmarkt-bridge/internal/events"
)

const (
	defaultTopicPrefix = "onbalansmarkt"

	topicTelemetry   = "telemetry"
	topicSettings    = "settings"
	topicSendCommand = "command/send"
	topicMetrics     = "metrics"
	topicRanking     = "ranking"
	topicDisplay     = "display"
	topicSendResult  = "event/send_result"

	connectRetryInterval = 5 * time.Second
	maxReconnectInterval = time.Minute
	disconnectQuiesceMs  = 250
)

// Core is the part of the bridge core the MQTT layer drives.
type Core interface {
	HandleMetrics(ctx context.Context, payload domain.MetricPayload)
	HandleSettingsChange(patch domain.SettingsPatch) error
	SendNow(ctx context.Context) error
	RestoreFromEvent(m domain.Measurement)
	HasMeasurement() bool
}

// Config carries the broker connection parameters.
type Config struct {
	BrokerURL   string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge subscribes to the inbound topics and mirrors bus events onto the
// outbound ones. State topics are published retained, so the broker replays
// the last known values to late subscribers, and to us after a restart.
type Bridge struct {
	lg   *zap.Logger
	cfg  Config
	core Core
	bus  *events.Bus

	// newClient is overridable in tests.
	newClient func(opts *mqtt.ClientOptions) mqtt.Client
}

// New creates the MQTT bridge. An empty topic prefix and client id get
// usable defaults; the client id always carries a random suffix so two
// bridge instances never evict each other from the broker.
func New(lg *zap.Logger, cfg Config, core Core, bus *events.Bus) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultTopicPrefix + "-bridge"
	}
	cfg.ClientID = fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8])

	return &Bridge{
		lg:        lg,
		cfg:       cfg,
		core:      core,
		bus:       bus,
		newClient: mqtt.NewClient,
	}
}

// Run connects to the broker and pumps bus events out until ctx is
// cancelled. Subscriptions are (re)established on every connect, so a broker
// restart heals without intervention.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetMaxReconnectInterval(maxReconnectInterval).
		// Handlers run in their own goroutines; a send command doing network
		// I/O must not stall telemetry ingestion.
		SetOrderMatters(false)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		b.lg.Info("connected to mqtt broker", zap.String("client_id", b.cfg.ClientID))
		b.subscribe(ctx, c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.lg.Warn("mqtt connection lost", zap.Error(err))
	}

	client := b.newClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "connect to mqtt broker")
	}

	ch := b.bus.Subscribe()
	defer b.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			client.Disconnect(disconnectQuiesceMs)
			b.lg.Info("mqtt bridge stopped")
			return nil
		case e := <-ch:
			b.publishEvent(client, e)
		}
	}
}

func (b *Bridge) subscribe(ctx context.Context, c mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		b.topic(topicTelemetry):   b.telemetryHandler(ctx),
		b.topic(topicSettings):    b.settingsHandler(),
		b.topic(topicSendCommand): b.sendCommandHandler(ctx),
		b.topic(topicMetrics):     b.metricsRecoveryHandler(),
	}

	for topic, handler := range subs {
		if token := c.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			b.lg.Error("mqtt subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

func (b *Bridge) telemetryHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var payload domain.MetricPayload
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			b.lg.Warn("undecodable telemetry message dropped", zap.Error(err))
			return
		}

		b.lg.Debug("telemetry received", zap.Int("bytes", len(msg.Payload())))
		b.core.HandleMetrics(ctx, payload)
	}
}

func (b *Bridge) settingsHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var patch domain.SettingsPatch
		if err := json.Unmarshal(msg.Payload(), &patch); err != nil {
			b.lg.Warn("undecodable settings message dropped", zap.Error(err))
			return
		}

		if err := b.core.HandleSettingsChange(patch); err != nil {
			b.lg.Warn("settings change rejected", zap.Error(err))
		}
	}
}

func (b *Bridge) sendCommandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, _ mqtt.Message) {
		if err := b.core.SendNow(ctx); err != nil {
			b.lg.Warn("manual send failed", zap.Error(err))
			return
		}
		b.lg.Info("manual send completed")
	}
}

// metricsRecoveryHandler watches our own retained metrics topic. When the
// durable store came up empty, the broker-replayed copy is the best
// approximation of the pre-restart state. Live echoes are not retained and
// are ignored; so is everything once a measurement is known.
func (b *Bridge) metricsRecoveryHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if !msg.Retained() || b.core.HasMeasurement() {
			return
		}

		var update events.MetricsUpdate
		if err := json.Unmarshal(msg.Payload(), &update); err != nil {
			b.lg.Warn("retained metrics message unreadable, skipping recovery", zap.Error(err))
			return
		}

		m, err := measurementFromUpdate(update)
		if err != nil {
			b.lg.Warn("retained metrics message unusable, skipping recovery", zap.Error(err))
			return
		}

		b.core.RestoreFromEvent(m)
	}
}

// publishEvent maps one bus event onto its topic. Each display value goes
// out as its own publish; one failing leaves the others untouched.
func (b *Bridge) publishEvent(c mqtt.Client, e events.Event) {
	switch {
	case e.Metrics != nil:
		b.publishJSON(c, b.topic(topicMetrics), true, e.Metrics)
	case e.Display != nil:
		b.publishRaw(c, b.topic(topicDisplay, e.Display.Name), true, []byte(e.Display.Value))
	case e.Ranking != nil:
		b.publishJSON(c, b.topic(topicRanking), true, e.Ranking)
	case e.SendResult != nil:
		b.publishJSON(c, b.topic(topicSendResult), false, e.SendResult)
	}
}

func (b *Bridge) publishJSON(c mqtt.Client, topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.lg.Error("marshal outbound message", zap.String("topic", topic), zap.Error(err))
		return
	}
	b.publishRaw(c, topic, retained, payload)
}

func (b *Bridge) publishRaw(c mqtt.Client, topic string, retained bool, payload []byte) {
	if token := c.Publish(topic, 1, retained, payload); token.Wait() && token.Error() != nil {
		b.lg.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

func (b *Bridge) topic(parts ...string) string {
	return strings.Join(append([]string{b.cfg.TopicPrefix}, parts...), "/")
}

// measurementFromUpdate parses a published metrics event back into a
// measurement. The published lifetime total includes the offset; the core
// strips it when restoring.
func measurementFromUpdate(u events.MetricsUpdate) (domain.Measurement, error) {
	m := domain.Measurement{
		Timestamp:           u.Timestamp,
		CycleCount:          u.CycleCount,
		LoadBalancingActive: u.LoadBalancingActive,
	}

	if m.Timestamp.IsZero() {
		return domain.Measurement{}, errors.New("retained metrics without a timestamp")
	}

	fields := []struct {
		raw  string
		dest *decimal.Decimal
		name string
	}{
		{u.DailyEarned, &m.DailyEarned, "daily_earned"},
		{u.TotalEarned, &m.TotalEarned, "total_earned"},
		{u.DailyCharged, &m.DailyCharged, "daily_charged"},
		{u.DailyDischarged, &m.DailyDischarged, "daily_discharged"},
		{u.BatteryPercentage, &m.BatteryPercentage, "battery_percentage"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return domain.Measurement{}, errors.Wrapf(err, "decode %s", f.name)
		}
		*f.dest = v
	}

	return m, nil
}
