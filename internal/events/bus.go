// Package events fans bridge state changes out to the egress layers. The
// core publishes; the MQTT bridge and the web UI subscribe. Producers never
// block on a slow consumer.
package events

import (
	"sync"
	"time"
)

// MetricsUpdate is the full measurement view after a vendor push or a
// restart recovery. String fields avoid float precision issues when consumed
// by web/UI layers; the lifetime total already includes the configured
// offset.
type MetricsUpdate struct {
	Timestamp           time.Time `json:"ts"`
	DailyEarned         string    `json:"daily_earned"`
	TotalEarned         string    `json:"total_earned"`
	DailyCharged        string    `json:"daily_charged"`
	DailyDischarged     string    `json:"daily_discharged"`
	BatteryPercentage   string    `json:"battery_percentage"`
	CycleCount          int       `json:"cycle_count"`
	LoadBalancingActive bool      `json:"load_balancing_active"`
}

// DisplayValue is one named readout for dashboards, rendered ready to show.
type DisplayValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RankingUpdate carries the latest leaderboard poll result.
type RankingUpdate struct {
	OverallRank     int    `json:"overall_rank"`
	ProviderRank    int    `json:"provider_rank"`
	DailyCharged    string `json:"daily_charged,omitempty"`
	DailyDischarged string `json:"daily_discharged,omitempty"`
}

// SendResult reports the outcome of one delivery attempt.
type SendResult struct {
	At     time.Time `json:"at"`
	OK     bool      `json:"ok"`
	Manual bool      `json:"manual,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Event is the tagged union flowing through the bus; exactly one field is
// set.
type Event struct {
	Metrics    *MetricsUpdate `json:"metrics,omitempty"`
	Display    *DisplayValue  `json:"display,omitempty"`
	Ranking    *RankingUpdate `json:"ranking,omitempty"`
	SendResult *SendResult    `json:"send_result,omitempty"`
}

// Kind names the populated arm, used as the SSE event name and for MQTT
// topic routing.
func (e Event) Kind() string {
	switch {
	case e.Metrics != nil:
		return "metrics"
	case e.Display != nil:
		return "display"
	case e.Ranking != nil:
		return "ranking"
	case e.SendResult != nil:
		return "send_result"
	default:
		return ""
	}
}

// Bus fans out events to all subscribers via buffered channels. It keeps the
// API intentionally small so call sites can stay straightforward.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Publish sends the event to all subscribers, dropping if a reader is slow.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is
// called.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
