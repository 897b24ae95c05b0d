package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// metricsInterval is the cadence of the periodic metrics broadcast.
const metricsInterval = 5 * time.Second

// MetricsSource produces the current metrics snapshot for broadcast.
type MetricsSource func() any

// Broadcaster pushes the metrics snapshot to subscribers every interval,
// skipping ticks with no subscribers and ticks whose serialised payload
// equals the previous broadcast (change-gated).
type Broadcaster struct {
	hub    *Hub
	source MetricsSource
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastPayload []byte
}

// NewBroadcaster creates and starts the periodic metrics broadcaster.
func NewBroadcaster(hub *Hub, source MetricsSource) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		source: source,
		logger: slog.Default().With("component", "metrics-broadcaster"),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Stop halts the broadcast loop. Safe to call multiple times.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

// tick performs one broadcast cycle. Exposed to tests via direct call.
func (b *Broadcaster) tick() {
	if b.hub.SubscriberCount(ChannelMetrics) == 0 {
		return
	}

	payload := b.source()
	serialised, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to serialise metrics payload", "error", err)
		return
	}
	if bytes.Equal(serialised, b.lastPayload) {
		return
	}
	b.lastPayload = serialised

	b.hub.Broadcast(ChannelMetrics, payload)
}
