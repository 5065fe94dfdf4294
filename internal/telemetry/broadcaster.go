// Package telemetry periodically samples hardware and inference counters
// and fans the resulting metrics frame out to subscribed connections.
//
// The Broadcaster runs one dedicated goroutine with a ticker. It never
// touches connection sockets: each tick hands a fully serialized frame to
// the Publisher (the gateway's subscriber set), which delivers it with
// non-blocking per-connection sends so a slow subscriber can never stall
// the sampling loop or the generation path.
package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jota/gateway/internal/hardware"
	"github.com/jota/gateway/internal/protocol"
	"github.com/jota/gateway/internal/session"
)

// DefaultInterval is the sampling period.
const DefaultInterval = time.Second

// InferenceStats is the slice of the dispatcher the broadcaster samples.
type InferenceStats interface {
	ActiveCount() int
	LastMetrics() session.Metrics
	TotalTokens() int64
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Total() int
}

// Publisher delivers one serialized frame to every current subscriber.
// Implementations must not block.
type Publisher interface {
	Publish(frame []byte)
}

// Broadcaster samples the probe and counters every interval and publishes
// the composed metrics frame.
type Broadcaster struct {
	probe    hardware.Probe
	stats    InferenceStats
	sessions SessionCounter
	pub      Publisher
	interval time.Duration
	logger   *slog.Logger

	now func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewBroadcaster wires a Broadcaster; interval <= 0 selects DefaultInterval.
func NewBroadcaster(probe hardware.Probe, stats InferenceStats, sessions SessionCounter,
	pub Publisher, interval time.Duration, logger *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		probe:    probe,
		stats:    stats,
		sessions: sessions,
		pub:      pub,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sampling goroutine. Subsequent calls are no-ops.
func (b *Broadcaster) Start() {
	b.startOnce.Do(func() {
		go b.loop()
		b.logger.Info("telemetry: broadcaster started",
			slog.Duration("interval", b.interval))
	})
}

// Shutdown stops the sampling goroutine and waits for it to exit.
// Idempotent; safe to call before Start.
func (b *Broadcaster) Shutdown() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.startOnce.Do(func() { close(b.doneCh) }) // never started
	<-b.doneCh
	b.logger.Info("telemetry: broadcaster shut down")
}

func (b *Broadcaster) loop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.pub.Publish(protocol.Marshal(b.compose()))
		}
	}
}

// compose samples every source and builds the metrics envelope. VRAM is
// reported in MiB and power in watts, converted from the probe's raw bytes
// and milliwatts.
func (b *Broadcaster) compose() protocol.Metrics {
	snap := b.probe.Snapshot()
	last := b.stats.LastMetrics()

	return protocol.Metrics{
		Op:        protocol.OpMetrics,
		Timestamp: b.now().UnixMilli(),
		GPU: protocol.GPUMetrics{
			Temp:       snap.TempC,
			VRAMTotal:  snap.VRAMTotal / (1024 * 1024),
			VRAMUsed:   snap.VRAMUsed / (1024 * 1024),
			VRAMFree:   snap.VRAMFree / (1024 * 1024),
			PowerWatts: snap.PowerMilliwatts / 1000,
			FanPercent: snap.FanPercent,
			Throttling: snap.Throttling,
		},
		Inference: protocol.InferenceMetrics{
			ActiveGenerations:    b.stats.ActiveCount(),
			TotalSessions:        b.sessions.Total(),
			LastTPS:              last.TPS,
			LastTTFTMillis:       last.TTFTMillis,
			TotalTokensGenerated: b.stats.TotalTokens(),
		},
	}
}
