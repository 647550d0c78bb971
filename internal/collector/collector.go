// Package collector implements the Metrics Collector (C2): a fixed-cadence
// poller that aggregates telemetry from every enabled adapter and emits
// TelemetryFrame values onto a bounded outbound channel (spec §4.2).
//
// Grounded on the teacher's pkg/newtron/device polling helpers generalized
// from an on-demand "get device state" call into a free-running ticker loop,
// and on wudi-gateway's dp/client.go pattern of draining a channel with
// oldest-entry eviction under backpressure.
package collector

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshguard/routerd/internal/adapter"
	"github.com/meshguard/routerd/internal/logx"
	"github.com/meshguard/routerd/protocol"
)

// outboxCapacity bounds the number of unsent telemetry frames retained
// while the session is disconnected (spec §4.2).
const outboxCapacity = 64

var (
	framesProduced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "routerd_collector_frames_produced_total",
		Help: "Telemetry frames produced by the collector.",
	})
	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "routerd_collector_frames_dropped_total",
		Help: "Telemetry frames dropped because the outbox was full.",
	})
)

func init() {
	prometheus.MustRegister(framesProduced, framesDropped)
}

// Collector polls a fixed set of adapters on a cadence and publishes merged
// telemetry frames to Frames().
type Collector struct {
	adapters []adapter.Adapter
	interval time.Duration
	out      chan protocol.TelemetryFrame
	suspend  chan struct{}
}

// New constructs a Collector over the given adapters. It starts suspended;
// call Release once the session has been constructed (spec §4.6 construction
// order: "construct collector suspended ... release collector").
func New(adapters []adapter.Adapter, interval time.Duration) *Collector {
	return &Collector{
		adapters: adapters,
		interval: interval,
		out:      make(chan protocol.TelemetryFrame, outboxCapacity),
		suspend:  make(chan struct{}),
	}
}

// Release allows Run's first tick to proceed. Calling Release more than
// once is a no-op.
func (c *Collector) Release() {
	select {
	case <-c.suspend:
	default:
		close(c.suspend)
	}
}

// Frames returns the channel telemetry frames are published on.
func (c *Collector) Frames() <-chan protocol.TelemetryFrame {
	return c.out
}

// Run ticks at the configured cadence until ctx is cancelled, polling every
// adapter's CollectMetrics and merging the results into one frame per tick.
// Cancellation takes effect within one cadence interval (spec §4.2).
func (c *Collector) Run(ctx context.Context) error {
	<-c.suspend

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log := logx.WithComponent(logx.Base(), "collector")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			frame := c.poll(ctx)
			if dropped := c.publish(frame); dropped {
				log.Warn("outbox full, dropped oldest telemetry frame")
			}
		}
	}
}

func (c *Collector) poll(ctx context.Context) protocol.TelemetryFrame {
	frame := protocol.TelemetryFrame{TS: time.Now()}
	for _, a := range c.adapters {
		partial, err := a.CollectMetrics(ctx)
		if err != nil {
			continue
		}
		frame.Merge(partial)
	}
	return frame
}

// publish enqueues frame, dropping the oldest queued frame first if the
// outbox is at capacity (spec §4.2: "the collector sees the channel near
// capacity and drops the oldest frame before inserting the new one"). It
// reports whether an eviction occurred.
func (c *Collector) publish(frame protocol.TelemetryFrame) bool {
	select {
	case c.out <- frame:
		framesProduced.Inc()
		return false
	default:
	}

	evicted := false
	select {
	case <-c.out:
		framesDropped.Inc()
		evicted = true
	default:
	}

	select {
	case c.out <- frame:
		framesProduced.Inc()
	default:
		framesDropped.Inc()
	}
	return evicted
}
