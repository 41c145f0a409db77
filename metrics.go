package xpsec

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type deviceMetrics struct {
	intrAll      metrics.Counter
	intrDone     metrics.Counter
	intrError    metrics.Counter
	intrSpurious metrics.Counter

	sessionNew     metrics.Counter
	sessionFree    metrics.Counter
	sessionRelease metrics.Counter

	packetOK  metrics.Counter
	packetErr metrics.Counter

	dispatchPackets metrics.Counter
	dispatchQueue   metrics.Counter
	queueFull       metrics.Counter
	ringExhausted   metrics.Counter
	watchdogTimeout metrics.Counter

	maxDispatch metrics.Gauge
	maxDone     metrics.Gauge
}

func defaultRegistry(unit int) metrics.Registry {
	return metrics.NewPrefixedChildRegistry(metrics.DefaultRegistry, fmt.Sprintf("xpsec.%d.", unit))
}

func newDeviceMetrics(r metrics.Registry) *deviceMetrics {
	return &deviceMetrics{
		intrAll:      metrics.GetOrRegisterCounter("intr.all", r),
		intrDone:     metrics.GetOrRegisterCounter("intr.done", r),
		intrError:    metrics.GetOrRegisterCounter("intr.error", r),
		intrSpurious: metrics.GetOrRegisterCounter("intr.spurious", r),

		sessionNew:     metrics.GetOrRegisterCounter("session.new", r),
		sessionFree:    metrics.GetOrRegisterCounter("session.free", r),
		sessionRelease: metrics.GetOrRegisterCounter("session.release", r),

		packetOK:  metrics.GetOrRegisterCounter("packet.ok", r),
		packetErr: metrics.GetOrRegisterCounter("packet.err", r),

		dispatchPackets: metrics.GetOrRegisterCounter("dispatch.packets", r),
		dispatchQueue:   metrics.GetOrRegisterCounter("dispatch.queue", r),
		queueFull:       metrics.GetOrRegisterCounter("queue.full", r),
		ringExhausted:   metrics.GetOrRegisterCounter("ring.exhausted", r),
		watchdogTimeout: metrics.GetOrRegisterCounter("watchdog.timeout", r),

		maxDispatch: metrics.GetOrRegisterGauge("dispatch.max", r),
		maxDone:     metrics.GetOrRegisterGauge("done.max", r),
	}
}

func updateMax(g metrics.Gauge, v int) {
	if int64(v) > g.Value() {
		g.Update(int64(v))
	}
}
