// Package monitoring provides lightweight in-memory counters for the gateway.
//
// DESIGN: Simple atomic counters for operational metrics:
//   - requests/successes: Total and successful proxied request counts
//   - streams:            Streaming responses served
//   - init_calls:         One-time workflow initialization calls issued
//   - ws_upgrades:        WebSocket upgrades relayed to the backend
//   - passthroughs:       Transparent proxy forwards
//   - tokens_out:         Tokens of assistant text emitted to clients
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests     atomic.Int64
	successes    atomic.Int64
	streams      atomic.Int64
	initCalls    atomic.Int64
	wsUpgrades   atomic.Int64
	passthroughs atomic.Int64
	tokensOut    atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records a proxied request.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordStream records a streaming response served to completion.
func (mc *MetricsCollector) RecordStream() { mc.streams.Add(1) }

// RecordInitCall records an outbound workflow initialization call.
func (mc *MetricsCollector) RecordInitCall() { mc.initCalls.Add(1) }

// RecordWSUpgrade records a WebSocket upgrade relayed to the backend.
func (mc *MetricsCollector) RecordWSUpgrade() { mc.wsUpgrades.Add(1) }

// RecordPassthrough records a transparent proxy forward.
func (mc *MetricsCollector) RecordPassthrough() { mc.passthroughs.Add(1) }

// RecordTokensOut adds to the emitted-token counter.
func (mc *MetricsCollector) RecordTokensOut(n int) {
	if n > 0 {
		mc.tokensOut.Add(int64(n))
	}
}

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":     mc.requests.Load(),
		"successes":    mc.successes.Load(),
		"streams":      mc.streams.Load(),
		"init_calls":   mc.initCalls.Load(),
		"ws_upgrades":  mc.wsUpgrades.Load(),
		"passthroughs": mc.passthroughs.Load(),
		"tokens_out":   mc.tokensOut.Load(),
	}
}
