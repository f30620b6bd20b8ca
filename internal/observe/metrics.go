// Package observe provides the router's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, a tracer that
// spans each dispatched message, and correlation-aware structured logging.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all router metrics.
const meterName = "github.com/tars-assistant/router"

// Metrics holds all OpenTelemetry metric instruments for the router core.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// MessagesReceived counts inbound bus messages by topic.
	MessagesReceived metric.Int64Counter

	// MessagesDispatched counts messages handed to at least one handler, by topic.
	MessagesDispatched metric.Int64Counter

	// HandlerErrors counts handler failures (errors, panics, timeouts) by topic.
	HandlerErrors metric.Int64Counter

	// ProtocolErrors counts dropped undecodable messages by reason.
	ProtocolErrors metric.Int64Counter

	// DedupHits counts messages suppressed by the envelope-id dedup cache.
	DedupHits metric.Int64Counter

	// StreamChunksFlushed counts sentence chunks published to TTS.
	StreamChunksFlushed metric.Int64Counter

	// StreamChunksDropped counts chunks discarded under queue overflow.
	StreamChunksDropped metric.Int64Counter

	// Publishes counts outbound publishes by topic and result.
	Publishes metric.Int64Counter

	// BrokerReconnects counts re-established broker sessions.
	BrokerReconnects metric.Int64Counter

	// --- Histograms ---

	// DispatchLatency tracks decode + fan-out time per message, by topic.
	DispatchLatency metric.Float64Histogram

	// HandlerLatency tracks per-handler execution time, by topic.
	HandlerLatency metric.Float64Histogram

	// StreamFlushInterval tracks the time between consecutive chunk flushes
	// of one correlation.
	StreamFlushInterval metric.Float64Histogram

	// --- Gauges ---

	// ServiceHealth is 1 when a peer service is healthy and 0 otherwise,
	// keyed by the "service" attribute.
	ServiceHealth metric.Int64Gauge

	// WakeState is the wake machine state as an integer (0 idle,
	// 1 listening, 2 responding).
	WakeState metric.Int64Gauge

	// StreamQueueDepth tracks the depth of per-correlation TTS queues.
	StreamQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// bus dispatch and voice streaming latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.MessagesReceived, err = m.Int64Counter("tars.router.messages.received",
		metric.WithDescription("Inbound bus messages by topic."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDispatched, err = m.Int64Counter("tars.router.messages.dispatched",
		metric.WithDescription("Messages handed to at least one handler, by topic."),
	); err != nil {
		return nil, err
	}
	if met.HandlerErrors, err = m.Int64Counter("tars.router.handler.errors",
		metric.WithDescription("Handler failures by topic."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("tars.router.protocol.errors",
		metric.WithDescription("Undecodable messages dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DedupHits, err = m.Int64Counter("tars.router.dedup.hits",
		metric.WithDescription("Messages suppressed by the envelope-id dedup cache."),
	); err != nil {
		return nil, err
	}
	if met.StreamChunksFlushed, err = m.Int64Counter("tars.router.stream.chunks.flushed",
		metric.WithDescription("Sentence chunks published to TTS."),
	); err != nil {
		return nil, err
	}
	if met.StreamChunksDropped, err = m.Int64Counter("tars.router.stream.chunks.dropped",
		metric.WithDescription("Chunks discarded under queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.Publishes, err = m.Int64Counter("tars.router.publishes",
		metric.WithDescription("Outbound publishes by topic and result."),
	); err != nil {
		return nil, err
	}
	if met.BrokerReconnects, err = m.Int64Counter("tars.router.broker.reconnects",
		metric.WithDescription("Re-established broker sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DispatchLatency, err = m.Float64Histogram("tars.router.dispatch.latency",
		metric.WithDescription("Decode and fan-out time per message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandlerLatency, err = m.Float64Histogram("tars.router.handler.latency",
		metric.WithDescription("Per-handler execution time by topic."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamFlushInterval, err = m.Float64Histogram("tars.router.stream.flush.interval",
		metric.WithDescription("Time between consecutive chunk flushes of one correlation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ServiceHealth, err = m.Int64Gauge("tars.router.service.health",
		metric.WithDescription("Peer service health (1 healthy, 0 unhealthy) by service."),
	); err != nil {
		return nil, err
	}
	if met.WakeState, err = m.Int64Gauge("tars.router.wake.state",
		metric.WithDescription("Wake machine state (0 idle, 1 listening, 2 responding)."),
	); err != nil {
		return nil, err
	}
	if met.StreamQueueDepth, err = m.Int64UpDownCounter("tars.router.stream.queue.depth",
		metric.WithDescription("Depth of per-correlation TTS chunk queues."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPublish records an outbound publish result with the standard
// attribute set.
func (m *Metrics) RecordPublish(ctx context.Context, topic, result string) {
	m.Publishes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("result", result),
		),
	)
}

// RecordHandlerError records a handler failure for topic.
func (m *Metrics) RecordHandlerError(ctx context.Context, topic string) {
	m.HandlerErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}

// RecordServiceHealth records the 0/1 health gauge for a peer service.
func (m *Metrics) RecordServiceHealth(ctx context.Context, service string, ok bool) {
	var v int64
	if ok {
		v = 1
	}
	m.ServiceHealth.Record(ctx, v,
		metric.WithAttributes(attribute.String("service", service)),
	)
}
