// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Frame directions used with [Metrics.RecordFrame].
const (
	// DirectionUpstream is client audio sent towards the AI endpoint.
	DirectionUpstream = "upstream"
	// DirectionClient is AI audio delivered to the browser.
	DirectionClient = "client"
)

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of sessions in the registry.
	ActiveSessions metric.Int64UpDownCounter

	// Sessions counts ended sessions. Use with attribute:
	//   attribute.String("outcome", ...)  // the teardown reason
	Sessions metric.Int64Counter

	// --- Upstream ---

	// UpstreamConnectDuration tracks how long upstream handshakes take.
	UpstreamConnectDuration metric.Float64Histogram

	// UpstreamConnectErrors counts failed upstream connects.
	UpstreamConnectErrors metric.Int64Counter

	// UpstreamSendErrors counts client audio frames the upstream rejected.
	UpstreamSendErrors metric.Int64Counter

	// ForwardPollErrors counts failed polls of upstream audio.
	ForwardPollErrors metric.Int64Counter

	// --- Traffic ---

	// Frames counts relayed audio frames. Use with attribute:
	//   attribute.String("direction", DirectionUpstream|DirectionClient)
	Frames metric.Int64Counter

	// Bytes counts relayed audio payload bytes, by direction.
	Bytes metric.Int64Counter

	// ControlMessages counts client control messages. Use with attribute:
	//   attribute.String("type", ...)
	ControlMessages metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled with
	// method, route (the ServeMux pattern) and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// upstream handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("voxbridge.sessions",
		metric.WithDescription("Total ended sessions by outcome."),
	); err != nil {
		return nil, err
	}

	if met.UpstreamConnectDuration, err = m.Float64Histogram("voxbridge.upstream.connect.duration",
		metric.WithDescription("Latency of upstream connection handshakes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnectErrors, err = m.Int64Counter("voxbridge.upstream.connect.errors",
		metric.WithDescription("Total failed upstream connects."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamSendErrors, err = m.Int64Counter("voxbridge.upstream.send_errors",
		metric.WithDescription("Total client audio frames the upstream failed to accept."),
	); err != nil {
		return nil, err
	}
	if met.ForwardPollErrors, err = m.Int64Counter("voxbridge.forward.poll_errors",
		metric.WithDescription("Total failed polls for upstream audio."),
	); err != nil {
		return nil, err
	}

	if met.Frames, err = m.Int64Counter("voxbridge.frames",
		metric.WithDescription("Total relayed audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.Bytes, err = m.Int64Counter("voxbridge.bytes",
		metric.WithDescription("Total relayed audio bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ControlMessages, err = m.Int64Counter("voxbridge.control_messages",
		metric.WithDescription("Total client control messages by type."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
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

// RecordSessionEnded decrements the active-session gauge and counts the
// session under outcome.
func (m *Metrics) RecordSessionEnded(ctx context.Context, outcome string) {
	m.ActiveSessions.Add(ctx, -1)
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordUpstreamConnect records the duration of an upstream connect attempt
// and, if err is non-nil, a connect error.
func (m *Metrics) RecordUpstreamConnect(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.UpstreamConnectErrors.Add(ctx, 1)
	}
	m.UpstreamConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordFrame counts one relayed audio frame of size bytes.
func (m *Metrics) RecordFrame(ctx context.Context, direction string, size int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.Frames.Add(ctx, 1, attrs)
	m.Bytes.Add(ctx, int64(size), attrs)
}

// RecordControlMessage counts one client control message of the given type.
func (m *Metrics) RecordControlMessage(ctx context.Context, typ string) {
	m.ControlMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}
