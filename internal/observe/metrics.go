// Package observe provides application-wide observability primitives for
// Keplear: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Keplear metrics.
const meterName = "github.com/keplear/keplear"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DetectionDuration tracks the per-tick pitch detection latency. The
	// tick body must stay well under the display refresh interval, so the
	// buckets run much finer than typical request latencies.
	DetectionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Detections counts detector outcomes per tick. Use with attribute:
	//   attribute.String("result", "pitch"|"no_signal"|"no_pitch")
	Detections metric.Int64Counter

	// ForwardedNotes counts detections that survived the debounce filter
	// and were handed to the feedback tracker.
	ForwardedNotes metric.Int64Counter

	// NoteResults counts graded melody notes. Use with attribute:
	//   attribute.Bool("correct", ...)
	NoteResults metric.Int64Counter

	// LateTicks counts analysis callbacks that fired after the engine was
	// stopped. The loop guard drops them; a non-zero value is a bug signal.
	LateTicks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live practice sessions (0 or 1 in
	// the current single-session design).
	ActiveSessions metric.Int64UpDownCounter
}

// detectionBuckets defines histogram bucket boundaries (in seconds) for the
// per-tick detection latency. A tick budget at 60 Hz is ~16 ms.
var detectionBuckets = []float64{
	0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.032, 0.064, 0.128,
}

// httpBuckets defines histogram bucket boundaries (in seconds) for HTTP
// request latencies.
var httpBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.DetectionDuration, err = m.Float64Histogram("keplear.detection.duration",
		metric.WithDescription("Latency of one pitch detection pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(detectionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("keplear.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Detections, err = m.Int64Counter("keplear.detections",
		metric.WithDescription("Detector outcomes per analysis tick by result."),
	); err != nil {
		return nil, err
	}
	if met.ForwardedNotes, err = m.Int64Counter("keplear.forwarded_notes",
		metric.WithDescription("Detections forwarded to the feedback tracker after debouncing."),
	); err != nil {
		return nil, err
	}
	if met.NoteResults, err = m.Int64Counter("keplear.note_results",
		metric.WithDescription("Graded melody notes by correctness."),
	); err != nil {
		return nil, err
	}
	if met.LateTicks, err = m.Int64Counter("keplear.late_ticks",
		metric.WithDescription("Analysis callbacks dropped because the engine was already stopped."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("keplear.active_sessions",
		metric.WithDescription("Number of live practice sessions."),
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

// RecordDetection records one detector outcome with the standard attribute.
func (m *Metrics) RecordDetection(ctx context.Context, result string) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordNoteResult records one graded melody note.
func (m *Metrics) RecordNoteResult(ctx context.Context, correct bool) {
	m.NoteResults.Add(ctx, 1, metric.WithAttributes(attribute.Bool("correct", correct)))
}
