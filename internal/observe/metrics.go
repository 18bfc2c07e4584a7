// Package observe provides application-wide observability primitives for
// tonerag: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/tonerag"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency ---

	// StageDuration tracks time spent in each pipeline stage. Attribute: stage.
	StageDuration metric.Float64Histogram

	// RequestDuration tracks end-to-end request latency. Attributes: tone, status.
	RequestDuration metric.Float64Histogram

	// --- Counters ---

	// CacheLookups counts response cache lookups. Attribute: result
	// ("hit", "miss", "bypass").
	CacheLookups metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// Degradations counts absorbed failures. Attribute: kind
	// ("retrieval_degraded", "generation_timeout", "index_inconsistent",
	// "cache_unavailable").
	Degradations metric.Int64Counter

	// IndexRebuilds counts vector index rebuilds. Attribute: status.
	IndexRebuilds metric.Int64Counter

	// --- Distributions ---

	// TopSimilarity records the best retrieval score per request. Attribute: tone.
	TopSimilarity metric.Float64Histogram

	// --- Gauges ---

	// IndexDocuments tracks the number of documents in the live index.
	IndexDocuments metric.Int64UpDownCounter

	// GenerationsInFlight tracks concurrent model calls.
	GenerationsInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// sub-millisecond cache hits up to slow generations.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var similarityBuckets = []float64{
	-1, 0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("tonerag.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RequestDuration, err = m.Float64Histogram("tonerag.request.duration",
		metric.WithDescription("End-to-end latency of a tone conversion request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CacheLookups, err = m.Int64Counter("tonerag.cache.lookups",
		metric.WithDescription("Response cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("tonerag.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Degradations, err = m.Int64Counter("tonerag.degradations",
		metric.WithDescription("Failures absorbed without failing the request, by kind."),
	); err != nil {
		return nil, err
	}
	if met.IndexRebuilds, err = m.Int64Counter("tonerag.index.rebuilds",
		metric.WithDescription("Vector index rebuilds by status."),
	); err != nil {
		return nil, err
	}

	if met.TopSimilarity, err = m.Float64Histogram("tonerag.retrieval.top_score",
		metric.WithDescription("Similarity score of the best retrieved document."),
		metric.WithExplicitBucketBoundaries(similarityBuckets...),
	); err != nil {
		return nil, err
	}

	if met.IndexDocuments, err = m.Int64UpDownCounter("tonerag.index.documents",
		metric.WithDescription("Documents in the live vector index."),
	); err != nil {
		return nil, err
	}
	if met.GenerationsInFlight, err = m.Int64UpDownCounter("tonerag.generations.inflight",
		metric.WithDescription("Model completions currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tonerag.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordRequest records an end-to-end request with its outcome.
func (m *Metrics) RecordRequest(ctx context.Context, tone, status string, d time.Duration) {
	m.RequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("tone", tone),
			attribute.String("status", status),
		),
	)
}

// RecordCacheLookup increments the cache lookup counter for result.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordProviderRequest records a provider request with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordDegradation increments the absorbed-failure counter for kind.
func (m *Metrics) RecordDegradation(ctx context.Context, kind string) {
	m.Degradations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRebuild increments the index rebuild counter.
func (m *Metrics) RecordRebuild(ctx context.Context, status string) {
	m.IndexRebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTopSimilarity records the best retrieval score of a request.
func (m *Metrics) RecordTopSimilarity(ctx context.Context, tone string, score float64) {
	m.TopSimilarity.Record(ctx, score, metric.WithAttributes(attribute.String("tone", tone)))
}
