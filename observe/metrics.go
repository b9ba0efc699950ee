// Package observe provides structured logging and OpenTelemetry metrics
// around every suspension point in the engine: extraction calls,
// embedding batches, rerank calls, persistence I/O, and lock acquisition.
package observe

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Tangerg/lynx/recall"

// latencyBuckets are histogram bucket boundaries in seconds, sized for
// calls that span a network round trip rather than an in-process hop.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds every OpenTelemetry instrument this engine records.
// All fields are safe for concurrent use; the underlying OTel types
// handle their own synchronization.
type Metrics struct {
	ExtractionDuration   metric.Float64Histogram
	EmbeddingDuration    metric.Float64Histogram
	RerankDuration       metric.Float64Histogram
	HybridSearchDuration metric.Float64Histogram
	SnapshotWriteDuration metric.Float64Histogram

	ExtractionCacheHits   metric.Int64Counter
	ExtractionCacheMisses metric.Int64Counter
	RerankTerminalFailures metric.Int64Counter
	PoolQueueWaits        metric.Int64Counter

	ExtractionPoolOccupancy metric.Int64UpDownCounter
	ActiveReaders           metric.Int64UpDownCounter
	ActiveWriters           metric.Int64UpDownCounter
}

// NewMetrics creates a fully initialized Metrics using mp. An error
// surfaces immediately if any instrument fails to register, rather than
// on first use.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ExtractionDuration, err = m.Float64Histogram("recall.extraction.duration",
		metric.WithDescription("Latency of a memory-extraction LLM call."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("recall.embedding.duration",
		metric.WithDescription("Latency of an embedding batch call."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.RerankDuration, err = m.Float64Histogram("recall.rerank.duration",
		metric.WithDescription("Latency of a reranker LLM call."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.HybridSearchDuration, err = m.Float64Histogram("recall.hybrid_search.duration",
		metric.WithDescription("Latency of a hybrid vector+lexical search."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.SnapshotWriteDuration, err = m.Float64Histogram("recall.snapshot.write.duration",
		metric.WithDescription("Latency of writing a container snapshot to persistent storage."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}

	if met.ExtractionCacheHits, err = m.Int64Counter("recall.extraction_cache.hits",
		metric.WithDescription("Extraction calls served from the completed-extraction cache.")); err != nil {
		return nil, err
	}
	if met.ExtractionCacheMisses, err = m.Int64Counter("recall.extraction_cache.misses",
		metric.WithDescription("Extraction calls that required a live LLM call.")); err != nil {
		return nil, err
	}
	if met.RerankTerminalFailures, err = m.Int64Counter("recall.rerank.terminal_failures",
		metric.WithDescription("Rerank calls that exhausted retries and degraded to hybrid order.")); err != nil {
		return nil, err
	}
	if met.PoolQueueWaits, err = m.Int64Counter("recall.pool.queue_waits",
		metric.WithDescription("Extraction-pool acquires that had to wait for a free slot.")); err != nil {
		return nil, err
	}

	if met.ExtractionPoolOccupancy, err = m.Int64UpDownCounter("recall.pool.occupancy",
		metric.WithDescription("Current number of held extraction-pool slots.")); err != nil {
		return nil, err
	}
	if met.ActiveReaders, err = m.Int64UpDownCounter("recall.lock.active_readers",
		metric.WithDescription("Current active readers, per container tag.")); err != nil {
		return nil, err
	}
	if met.ActiveWriters, err = m.Int64UpDownCounter("recall.lock.active_writers",
		metric.WithDescription("Current active writers, per container tag (0 or 1).")); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level Metrics instance, creating it on
// first call from the global OTel meter provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// ContainerAttr is a convenience alias for attribute.String("container", tag).
func ContainerAttr(tag string) attribute.KeyValue {
	return attribute.String("container", tag)
}

// Logger is the structured logger used throughout the engine. Callers may
// replace it with a differently-configured *slog.Logger at process
// startup; it starts as slog.Default() and must not be set to nil.
var Logger = slog.Default()
