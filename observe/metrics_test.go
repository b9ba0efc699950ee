package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsCreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramsRecordObservations(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"recall.extraction.duration", m.ExtractionDuration},
		{"recall.embedding.duration", m.EmbeddingDuration},
		{"recall.rerank.duration", m.RerankDuration},
		{"recall.hybrid_search.duration", m.HybridSearchDuration},
		{"recall.snapshot.write.duration", m.SnapshotWriteDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.05)
		tc.h.Record(ctx, 0.15)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCountersIncrementWithContainerAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ExtractionCacheHits.Add(ctx, 1)
	m.ExtractionCacheHits.Add(ctx, 1)
	m.ExtractionCacheMisses.Add(ctx, 1)
	m.RerankTerminalFailures.Add(ctx, 1, metric.WithAttributes(ContainerAttr("tag1")))
	m.PoolQueueWaits.Add(ctx, 1)

	rm := collect(t, reader)

	hits := findMetric(rm, "recall.extraction_cache.hits")
	if hits == nil {
		t.Fatal("metric recall.extraction_cache.hits not found")
	}
	sum, ok := hits.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("extraction cache hits = %v, want 2", sum.DataPoints)
	}

	failures := findMetric(rm, "recall.rerank.terminal_failures")
	if failures == nil {
		t.Fatal("metric recall.rerank.terminal_failures not found")
	}
	fsum, ok := failures.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	var sawContainerAttr bool
	for _, dp := range fsum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "container" && kv.Value.AsString() == "tag1" {
				sawContainerAttr = true
			}
		}
	}
	if !sawContainerAttr {
		t.Error("expected a data point tagged with container=tag1")
	}
}

func TestUpDownCountersTrackOccupancy(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ExtractionPoolOccupancy.Add(ctx, 3)
	m.ActiveReaders.Add(ctx, 2)
	m.ActiveWriters.Add(ctx, 1)
	m.ActiveWriters.Add(ctx, -1)

	rm := collect(t, reader)

	occ := findMetric(rm, "recall.pool.occupancy")
	if occ == nil {
		t.Fatal("metric recall.pool.occupancy not found")
	}
	sum, ok := occ.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 3 {
		t.Errorf("pool occupancy = %v, want 3", sum.DataPoints)
	}

	writers := findMetric(rm, "recall.lock.active_writers")
	if writers == nil {
		t.Fatal("metric recall.lock.active_writers not found")
	}
	wsum, ok := writers.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(wsum.DataPoints) == 0 || wsum.DataPoints[0].Value != 0 {
		t.Errorf("active writers = %v, want 0 after balanced add/subtract", wsum.DataPoints)
	}
}

func TestContainerAttrShape(t *testing.T) {
	attr := ContainerAttr("tag1")
	if string(attr.Key) != "container" || attr.Value.AsString() != "tag1" {
		t.Errorf("ContainerAttr(%q) = %+v, want key=container value=tag1", "tag1", attr)
	}
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default returned different pointers")
	}
}
