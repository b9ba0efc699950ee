package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ProviderConfig configures the metrics side of the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName is reported on every exported metric. Default: "recall".
	ServiceName string
}

// InitProvider builds a MeterProvider backed by a Prometheus exporter and
// registers it as the global OTel meter provider, so a later call to
// Default() picks it up. The returned shutdown func flushes and closes the
// exporter; call it once during process shutdown.
//
// Hosts that don't want Prometheus scraping (tests, short-lived CLI
// invocations) can skip this entirely — Default() falls back to whatever
// the global provider already is, a no-op one if nothing called InitProvider.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "recall"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
