// Package telemetry wires Hydrant's running counters into an OpenTelemetry
// metrics exporter. Tracing is not part of this pipeline: Hydrant processes
// one input stream start to finish and has no request graph worth tracing,
// so only the metrics half of the teacher's original Init survives here.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
)

// Shutdown flushes and tears down the meter provider.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry meter provider; the pipeline's
// observable gauges are registered separately by RegisterPipelineGauges.
// If endpoint is empty, OTEL is disabled and Init returns a no-op shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return mp.Shutdown(ctx)
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// RegisterPipelineGauges registers the pool and batch observable gauges
// against the global meter, sampling pool and stats state on each collect.
// currentBatchBytes reports the accumulator's live buffer occupancy.
func RegisterPipelineGauges(meterName string, p *pool.Pool, st *stats.Stats, currentBatchBytes func() int64) error {
	meter := Meter(meterName)

	poolAvailable, err := meter.Int64ObservableGauge("hydrant.pool.available")
	if err != nil {
		return fmt.Errorf("telemetry: register pool.available: %w", err)
	}
	poolInUse, err := meter.Int64ObservableGauge("hydrant.pool.in_use")
	if err != nil {
		return fmt.Errorf("telemetry: register pool.in_use: %w", err)
	}
	poolDead, err := meter.Int64ObservableGauge("hydrant.pool.dead")
	if err != nil {
		return fmt.Errorf("telemetry: register pool.dead: %w", err)
	}
	batchBufferBytes, err := meter.Int64ObservableGauge("hydrant.batch.buffer_bytes")
	if err != nil {
		return fmt.Errorf("telemetry: register batch.buffer_bytes: %w", err)
	}
	batchTotalBytes, err := meter.Int64ObservableGauge("hydrant.batch.total_bytes")
	if err != nil {
		return fmt.Errorf("telemetry: register batch.total_bytes: %w", err)
	}
	batchErrorsTotal, err := meter.Int64ObservableGauge("hydrant.batch.errors_total")
	if err != nil {
		return fmt.Errorf("telemetry: register batch.errors_total: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		counts := p.Counts()
		o.ObserveInt64(poolAvailable, int64(counts.Available))
		o.ObserveInt64(poolInUse, int64(counts.InUse))
		o.ObserveInt64(poolDead, int64(counts.Dead))

		o.ObserveInt64(batchBufferBytes, currentBatchBytes())

		snapshot := st.Snapshot(0, func() stats.ConnectionCounts { return counts })
		o.ObserveInt64(batchTotalBytes, snapshot.TotalBytes)
		o.ObserveInt64(batchErrorsTotal, snapshot.Errors)

		return nil
	}, poolAvailable, poolInUse, poolDead, batchBufferBytes, batchTotalBytes, batchErrorsTotal)
	if err != nil {
		return fmt.Errorf("telemetry: register callback: %w", err)
	}

	return nil
}
