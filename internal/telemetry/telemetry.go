// Package telemetry wires OpenTelemetry tracing (Google Cloud Trace) and bridges
// OpenTelemetry metrics onto the Prometheus registry served at /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config describes the service for trace resources.
type Config struct {
	ServiceName string
	Version     string
	// ProjectID enables export to Google Cloud Trace; empty keeps spans local.
	ProjectID string
	// Registerer receives the OpenTelemetry metric bridge; nil skips it.
	Registerer prometheus.Registerer
}

// Providers holds the installed global providers.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *metric.MeterProvider
}

var (
	initOnce  sync.Once
	providers Providers
	initErr   error
)

// Init installs the global tracer and meter providers. Only the first call
// takes effect; later calls return the same providers.
func Init(ctx context.Context, cfg Config) (Providers, error) {
	initOnce.Do(func() {
		providers, initErr = setup(ctx, cfg)
	})
	return providers, initErr
}

func setup(ctx context.Context, cfg Config) (Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tracksync"
	}
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	}
	if cfg.ProjectID != "" {
		attrs = append(attrs, resource.WithAttributes(
			semconv.CloudProviderGCP,
			semconv.CloudAccountID(cfg.ProjectID),
		))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return Providers{}, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if cfg.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return Providers{}, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	out := Providers{Tracer: tp}
	if cfg.Registerer != nil {
		promExporter, err := otelprom.New(otelprom.WithRegisterer(cfg.Registerer))
		if err != nil {
			return Providers{}, errors.Join(fmt.Errorf("failed to create prometheus exporter: %w", err), tp.Shutdown(ctx))
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(promExporter))
		otel.SetMeterProvider(mp)
		out.Meter = mp
	}
	return out, nil
}

// Shutdown flushes and stops the providers.
func (p Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.Tracer != nil {
		if err := p.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if p.Meter != nil {
		if err := p.Meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
