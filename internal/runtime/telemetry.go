package runtime

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/troubleshoot-sh/evidenced/config"
)

// Telemetry encapsulates tracer and meter providers plus the prometheus
// registry backing the /metrics endpoint.
type Telemetry struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	Registry *prometheus.Registry
}

// TelemetryOptions configures telemetry initialization.
type TelemetryOptions struct {
	ServiceName    string
	ServiceVersion string
}

// SetupTelemetry initializes tracing and metrics for the service. Metrics
// are always exposed through the returned prometheus registry; traces are
// exported only when an OTLP endpoint is configured.
func SetupTelemetry(ctx context.Context, cfg config.TelemetryConfig, opts TelemetryOptions) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{Registry: prometheus.NewRegistry()}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("service.namespace", "evidenced"),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("resource init: %w", err)
	}

	t := &Telemetry{Registry: prometheus.NewRegistry()}

	if cfg.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp init: %w", err)
		}
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.tp)
	}

	promExporter, err := promexporter.New(promexporter.WithRegisterer(t.Registry))
	if err != nil {
		return nil, fmt.Errorf("prom exporter: %w", err)
	}
	t.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(t.mp)

	return t, nil
}

// Shutdown flushes providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown: %w", e)
		}
	}
	if t.mp != nil {
		if e := t.mp.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%v; metric shutdown: %w", err, e)
			} else {
				err = fmt.Errorf("metric shutdown: %w", e)
			}
		}
	}
	return err
}
