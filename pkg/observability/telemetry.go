// Package observability wires OpenTelemetry tracing and metrics for the
// command and event pipeline. Exporters are pluggable; with none
// configured every instrument degrades to a no-op so library code can
// record unconditionally.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// scopeName identifies this library's tracer and meter scope.
const scopeName = "github.com/plaenen/cqrskit"

// Config configures the telemetry stack.
type Config struct {
	// ServiceName, ServiceVersion and Environment describe this process
	// in the exported resource.
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives finished spans. Nil disables tracing.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRate is the fraction of traces to sample, 0 to 1.
	TraceSampleRate float64

	// MetricReader collects metrics. Nil disables metrics.
	MetricReader sdkmetric.Reader

	// Logger receives setup and shutdown messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Telemetry holds the configured providers and the shared instrument
// bundle.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown func(context.Context) error
}

// Init sets up OpenTelemetry. A failing exporter degrades that signal to
// a no-op instead of failing startup, so observability problems never
// take the service down with them.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}
	var shutdownFuncs []func(context.Context) error

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("Tracing initialized", slog.String("service", cfg.ServiceName))
	} else {
		tel.TracerProvider = noop.NewTracerProvider()
		cfg.Logger.Debug("Tracing disabled, no exporter configured")
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter(scopeName))
		if err != nil {
			cfg.Logger.Warn("Metrics setup failed, continuing without metrics",
				slog.String("error", err.Error()))
		} else {
			tel.MeterProvider = mp
			tel.Metrics = metrics
			shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
			otel.SetMeterProvider(mp)
			cfg.Logger.Info("Metrics initialized", slog.String("service", cfg.ServiceName))
		}
	}
	if tel.MeterProvider == nil {
		// A reader-less provider records nothing.
		tel.MeterProvider = sdkmetric.NewMeterProvider()
		cfg.Logger.Debug("Metrics disabled, no reader configured")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	tel.shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops the configured providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown == nil {
		return nil
	}
	t.Logger.Info("Shutting down telemetry")
	return t.shutdown(ctx)
}

// Tracer returns a tracer in this library's scope. An empty name selects
// the library scope itself.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	if name == "" {
		name = scopeName
	}
	return t.TracerProvider.Tracer(name)
}

// Meter returns a meter in this library's scope. An empty name selects
// the library scope itself.
func (t *Telemetry) Meter(name string) metric.Meter {
	if name == "" {
		name = scopeName
	}
	return t.MeterProvider.Meter(name)
}
