package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Settings selects which signals the goal engine exports.
// OTLP push and Prometheus pull metrics are independent of each other.
type Settings struct {
	ServiceName       string
	ServiceVersion    string
	CollectorEndpoint string
	Insecure          bool

	TracesEnabled bool
	SamplingRatio float64

	MetricsEnabled        bool
	MetricsExportInterval time.Duration // Default: 60s
	PrometheusEnabled     bool

	LogsEnabled bool
}

// Option customizes Setup.
type Option func(*setupOptions)

type setupOptions struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// WithSpanExporter exports spans synchronously to exporter instead of OTLP.
// Traces are enabled whenever an exporter is given.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *setupOptions) { o.spanExporter = exporter }
}

// WithMetricReader attaches an extra reader, enabling metrics.
func WithMetricReader(reader sdkmetric.Reader) Option {
	return func(o *setupOptions) { o.metricReader = reader }
}

// Providers owns the SDK providers for traces, metrics and logs.
// A nil provider means the signal is disabled and the global no-op stays installed.
type Providers struct {
	settings Settings
	logger   *zap.Logger

	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	logs     *sdklog.LoggerProvider
	registry *prometheus.Registry
}

// Setup builds the enabled providers and installs them globally.
func Setup(ctx context.Context, s Settings, logger *zap.Logger, opts ...Option) (*Providers, error) {
	o := &setupOptions{}
	for _, opt := range opts {
		opt(o)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(s.ServiceName),
		semconv.ServiceVersion(s.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Providers{settings: s, logger: logger}
	steps := []func(context.Context, *resource.Resource, *setupOptions) error{
		p.setupTraces, p.setupMetrics, p.setupLogs,
	}
	for _, step := range steps {
		if err := step(ctx, res, o); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
	}

	logger.Info("Telemetry initialized",
		zap.String("service_name", s.ServiceName),
		zap.Bool("traces", p.TracingEnabled()),
		zap.Bool("metrics", p.MetricsEnabled()),
		zap.Bool("prometheus", p.registry != nil),
		zap.Bool("logs", p.LogsEnabled()),
	)
	return p, nil
}

func (p *Providers) setupTraces(ctx context.Context, res *resource.Resource, o *setupOptions) error {
	var processor sdktrace.TracerProviderOption
	switch {
	case o.spanExporter != nil:
		processor = sdktrace.WithSyncer(o.spanExporter)
	case p.settings.TracesEnabled:
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.settings.CollectorEndpoint)}
		if p.settings.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		processor = sdktrace.WithBatcher(exporter)
	default:
		return nil
	}

	p.tracer = sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(p.settings.SamplingRatio))),
	)
	otel.SetTracerProvider(p.tracer)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

func (p *Providers) setupMetrics(ctx context.Context, res *resource.Resource, o *setupOptions) error {
	var readers []sdkmetric.Option

	if p.settings.MetricsEnabled {
		interval := p.settings.MetricsExportInterval
		if interval == 0 {
			interval = 60 * time.Second
		}
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.settings.CollectorEndpoint)}
		if p.settings.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)),
		))
	}

	if p.settings.PrometheusEnabled {
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		p.registry = registry
		readers = append(readers, sdkmetric.WithReader(exporter))
	}

	if o.metricReader != nil {
		readers = append(readers, sdkmetric.WithReader(o.metricReader))
	}
	if len(readers) == 0 {
		return nil
	}

	p.meter = sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
	otel.SetMeterProvider(p.meter)
	return nil
}

func (p *Providers) setupLogs(ctx context.Context, res *resource.Resource, _ *setupOptions) error {
	if !p.settings.LogsEnabled {
		return nil
	}

	exporterOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(p.settings.CollectorEndpoint)}
	if p.settings.Insecure {
		exporterOpts = append(exporterOpts, otlploggrpc.WithInsecure())
	}
	exporter, err := otlploggrpc.New(ctx, exporterOpts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP logs exporter: %w", err)
	}

	p.logs = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	global.SetLoggerProvider(p.logs)
	return nil
}

// TracingEnabled reports whether spans are exported
func (p *Providers) TracingEnabled() bool { return p.tracer != nil }

// MetricsEnabled reports whether any metric reader is attached
func (p *Providers) MetricsEnabled() bool { return p.meter != nil }

// LogsEnabled reports whether zap records are bridged to OTLP
func (p *Providers) LogsEnabled() bool { return p.logs != nil }

// Meter returns a named meter, falling back to the global provider.
func (p *Providers) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p.meter == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return p.meter.Meter(name, opts...)
}

// MetricsHandler returns the Prometheus scrape handler, or nil when Prometheus is disabled.
func (p *Providers) MetricsHandler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops every enabled provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if p.tracer != nil {
		if err := p.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if p.meter != nil {
		if err := p.meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	if p.logs != nil {
		if err := p.logs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logger provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
