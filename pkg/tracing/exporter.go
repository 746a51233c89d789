package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ExporterConfig configures the optional span export bridge.
type ExporterConfig struct {
	Enabled      bool              `yaml:"enabled"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	Exporter     string            `yaml:"exporter"` // "jaeger" or "otlp"
	Endpoint     string            `yaml:"endpoint"`
	BatchTimeout time.Duration     `yaml:"batch_timeout"`
	MaxBatchSize int               `yaml:"max_batch_size"`
	Headers      map[string]string `yaml:"headers"`
}

// DefaultExporterConfig returns default exporter configuration.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Enabled:      false,
		ServiceName:  "campaign-telemetry",
		Environment:  "production",
		Exporter:     "otlp",
		Endpoint:     "localhost:4318",
		BatchTimeout: 5 * time.Second,
		MaxBatchSize: 512,
	}
}

var spansExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "campaign_telemetry_spans_exported_total",
	Help: "Total number of completed spans re-emitted to the collector",
})

// Exporter re-emits committed tracker spans to an external collector
// through the OpenTelemetry SDK. The original trace and span identifiers
// are carried as attributes.
type Exporter struct {
	config   ExporterConfig
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewExporter creates a new export bridge. A disabled config yields a
// nil exporter, which the tracker treats as "no export".
func NewExporter(config ExporterConfig, logger *logrus.Logger) (*Exporter, error) {
	if !config.Enabled {
		return nil, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultExporterConfig().ServiceName
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultExporterConfig().BatchTimeout
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultExporterConfig().MaxBatchSize
	}

	exporter, err := createSpanExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxBatchSize),
		),
		sdktrace.WithResource(res),
	)

	logger.WithFields(logrus.Fields{
		"service_name": config.ServiceName,
		"exporter":     config.Exporter,
		"endpoint":     config.Endpoint,
	}).Info("Span export bridge initialized")

	return &Exporter{
		config:   config,
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}, nil
}

// createSpanExporter creates the configured SDK exporter.
func createSpanExporter(config ExporterConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.Endpoint)))

	case "otlp":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithInsecure(),
		}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))

	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
}

// Export re-emits one completed span.
func (e *Exporter) Export(span *Span) {
	if e == nil || span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tracker.trace_id", span.TraceID),
		attribute.String("tracker.span_id", span.SpanID),
		attribute.String("tracker.service", span.Service),
	}
	if span.ParentID != "" {
		attrs = append(attrs, attribute.String("tracker.parent_id", span.ParentID))
	}
	for k, v := range span.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	_, otelSpan := e.tracer.Start(context.Background(), span.Name,
		oteltrace.WithTimestamp(span.StartTime),
		oteltrace.WithAttributes(attrs...),
	)

	switch span.Status {
	case StatusError:
		otelSpan.SetStatus(codes.Error, "span ended with error status")
	case StatusTimeout:
		otelSpan.SetStatus(codes.Error, "span ended with timeout status")
	default:
		otelSpan.SetStatus(codes.Ok, "")
	}

	otelSpan.End(oteltrace.WithTimestamp(span.EndTime))
	spansExportedTotal.Inc()
}

// Shutdown flushes pending exports.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil || e.provider == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
