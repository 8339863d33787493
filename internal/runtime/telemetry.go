package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-aitalk/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry holds the providers one runtime exports through.
type telemetry struct {
	tracer *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	// handler serves the Prometheus scrape; nil when the exporter failed.
	handler http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, err
	}

	tracer, err := initTracer(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, err
	}
	meters, handler := initMetrics(res, logger)

	otel.SetTracerProvider(tracer)
	otel.SetMeterProvider(meters)
	return &telemetry{tracer: tracer, meters: meters, handler: handler}, nil
}

// resourceAttributes identify the node and the engine it fronts on every
// exported span and metric.
func resourceAttributes(cfg config.Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("loqa.tts.mode", cfg.TTS.Mode),
	}
	if cfg.Node.ID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Node.ID))
	}
	if cfg.Node.Role != "" {
		attrs = append(attrs, attribute.String("loqa.node.role", cfg.Node.Role))
	}
	if cfg.TTS.Mode == "aitalk" {
		attrs = append(attrs,
			attribute.String("loqa.aitalk.language", cfg.AITalk.Language),
			attribute.String("loqa.aitalk.voice", cfg.AITalk.Voice),
			attribute.Int("loqa.aitalk.voice_db_hz", cfg.AITalk.VoiceDBHz),
		)
	}
	return attrs
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	name := "none"
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter, name = otlp, "otlp"
	case cfg.StdoutTraces:
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporter, name = stdout, "stdout"
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	logger.Info("telemetry initialized", slog.String("exporter", name))
	return sdktrace.NewTracerProvider(opts...), nil
}

// initMetrics exports through a registry owned by this runtime so that
// several runtimes can coexist in one process.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slogError(err))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return meters, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
