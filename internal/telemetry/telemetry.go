package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported as the service version.
const Version = "0.1.0"

var (
	// Global tracer for the application. Until InitTelemetry runs it is the
	// no-op tracer of the default global provider.
	Tracer trace.Tracer = otel.Tracer("tinyloom")

	// Global meter for custom metrics
	Meter metric.Meter = otel.Meter("tinyloom")

	// Custom metrics
	MessagesProcessed  metric.Int64Counter
	ConversationsOpen  metric.Int64UpDownCounter
	TeamHandoffs       metric.Int64Counter
	AgentExecutionTime metric.Float64Histogram
	DispatchLatency    metric.Float64Histogram
)

func init() {
	// Instruments from the default (no-op) meter so callers never see nil.
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Failed to create default instruments: %v", err)
	}
}

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			attribute.String("component", "queue-processor"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	MessagesProcessed, err = Meter.Int64Counter(
		"tinyloom.messages.processed",
		metric.WithDescription("Number of queue messages processed"),
	)
	if err != nil {
		return err
	}

	ConversationsOpen, err = Meter.Int64UpDownCounter(
		"tinyloom.conversations.open",
		metric.WithDescription("Number of team conversations with outstanding branches"),
	)
	if err != nil {
		return err
	}

	TeamHandoffs, err = Meter.Int64Counter(
		"tinyloom.team.handoffs",
		metric.WithDescription("Number of teammate delegations"),
	)
	if err != nil {
		return err
	}

	AgentExecutionTime, err = Meter.Float64Histogram(
		"tinyloom.agent.execution_time",
		metric.WithDescription("Agent invocation time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	DispatchLatency, err = Meter.Float64Histogram(
		"tinyloom.dispatch.latency",
		metric.WithDescription("Time from enqueue to claim in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}
