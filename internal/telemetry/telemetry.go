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

const instrumentationName = "github.com/jordanhubbard/approvalflow"

var (
	// Global tracer for the application. Until InitTelemetry installs a
	// provider it delegates to the global no-op provider.
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Global meter for custom metrics
	Meter metric.Meter = otel.Meter(instrumentationName)

	// Custom metrics
	WorkflowsStarted      metric.Int64Counter
	WorkflowsCompleted    metric.Int64Counter
	StepsExecuted         metric.Int64Counter
	IntegrationDispatches metric.Int64Counter
	IntegrationLatency    metric.Float64Histogram
)

func init() {
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Warning: failed to create metrics: %v", err)
	}
}

// InitTelemetry initializes OpenTelemetry tracing and exports spans to the
// given OTLP gRPC endpoint
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	// Create OTLP trace exporter
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

	WorkflowsStarted, err = Meter.Int64Counter(
		"approvalflow.workflows.started",
		metric.WithDescription("Number of workflow executions started"),
	)
	if err != nil {
		return err
	}

	WorkflowsCompleted, err = Meter.Int64Counter(
		"approvalflow.workflows.completed",
		metric.WithDescription("Number of workflow executions that ran past their last step"),
	)
	if err != nil {
		return err
	}

	StepsExecuted, err = Meter.Int64Counter(
		"approvalflow.steps.executed",
		metric.WithDescription("Number of steps executed or paused on"),
	)
	if err != nil {
		return err
	}

	IntegrationDispatches, err = Meter.Int64Counter(
		"approvalflow.integrations.dispatched",
		metric.WithDescription("Number of integration calls dispatched"),
	)
	if err != nil {
		return err
	}

	IntegrationLatency, err = Meter.Float64Histogram(
		"approvalflow.integrations.latency",
		metric.WithDescription("Integration call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}
