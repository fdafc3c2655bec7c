// Package observer provides OTEL-based observability for the agent
// runtime: traces for requests, classifications, tool executions, and
// workflow nodes, plus counters and histograms for each. Export goes to
// any OTEL-compatible backend via the standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nvallen/pilot/observer"

// Instruments holds all OTEL instruments the runtime reports to.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Requests        metric.Int64Counter
	Classifications metric.Int64Counter
	ToolExecutions  metric.Int64Counter
	WorkflowNodes   metric.Int64Counter
	ModelCalls      metric.Int64Counter
	TokenUsage      metric.Int64Counter

	// Histograms
	RequestDuration  metric.Float64Histogram
	ToolDuration     metric.Float64Histogram
	WorkflowDuration metric.Float64Histogram
	ModelDuration    metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("pilot")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	requests, err := meter.Int64Counter("agent.requests",
		metric.WithDescription("Processed request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	classifications, err := meter.Int64Counter("agent.classifications",
		metric.WithDescription("Classification count by method and kind"),
		metric.WithUnit("{classification}"))
	if err != nil {
		return nil, err
	}
	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	workflowNodes, err := meter.Int64Counter("workflow.nodes",
		metric.WithDescription("Completed workflow node count"),
		metric.WithUnit("{node}"))
	if err != nil {
		return nil, err
	}
	modelCalls, err := meter.Int64Counter("model.calls",
		metric.WithDescription("Model invocation count"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	tokenUsage, err := meter.Int64Counter("model.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram("agent.request.duration",
		metric.WithDescription("End-to-end request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	workflowDuration, err := meter.Float64Histogram("workflow.duration",
		metric.WithDescription("Workflow execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	modelDuration, err := meter.Float64Histogram("model.duration",
		metric.WithDescription("Model call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		Requests:         requests,
		Classifications:  classifications,
		ToolExecutions:   toolExecutions,
		WorkflowNodes:    workflowNodes,
		ModelCalls:       modelCalls,
		TokenUsage:       tokenUsage,
		RequestDuration:  requestDuration,
		ToolDuration:     toolDuration,
		WorkflowDuration: workflowDuration,
		ModelDuration:    modelDuration,
	}, nil
}
