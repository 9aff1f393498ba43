package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span exporters accepted by NewTracingManager
const (
	TracingExporterNone   = "none"
	TracingExporterStdout = "stdout"
	TracingExporterOTLP   = "otlp"
)

// TracingConfig holds tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Exporter       string
	Endpoint       string
	Insecure       bool
	SamplingRate   float64
}

// TracingManager handles distributed tracing. A nil manager, or one built
// with the none exporter, hands out non-recording spans.
type TracingManager struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	provider   *sdktrace.TracerProvider
}

// NewTracingManager creates a tracing manager and installs it as the global
// tracer provider when an exporter is configured.
func NewTracingManager(ctx context.Context, cfg *TracingConfig) (*TracingManager, error) {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	var exp sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", TracingExporterNone:
		return &TracingManager{
			tracer:     noop.NewTracerProvider().Tracer(cfg.ServiceName),
			propagator: propagator,
		}, nil
	case TracingExporterStdout:
		exp, err = stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s span exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return NewTracingManagerFromProvider(tp, cfg.ServiceName), nil
}

// NewTracingManagerFromProvider wraps an existing provider, e.g. one feeding
// an in-memory span recorder. Shutdown stops tp.
func NewTracingManagerFromProvider(tp *sdktrace.TracerProvider, name string) *TracingManager {
	return &TracingManager{
		tracer: tp.Tracer(name),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		provider: tp,
	}
}

var noopTracer = noop.NewTracerProvider().Tracer("")

func (tm *TracingManager) tracerOrNoop() trace.Tracer {
	if tm == nil || tm.tracer == nil {
		return noopTracer
	}
	return tm.tracer
}

// Enabled reports whether spans are exported
func (tm *TracingManager) Enabled() bool {
	return tm != nil && tm.provider != nil
}

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tm.tracerOrNoop().Start(ctx, operationName, opts...)
}

// StartAuthSpan starts a span for authentication operations
func (tm *TracingManager) StartAuthSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, "auth."+operation,
		trace.WithAttributes(attribute.String("auth.operation", operation)),
	)
}

// RecordDatabaseSpan records a finished statement as a span from start
// until now.
func (tm *TracingManager) RecordDatabaseSpan(ctx context.Context, operation, table string, start time.Time, rows int64, err error) {
	if !tm.Enabled() {
		return
	}

	_, span := tm.tracer.Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(start),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBOperation(operation),
			semconv.DBSQLTable(table),
			attribute.Int64("db.rows_affected", rows),
		),
	)
	RecordError(span, err)
	span.End()
}

// RecordError marks span as failed. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// HTTPMiddleware continues the caller's trace from the request headers and
// wraps the request in a server span.
func (tm *TracingManager) HTTPMiddleware(next http.Handler) http.Handler {
	if !tm.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tm.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tm.tracer.Start(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethod(r.Method),
				semconv.HTTPTarget(r.URL.Path),
				semconv.HTTPUserAgent(r.UserAgent()),
			),
		)
		defer span.End()

		tm.propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPStatusCode(wrapper.statusCode))
		if wrapper.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}
	})
}

// RouteMiddleware renames the server span after the matched mux route so
// span names stay low-cardinality. Install it with Router.Use.
func (tm *TracingManager) RouteMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tm.Enabled() {
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					span := trace.SpanFromContext(r.Context())
					span.SetName(r.Method + " " + tpl)
					span.SetAttributes(semconv.HTTPRoute(tpl))
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown flushes pending spans and stops the provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if !tm.Enabled() {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}
