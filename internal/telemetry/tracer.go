package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sammcj/privsearch/internal/searcherr"
)

const instrumentationName = "privsearch"

var (
	// tracerMutex protects the tracer state below
	tracerMutex    sync.RWMutex
	globalTracer   trace.Tracer
	tracerProvider *sdktrace.TracerProvider
	tracingEnabled bool
	serviceVersion = "dev"
)

// otelErrorHandler adapts OTEL SDK errors to our logging system.
// Stdio serve mode must never write to stderr.
type otelErrorHandler struct {
	logger *logrus.Logger
}

func (h *otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	h.logger.WithError(err).Debug("OTEL: SDK error occurred")
}

// SetServiceVersion records the build version reported in resource attributes
func SetServiceVersion(v string) {
	tracerMutex.Lock()
	defer tracerMutex.Unlock()
	if v != "" {
		serviceVersion = v
	}
}

// InitTracer initialises the OpenTelemetry tracer from the standard OTEL_* environment
// variables. Without OTEL_EXPORTER_OTLP_ENDPOINT a noop tracer is installed.
// The returned shutdown function is always safe to call.
func InitTracer(logger *logrus.Logger) (func() error, error) {
	tracerMutex.Lock()
	defer tracerMutex.Unlock()

	noopShutdown := func() error { return nil }

	if strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		logger.Debug("OTEL: Explicitly disabled via OTEL_SDK_DISABLED")
		globalTracer = noop.NewTracerProvider().Tracer(instrumentationName)
		tracingEnabled = false
		return noopShutdown, nil
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		logger.Debug("OTEL: Not configured, using noop tracer")
		globalTracer = noop.NewTracerProvider().Tracer(instrumentationName)
		tracingEnabled = false
		return noopShutdown, nil
	}

	logger.WithField("endpoint", endpoint).Info("OTEL: Initialising tracer")
	otel.SetErrorHandler(&otelErrorHandler{logger: logger})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var exporter *otlptrace.Exporter
	var err error
	switch protocol := getOTLPProtocol(); protocol {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx)
	case "http/protobuf", "http":
		exporter, err = otlptracehttp.New(ctx)
	default:
		logger.WithField("protocol", protocol).Warn("OTEL: Unknown protocol, defaulting to http")
		exporter, err = otlptracehttp.New(ctx)
	}
	if err != nil {
		globalTracer = noop.NewTracerProvider().Tracer(instrumentationName)
		tracingEnabled = false
		return noopShutdown, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := newResource(ctx)
	if err != nil {
		logger.WithError(err).Warn("OTEL: Failed to create resource, using default")
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(logger)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracer = tp.Tracer(instrumentationName)
	tracerProvider = tp
	tracingEnabled = true

	return func() error {
		tracerMutex.Lock()
		defer tracerMutex.Unlock()
		if tracerProvider == nil {
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		tracerProvider = nil
		return nil
	}, nil
}

// GetTracer returns the configured tracer, or a noop tracer before InitTracer
func GetTracer() trace.Tracer {
	tracerMutex.RLock()
	defer tracerMutex.RUnlock()
	if globalTracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return globalTracer
}

// IsEnabled returns true if tracing is enabled
func IsEnabled() bool {
	tracerMutex.RLock()
	defer tracerMutex.RUnlock()
	return tracingEnabled
}

// StartSearchSpan starts the root span for one aggregated search.
// The caller MUST call EndSpan.
func StartSearchSpan(ctx context.Context, query string, page, limit int) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, SpanNameSearch,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSearchQuery, TruncateString(query, 256)),
			attribute.Int(AttrSearchPage, page),
			attribute.Int(AttrSearchLimit, limit),
		),
	)
}

// StartProviderSpan starts a child span for one provider endpoint attempt
func StartProviderSpan(ctx context.Context, provider, endpoint string) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, SpanNameProvider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrProviderName, provider),
			attribute.String(AttrProviderEndpoint, SanitiseURL(endpoint)),
		),
	)
}

// EndSpan records the outcome and ends span
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrErrorKind, searcherr.KindOf(err).String()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func newResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(getServiceName()),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
		resource.WithFromEnv(),
	)
}

func getOTLPProtocol() string {
	protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL")
	if protocol == "" {
		if strings.Contains(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), ":4317") {
			return "grpc"
		}
		return "http/protobuf"
	}
	return protocol
}

func getServiceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return instrumentationName
}

func createSampler(logger *logrus.Logger) sdktrace.Sampler {
	samplerArg := os.Getenv("OTEL_TRACES_SAMPLER_ARG")

	switch samplerType := os.Getenv("OTEL_TRACES_SAMPLER"); samplerType {
	case "", "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(parseRatio(samplerArg, 1.0))
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(parseRatio(samplerArg, 1.0)))
	default:
		logger.WithField("sampler", samplerType).Warn("OTEL: Unknown sampler type, using always_on")
		return sdktrace.AlwaysSample()
	}
}

func parseRatio(s string, defaultVal float64) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return defaultVal
	}
	return min(max(f, 0), 1)
}
