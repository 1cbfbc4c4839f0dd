package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const defaultMetricExportInterval = 60 * time.Second

var (
	metricsMutex   sync.RWMutex
	meterProvider  *sdkmetric.MeterProvider
	metricsEnabled bool

	searchCounter         metric.Int64Counter
	searchDurationHist    metric.Float64Histogram
	providerErrorsCounter metric.Int64Counter
	queueEventsCounter    metric.Int64Counter
	cacheOpsCounter       metric.Int64Counter
)

// InitMetrics initialises the OpenTelemetry meter provider.
// Should be called after InitTracer.
func InitMetrics(logger *logrus.Logger) (func() error, error) {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	noopShutdown := func() error { return nil }

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		logger.Debug("OTEL Metrics: Not configured, using noop meter")
		metricsEnabled = false
		return noopShutdown, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var exporter sdkmetric.Exporter
	var err error
	switch protocol := getOTLPProtocol(); protocol {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx)
	default:
		exporter, err = otlpmetrichttp.New(ctx)
	}
	if err != nil {
		metricsEnabled = false
		return noopShutdown, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := newResource(ctx)
	if err != nil {
		logger.WithError(err).Warn("OTEL Metrics: Failed to create resource, using default")
		res = resource.Default()
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(getMetricExportInterval(logger)),
		)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	meterProvider = mp

	if err := initInstruments(mp.Meter(instrumentationName)); err != nil {
		return noopShutdown, err
	}
	metricsEnabled = true
	logger.WithField("endpoint", endpoint).Info("OTEL Metrics: Meter initialised")

	return func() error {
		metricsMutex.Lock()
		defer metricsMutex.Unlock()
		if meterProvider == nil {
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		meterProvider = nil
		metricsEnabled = false
		return nil
	}, nil
}

func initInstruments(meter metric.Meter) error {
	var err error

	if searchCounter, err = meter.Int64Counter("privsearch.search.requests",
		metric.WithDescription("Aggregated searches by outcome"),
		metric.WithUnit("{search}"),
	); err != nil {
		return fmt.Errorf("failed to create search counter: %w", err)
	}

	if searchDurationHist, err = meter.Float64Histogram("privsearch.search.duration",
		metric.WithDescription("Aggregated search duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
	); err != nil {
		return fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	if providerErrorsCounter, err = meter.Int64Counter("privsearch.provider.errors",
		metric.WithDescription("Provider failures by error kind"),
		metric.WithUnit("{error}"),
	); err != nil {
		return fmt.Errorf("failed to create provider error counter: %w", err)
	}

	if queueEventsCounter, err = meter.Int64Counter("privsearch.queue.events",
		metric.WithDescription("Request queue dispatches, retries, evictions and circuit rejections"),
		metric.WithUnit("{event}"),
	); err != nil {
		return fmt.Errorf("failed to create queue event counter: %w", err)
	}

	if cacheOpsCounter, err = meter.Int64Counter("privsearch.cache.operations",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return fmt.Errorf("failed to create cache counter: %w", err)
	}

	return nil
}

// IsMetricsEnabled returns true if metrics collection is enabled
func IsMetricsEnabled() bool {
	metricsMutex.RLock()
	defer metricsMutex.RUnlock()
	return metricsEnabled
}

// RecordSearch records one aggregated search
func RecordSearch(ctx context.Context, success bool, cached bool, durationMs float64) {
	if !IsMetricsEnabled() {
		return
	}
	result := "success"
	if !success {
		result = "empty"
	}
	searchCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.Bool("cached", cached),
	))
	searchDurationHist.Record(ctx, durationMs)
}

// RecordProviderError records a skipped provider
func RecordProviderError(ctx context.Context, provider string, kind string) {
	if !IsMetricsEnabled() {
		return
	}
	providerErrorsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrErrorKind, kind),
	))
}

// RecordQueueEvent records a request queue transition
func RecordQueueEvent(ctx context.Context, event string, priority string) {
	if !IsMetricsEnabled() {
		return
	}
	queueEventsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("priority", priority),
	))
}

// RecordCacheOperation records a cache lookup
func RecordCacheOperation(ctx context.Context, cacheName string, hit bool) {
	if !IsMetricsEnabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.name", cacheName),
		attribute.String("result", result),
	))
}

func getMetricExportInterval(logger *logrus.Logger) time.Duration {
	intervalStr := os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")
	if intervalStr == "" {
		return defaultMetricExportInterval
	}

	// bare numbers are seconds
	duration, err := time.ParseDuration(intervalStr)
	if err != nil {
		duration, err = time.ParseDuration(intervalStr + "s")
		if err != nil {
			logger.WithField("interval", intervalStr).Warn("OTEL Metrics: Invalid export interval, using default")
			return defaultMetricExportInterval
		}
	}
	return duration
}
