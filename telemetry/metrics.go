// Package telemetry exports cache metrics via OpenTelemetry, with optional
// Prometheus and OTLP gRPC exporters.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/clipforge/mediacache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheReadsTotal    metric.Int64Counter
	opDuration         metric.Float64Histogram
	opsTotal           metric.Int64Counter
	remoteDuration     metric.Float64Histogram
	remoteTotal        metric.Int64Counter
	sweepDeletedTotal  metric.Int64Counter
	sweepBytesTotal    metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	cacheSizeBytes     metric.Int64Gauge
	fingerprintsTotal  metric.Int64Counter
	recoveryFilesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mediacache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	cacheReadsTotal, err := meter.Int64Counter(
		"mediacache_reads_total",
		metric.WithDescription("Total cache reads by category and result"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return err
	}

	opDuration, err := meter.Float64Histogram(
		"mediacache_op_duration_seconds",
		metric.WithDescription("Orchestrator operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	opsTotal, err := meter.Int64Counter(
		"mediacache_ops_total",
		metric.WithDescription("Total orchestrator operations by name and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	remoteDuration, err := meter.Float64Histogram(
		"mediacache_remote_request_duration_seconds",
		metric.WithDescription("Duration of remote tier requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20),
	)
	if err != nil {
		return err
	}

	remoteTotal, err := meter.Int64Counter(
		"mediacache_remote_requests_total",
		metric.WithDescription("Total remote tier requests by operation and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"mediacache_sweep_deleted_total",
		metric.WithDescription("Total expired entries deleted by sweeps"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepBytesTotal, err := meter.Int64Counter(
		"mediacache_sweep_bytes_freed_total",
		metric.WithDescription("Total bytes freed by sweeps"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"mediacache_sweep_duration_seconds",
		metric.WithDescription("Duration of expiry sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	cacheSizeBytes, err := meter.Int64Gauge(
		"mediacache_size_bytes",
		metric.WithDescription("Current live cache bytes per category"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	fingerprintsTotal, err := meter.Int64Counter(
		"mediacache_fingerprints_total",
		metric.WithDescription("Total fingerprint generations by outcome"),
		metric.WithUnit("{fingerprint}"),
	)
	if err != nil {
		return err
	}

	recoveryFilesTotal, err := meter.Int64Counter(
		"mediacache_recovery_files_total",
		metric.WithDescription("Total recovery batch files by resolution"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		cacheReadsTotal:    cacheReadsTotal,
		opDuration:         opDuration,
		opsTotal:           opsTotal,
		remoteDuration:     remoteDuration,
		remoteTotal:        remoteTotal,
		sweepDeletedTotal:  sweepDeletedTotal,
		sweepBytesTotal:    sweepBytesTotal,
		sweepDuration:      sweepDuration,
		cacheSizeBytes:     cacheSizeBytes,
		fingerprintsTotal:  fingerprintsTotal,
		recoveryFilesTotal: recoveryFilesTotal,
		meterProvider:      mp,
		promHandler:        promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCacheRead records one cache read and whether it was served locally.
func RecordCacheRead(ctx context.Context, category string, hit bool) {
	if globalMetrics == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.cacheReadsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("result", result),
	))
}

// RecordOperation records an orchestrator operation's duration and outcome.
func RecordOperation(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.opsTotal.Add(ctx, 1, attrs)
	globalMetrics.opDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRemoteRequest records one remote tier call.
func RecordRemoteRequest(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteTotal.Add(ctx, 1, attrs)
	globalMetrics.remoteDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSweep records one expiry sweep's results.
func RecordSweep(ctx context.Context, deleted int, bytesFreed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepBytesTotal.Add(ctx, bytesFreed)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// UpdateCacheSize updates the per-category live-bytes gauge.
func UpdateCacheSize(ctx context.Context, sizes map[string]int64) {
	if globalMetrics == nil {
		return
	}

	for category, bytes := range sizes {
		globalMetrics.cacheSizeBytes.Record(ctx, bytes, metric.WithAttributes(
			attribute.String("category", category),
		))
	}
}

// RecordFingerprint records one fingerprint registration.
// outcome is "stored" or "error".
func RecordFingerprint(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fingerprintsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordRecoveryFile records the resolution of one file in a recovery batch.
// resolution is "matched", "stored_new", "recovered" or "failed".
func RecordRecoveryFile(ctx context.Context, resolution string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.recoveryFilesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resolution", resolution),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
