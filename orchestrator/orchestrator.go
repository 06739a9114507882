// Package orchestrator coordinates the local cache store, the media payload
// store and the remote tier behind one cache-aware read/write API. One
// orchestrator instance serves the whole process; collaborators are injected
// at construction and Initialize must complete before any other operation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/clipforge/mediacache/capabilities"
	"github.com/clipforge/mediacache/fingerprint"
	"github.com/clipforge/mediacache/recovery"
	"github.com/clipforge/mediacache/remote"
	"github.com/clipforge/mediacache/store/cachedb"
	"github.com/clipforge/mediacache/store/mediastore"
	"github.com/clipforge/mediacache/telemetry"
)

// ErrNotInitialized is returned when an operation runs before Initialize
// has completed.
var ErrNotInitialized = errors.New("orchestrator: not initialized")

const (
	// DefaultFreshnessWindow bounds how stale a cached project snapshot may
	// be before it is revalidated against the remote tier.
	DefaultFreshnessWindow = 5 * time.Minute

	// DefaultSizeThreshold is the total cached bytes above which
	// OptimizeCache evicts the decoded frames category.
	DefaultSizeThreshold int64 = 100 << 20

	// ExportJobTTL is the fixed expiry on remote export-job records.
	ExportJobTTL = 24 * time.Hour
)

// Events are outbound notifications the orchestrator emits. All callbacks
// are optional and fire synchronously; subscribers must not block.
type Events struct {
	OnCacheHit      func(category cachedb.Category, key string)
	OnRecoveryFound func(name string, matches []fingerprint.MatchResult)
	OnError         func(op string, err error)
}

func (e Events) cacheHit(category cachedb.Category, key string) {
	if e.OnCacheHit != nil {
		e.OnCacheHit(category, key)
	}
}

func (e Events) errored(op string, err error) {
	if e.OnError != nil {
		e.OnError(op, err)
	}
}

// Orchestrator is the process-wide storage coordinator.
type Orchestrator struct {
	cache    cachedb.CacheDB
	media    *mediastore.Store
	projects remote.ProjectStore
	objects  remote.ObjectStore

	cachePath     string
	freshness     time.Duration
	sizeThreshold int64

	logger  *slog.Logger
	now     func() time.Time
	events  Events
	flight  singleflight.Group
	metrics rollingMetrics

	mu          sync.Mutex
	initialized bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithNow sets a custom time source for testing.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithEvents sets the outbound event callbacks.
func WithEvents(events Events) Option {
	return func(o *Orchestrator) {
		o.events = events
	}
}

// WithFreshnessWindow overrides the project snapshot freshness window.
func WithFreshnessWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.freshness = d
	}
}

// WithSizeThreshold overrides the cache-pressure eviction threshold.
func WithSizeThreshold(bytes int64) Option {
	return func(o *Orchestrator) {
		o.sizeThreshold = bytes
	}
}

// New creates an orchestrator over the given collaborators. The cache store
// is opened at cachePath by Initialize, not here.
func New(cachePath string, cache cachedb.CacheDB, media *mediastore.Store, projects remote.ProjectStore, objects remote.ObjectStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:         cache,
		media:         media,
		projects:      projects,
		objects:       objects,
		cachePath:     cachePath,
		freshness:     DefaultFreshnessWindow,
		sizeThreshold: DefaultSizeThreshold,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize opens the local cache store and sweeps expired entries.
// Idempotent: calling it again after success is a no-op. If the cache store
// cannot be opened the orchestrator still initializes and degrades to
// remote-only operation; every cache access then reads as a miss.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return nil
	}

	if err := o.cache.Open(o.cachePath); err != nil {
		o.logger.Warn("cache store unavailable, degrading to remote-only",
			"path", o.cachePath, "error", err)
		o.events.errored("initialize", err)
	} else if res, err := o.cache.SweepExpired(ctx); err != nil {
		o.logger.Warn("initial expiry sweep failed", "error", err)
	} else {
		telemetry.RecordSweep(ctx, res.Deleted, res.BytesFreed, res.Duration)
		o.logger.Info("cache store opened",
			"path", o.cachePath,
			"swept", res.Deleted,
			"bytes_freed", res.BytesFreed)
	}

	o.initialized = true
	return nil
}

// Close releases the local cache store. The orchestrator must be
// re-initialized before further use.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return nil
	}
	o.initialized = false
	return o.cache.Close()
}

// RecoveryEvents adapts the orchestrator's callbacks for a recovery
// workflow, forwarding found matches and per-file failures.
func (o *Orchestrator) RecoveryEvents() recovery.Events {
	return recovery.Events{
		OnRecoveryFound: o.events.OnRecoveryFound,
		OnError: func(name string, err error) {
			o.events.errored("recovery "+name, err)
		},
	}
}

// Stats returns a snapshot of the rolling hit rate and load time figures.
func (o *Orchestrator) Stats() Stats {
	return o.metrics.snapshot()
}

func (o *Orchestrator) ready() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return ErrNotInitialized
	}
	return nil
}

// finishOp records one completed operation: a persisted performance sample,
// the exported duration metric and the rolling load time average.
func (o *Orchestrator) finishOp(ctx context.Context, op string, start time.Time, opErr error, metadata map[string]string) {
	duration := o.now().Sub(start)
	o.metrics.observeDuration(duration)

	outcome := "ok"
	if opErr != nil {
		outcome = "error"
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["error"] = opErr.Error()
	}
	telemetry.RecordOperation(ctx, op, outcome, duration)

	sample := &cachedb.PerformanceSample{
		ID:         uuid.NewString(),
		Operation:  op,
		DurationMs: duration.Milliseconds(),
		Metadata:   metadata,
		Timestamp:  start,
	}
	if err := o.cache.PutPerformanceSample(ctx, sample); err != nil {
		o.logger.Debug("performance sample not recorded", "op", op, "error", err)
	}
}

// DetectDeviceCapabilities classifies the host and returns recommended
// cache sizing and concurrency budgets. Host inspection problems never
// fail the call; fallback values are returned instead.
func (o *Orchestrator) DetectDeviceCapabilities(ctx context.Context) (capabilities.Report, error) {
	if err := o.ready(); err != nil {
		return capabilities.Report{}, err
	}
	start := o.now()

	report := capabilities.Detect(ctx, o.logger)
	o.finishOp(ctx, "detect_device_capabilities", start, nil, map[string]string{
		"tier": string(report.Tier),
	})
	return report, nil
}

// OptimizeResult describes what OptimizeCache did.
type OptimizeResult struct {
	Swept         *cachedb.SweepResult
	TotalBytes    int64
	FramesCleared bool
}

// OptimizeCache sweeps expired entries, then relieves cache pressure: if
// total live bytes still exceed the size threshold the decoded frames
// category is cleared in full. Frames are the cheapest artifacts to
// regenerate, so they are the eviction target; no other category is touched.
func (o *Orchestrator) OptimizeCache(ctx context.Context) (*OptimizeResult, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	start := o.now()

	res, err := o.cache.SweepExpired(ctx)
	if err != nil {
		o.finishOp(ctx, "optimize_cache", start, err, nil)
		return nil, fmt.Errorf("sweeping expired entries: %w", err)
	}
	telemetry.RecordSweep(ctx, res.Deleted, res.BytesFreed, res.Duration)

	sizes, err := o.cache.SizeByCategory(ctx)
	if err != nil {
		o.finishOp(ctx, "optimize_cache", start, err, nil)
		return nil, fmt.Errorf("sizing cache: %w", err)
	}

	result := &OptimizeResult{Swept: res}
	exported := make(map[string]int64, len(sizes))
	for c, n := range sizes {
		result.TotalBytes += n
		exported[string(c)] = n
	}
	telemetry.UpdateCacheSize(ctx, exported)

	if result.TotalBytes > o.sizeThreshold {
		if err := o.cache.ClearCategory(ctx, cachedb.CategoryFrames); err != nil {
			o.finishOp(ctx, "optimize_cache", start, err, nil)
			return nil, fmt.Errorf("clearing frames category: %w", err)
		}
		result.FramesCleared = true
		o.logger.Info("cache over threshold, cleared decoded frames",
			"total_bytes", result.TotalBytes,
			"threshold", o.sizeThreshold)
	}

	o.finishOp(ctx, "optimize_cache", start, nil, map[string]string{
		"deleted": fmt.Sprintf("%d", res.Deleted),
	})
	return result, nil
}
