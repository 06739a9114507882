// Package gc runs background maintenance over the media cache: periodic
// expiry sweeps of the cache database and deletion of orphaned media
// payloads that no fingerprint references anymore.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/mediacache/store/cachedb"
	"github.com/clipforge/mediacache/store/mediastore"
	"github.com/clipforge/mediacache/telemetry"
)

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	ExpiredDeleted  int           `json:"expired_deleted"`
	OrphansDeleted  int           `json:"orphans_deleted"`
	BytesReclaimed  int64         `json:"bytes_reclaimed"`
	Errors          []string      `json:"errors,omitempty"`
}

// Manager runs the maintenance phases on a schedule.
type Manager struct {
	db     cachedb.CacheDB
	media  *mediastore.Store
	config Config
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a new GC manager.
func New(db cachedb.CacheDB, media *mediastore.Store, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		media:  media,
		config: config,
		logger: logger,
	}
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.runGC(ctx), nil
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	result := &Result{StartedAt: time.Now()}

	m.phaseSweepExpired(ctx, result)
	m.phaseDeleteOrphans(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.logger.Info("gc run complete",
		"duration", result.Duration,
		"expired_deleted", result.ExpiredDeleted,
		"orphans_deleted", result.OrphansDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)
	return result
}

// phaseSweepExpired deletes expired cache database entries.
func (m *Manager) phaseSweepExpired(ctx context.Context, result *Result) {
	m.logger.Debug("phase: sweep expired entries")

	res, err := m.db.SweepExpired(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep expired: %v", err))
		m.logger.Error("expiry sweep failed", "error", err)
		return
	}

	result.ExpiredDeleted += res.Deleted
	result.BytesReclaimed += res.BytesFreed
	telemetry.RecordSweep(ctx, res.Deleted, res.BytesFreed, res.Duration)
}

// phaseDeleteOrphans deletes media payloads whose hash no registered
// fingerprint references anymore.
func (m *Manager) phaseDeleteOrphans(ctx context.Context, result *Result) {
	m.logger.Debug("phase: delete orphan payloads")

	fps, err := m.db.ListFingerprints(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list fingerprints: %v", err))
		m.logger.Error("fingerprint listing failed", "error", err)
		return
	}

	referenced := make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		referenced[fp.ContentHash.String()] = struct{}{}
	}

	hashes, err := m.media.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list payloads: %v", err))
		m.logger.Error("payload listing failed", "error", err)
		return
	}

	for _, h := range hashes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, ok := referenced[h.String()]; ok {
			continue
		}

		if err := m.media.Delete(ctx, h); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete payload %s: %v", h.ShortString(), err))
			m.logger.Error("orphan payload delete failed", "hash", h.ShortString(), "error", err)
			continue
		}

		result.OrphansDeleted++
		m.logger.Debug("deleted orphan payload", "hash", h.ShortString())
	}
}
