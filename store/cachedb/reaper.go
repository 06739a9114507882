package cachedb

import (
	"context"
	"log/slog"
	"time"
)

// Reaper runs periodic expiry sweeps against a cache store. It is the
// active counterpart of the lazy check-on-read expiry: both enforce the
// same invariant that no read ever returns an expired entry.
type Reaper struct {
	db       CacheDB
	interval time.Duration
	logger   *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the sweep interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a new reaper with the given options.
// Default interval is 15 minutes.
func NewReaper(db CacheDB, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		db:       db,
		interval: 15 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("expiry reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("expiry reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	result, err := r.db.SweepExpired(ctx)
	if err != nil {
		r.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if result.Deleted > 0 {
		r.logger.Info("expired entries reaped",
			"deleted", result.Deleted,
			"bytes_freed", result.BytesFreed)
	}
}

// ReapNow runs a single sweep immediately. Useful for testing.
func (r *Reaper) ReapNow(ctx context.Context) {
	r.reap(ctx)
}
