package cachedb

import (
	"context"
	"errors"
	"time"

	mediacache "github.com/clipforge/mediacache"
)

// ErrNotFound is returned when an entry does not exist or has expired.
var ErrNotFound = errors.New("cachedb: not found")

// ErrStoreUnavailable is returned when the underlying database is not open.
// Callers must treat this as a cache miss and degrade to remote-only
// operation, never as a fatal error.
var ErrStoreUnavailable = errors.New("cachedb: store unavailable")

// CacheDB is the typed local cache store. Every read honours one invariant:
// no read ever returns an expired entry. Reads lazily delete entries whose
// expiry has passed; SweepExpired enforces the same invariant eagerly.
type CacheDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Thumbnails, keyed by asset id + timestamp.
	PutThumbnail(ctx context.Context, t *Thumbnail) error
	GetThumbnail(ctx context.Context, assetID string, timestampMs int64) (*Thumbnail, error)
	ThumbnailsForAsset(ctx context.Context, assetID string) ([]*Thumbnail, error)

	// Waveforms, one per asset.
	PutWaveform(ctx context.Context, w *Waveform) error
	GetWaveform(ctx context.Context, assetID string) (*Waveform, error)

	// Decoded frames, keyed by asset id + timestamp + quality.
	PutFrame(ctx context.Context, f *DecodedFrame) error
	GetFrame(ctx context.Context, assetID string, timestampMs int64, quality FrameQuality) (*DecodedFrame, error)

	// Project snapshots, keyed by project id.
	PutProject(ctx context.Context, p *ProjectSnapshot) error
	GetProject(ctx context.Context, projectID string) (*ProjectSnapshot, error)

	// Performance samples, keyed by random id.
	PutPerformanceSample(ctx context.Context, s *PerformanceSample) error
	ListPerformanceSamples(ctx context.Context, limit int) ([]*PerformanceSample, error)

	// Fingerprint registry.
	PutFingerprint(ctx context.Context, fp *mediacache.Fingerprint) error
	GetFingerprint(ctx context.Context, hash mediacache.Hash) (*mediacache.Fingerprint, error)
	ListFingerprints(ctx context.Context) ([]*mediacache.Fingerprint, error)
	DeleteFingerprint(ctx context.Context, hash mediacache.Hash) error

	// Maintenance
	Delete(ctx context.Context, c Category, key string) error
	ClearCategory(ctx context.Context, c Category) error
	ClearAll(ctx context.Context) error
	SweepExpired(ctx context.Context) (*SweepResult, error)
	SizeByCategory(ctx context.Context) (map[Category]int64, error)
}

// SweepResult contains the results of an expiry sweep.
type SweepResult struct {
	Deleted    int
	BytesFreed int64
	Duration   time.Duration
}

// New creates a CacheDB backed by bbolt.
func New(opts ...BoltOption) CacheDB {
	return NewBolt(opts...)
}
