// Package fingerprint gives every user-supplied file a stable content
// identity and matches new files against the registry of previously seen
// content, so re-uploads are recovered from cache instead of reprocessed.
package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dhowden/tag"
	"github.com/google/uuid"

	mediacache "github.com/clipforge/mediacache"
	"github.com/clipforge/mediacache/telemetry"
)

// ErrUnreadable is returned when a file's content cannot be read.
// A per-file fingerprinting failure never aborts a batch.
var ErrUnreadable = errors.New("fingerprint: unreadable content")

// Registry persists fingerprints between sessions. The cachedb store
// satisfies this interface.
type Registry interface {
	PutFingerprint(ctx context.Context, fp *mediacache.Fingerprint) error
	GetFingerprint(ctx context.Context, hash mediacache.Hash) (*mediacache.Fingerprint, error)
	ListFingerprints(ctx context.Context) ([]*mediacache.Fingerprint, error)
	DeleteFingerprint(ctx context.Context, hash mediacache.Hash) error
}

// Engine computes content fingerprints and maintains the registry of known
// content for later matching.
type Engine struct {
	registry Registry
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a fingerprinting engine backed by the given registry.
func NewEngine(registry Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate computes a deterministic fingerprint of the reader's content.
// Byte-identical input yields an identical ContentHash regardless of
// filename or upload time. Content analysis is best effort: a file the
// tag reader cannot parse still fingerprints on hash and size alone.
func (e *Engine) Generate(r io.Reader) (mediacache.Fingerprint, error) {
	hr := mediacache.NewHashingReader(r)
	data, err := io.ReadAll(hr)
	if err != nil {
		return mediacache.Fingerprint{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	fp := mediacache.Fingerprint{
		ID:          uuid.NewString(),
		ContentHash: hr.Sum(),
		SizeBytes:   hr.BytesRead(),
		Analysis:    analyzeContent(data),
		CreatedAt:   e.now(),
	}
	return fp, nil
}

// GenerateFile fingerprints a file on disk.
func (e *Engine) GenerateFile(path string) (mediacache.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return mediacache.Fingerprint{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer func() { _ = f.Close() }()

	return e.Generate(f)
}

// StoreFingerprint persists the fingerprint into the registry so future
// files can be matched against it.
func (e *Engine) StoreFingerprint(ctx context.Context, fp mediacache.Fingerprint) error {
	if fp.ContentHash.IsZero() {
		return fmt.Errorf("refusing to store zero fingerprint")
	}
	if err := e.registry.PutFingerprint(ctx, &fp); err != nil {
		telemetry.RecordFingerprint(ctx, "error")
		return fmt.Errorf("storing fingerprint %s: %w", fp.ContentHash.ShortString(), err)
	}
	telemetry.RecordFingerprint(ctx, "stored")
	e.logger.Debug("fingerprint registered",
		"hash", fp.ContentHash.ShortString(),
		"size", fp.SizeBytes,
		"duration_ms", fp.Analysis.DurationMs)
	return nil
}

// RemoveFingerprint drops a fingerprint from the registry.
func (e *Engine) RemoveFingerprint(ctx context.Context, hash mediacache.Hash) error {
	return e.registry.DeleteFingerprint(ctx, hash)
}

// analyzeContent derives lightweight metadata from raw file bytes without a
// full decode. Failures leave the analysis zero-valued, never error.
func analyzeContent(data []byte) mediacache.ContentAnalysis {
	var analysis mediacache.ContentAnalysis

	if d, ok := wavDurationMs(data); ok {
		analysis.DurationMs = d
	}

	m, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return analysis
	}
	analysis.Format = string(m.FileType())
	analysis.Title = m.Title()
	return analysis
}
