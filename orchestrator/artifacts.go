package orchestrator

import (
	"context"
	"errors"
	"fmt"

	mediacache "github.com/clipforge/mediacache"
	"github.com/clipforge/mediacache/store/cachedb"
	"github.com/clipforge/mediacache/telemetry"
)

// GetThumbnail returns the cached thumbnail for an asset at a timestamp.
// A miss returns cachedb.ErrNotFound; the caller regenerates and stores the
// artifact, the orchestrator never synthesizes media itself. A cache store
// failure also reads as a miss.
func (o *Orchestrator) GetThumbnail(ctx context.Context, assetID string, timestampMs int64) (*cachedb.Thumbnail, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	start := o.now()

	t, err := o.cache.GetThumbnail(ctx, assetID, timestampMs)
	hit := o.observeArtifactRead(ctx, cachedb.CategoryThumbnails, assetID, &err)
	o.finishOp(ctx, "get_thumbnail", start, nil, nil)
	if !hit {
		return nil, err
	}
	return t, nil
}

// StoreThumbnail caches a rendered thumbnail.
func (o *Orchestrator) StoreThumbnail(ctx context.Context, t *cachedb.Thumbnail) error {
	if err := o.ready(); err != nil {
		return err
	}
	start := o.now()

	err := o.cache.PutThumbnail(ctx, t)
	o.finishOp(ctx, "store_thumbnail", start, err, nil)
	if err != nil {
		return fmt.Errorf("storing thumbnail: %w", err)
	}
	return nil
}

// ThumbnailsForAsset returns every live cached thumbnail for an asset.
func (o *Orchestrator) ThumbnailsForAsset(ctx context.Context, assetID string) ([]*cachedb.Thumbnail, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	start := o.now()

	ts, err := o.cache.ThumbnailsForAsset(ctx, assetID)
	o.finishOp(ctx, "thumbnails_for_asset", start, nil, nil)
	if err != nil {
		if errors.Is(err, cachedb.ErrStoreUnavailable) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing thumbnails: %w", err)
	}
	return ts, nil
}

// GetWaveform returns the cached waveform for an asset, or
// cachedb.ErrNotFound on a miss.
func (o *Orchestrator) GetWaveform(ctx context.Context, assetID string) (*cachedb.Waveform, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	start := o.now()

	w, err := o.cache.GetWaveform(ctx, assetID)
	hit := o.observeArtifactRead(ctx, cachedb.CategoryWaveforms, assetID, &err)
	o.finishOp(ctx, "get_waveform", start, nil, nil)
	if !hit {
		return nil, err
	}
	return w, nil
}

// StoreWaveform caches a precomputed waveform.
func (o *Orchestrator) StoreWaveform(ctx context.Context, w *cachedb.Waveform) error {
	if err := o.ready(); err != nil {
		return err
	}
	start := o.now()

	err := o.cache.PutWaveform(ctx, w)
	o.finishOp(ctx, "store_waveform", start, err, nil)
	if err != nil {
		return fmt.Errorf("storing waveform: %w", err)
	}
	return nil
}

// GetFrame returns a cached decoded frame, or cachedb.ErrNotFound on a miss.
func (o *Orchestrator) GetFrame(ctx context.Context, assetID string, timestampMs int64, quality cachedb.FrameQuality) (*cachedb.DecodedFrame, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	start := o.now()

	f, err := o.cache.GetFrame(ctx, assetID, timestampMs, quality)
	hit := o.observeArtifactRead(ctx, cachedb.CategoryFrames, assetID, &err)
	o.finishOp(ctx, "get_frame", start, nil, nil)
	if !hit {
		return nil, err
	}
	return f, nil
}

// StoreFrame caches a decoded frame.
func (o *Orchestrator) StoreFrame(ctx context.Context, f *cachedb.DecodedFrame) error {
	if err := o.ready(); err != nil {
		return err
	}
	start := o.now()

	err := o.cache.PutFrame(ctx, f)
	o.finishOp(ctx, "store_frame", start, err, nil)
	if err != nil {
		return fmt.Errorf("storing frame: %w", err)
	}
	return nil
}

// observeArtifactRead folds one artifact read into the hit metrics and
// normalizes failures: a store failure is reported as a miss so callers
// regenerate instead of failing. The error is rewritten to
// cachedb.ErrNotFound on any miss.
func (o *Orchestrator) observeArtifactRead(ctx context.Context, category cachedb.Category, key string, err *error) bool {
	hit := *err == nil
	o.metrics.observeRead(hit)
	telemetry.RecordCacheRead(ctx, string(category), hit)

	if hit {
		o.events.cacheHit(category, key)
		return true
	}

	if !errors.Is(*err, cachedb.ErrNotFound) {
		o.logger.Debug("artifact read failed, treating as miss",
			"category", category, "key", key, "error", *err)
		*err = cachedb.ErrNotFound
	}
	return false
}

// HasCachedContent reports whether the media payload store still holds the
// content behind a previously registered fingerprint.
func (o *Orchestrator) HasCachedContent(ctx context.Context, hash mediacache.Hash) (bool, error) {
	if err := o.ready(); err != nil {
		return false, err
	}
	return o.media.Has(ctx, hash)
}

// StoreNewContent persists a new file's payload under its content hash.
// The stored bytes must match the fingerprint identity.
func (o *Orchestrator) StoreNewContent(ctx context.Context, name string, data []byte, fp mediacache.Fingerprint) error {
	if err := o.ready(); err != nil {
		return err
	}
	start := o.now()

	result, err := o.media.PutBytes(ctx, data)
	if err != nil {
		o.finishOp(ctx, "store_new_content", start, err, map[string]string{"name": name})
		return fmt.Errorf("storing media payload for %s: %w", name, err)
	}
	if result.Hash != fp.ContentHash {
		err := fmt.Errorf("payload hash %s does not match fingerprint %s",
			result.Hash.ShortString(), fp.ContentHash.ShortString())
		o.finishOp(ctx, "store_new_content", start, err, map[string]string{"name": name})
		return err
	}

	o.logger.Info("stored new media content",
		"name", name,
		"hash", result.Hash.ShortString(),
		"size", result.Size,
		"deduplicated", result.Exists)
	o.finishOp(ctx, "store_new_content", start, nil, map[string]string{"name": name})
	return nil
}
