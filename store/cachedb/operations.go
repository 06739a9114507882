package cachedb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	mediacache "github.com/clipforge/mediacache"
)

// PutThumbnail upserts a thumbnail keyed by asset id + timestamp.
func (b *Bolt) PutThumbnail(_ context.Context, t *Thumbnail) error {
	return b.putEntry(CategoryThumbnails, ThumbnailKey(t.AssetID, t.TimestampMs), t)
}

// GetThumbnail retrieves a thumbnail, or ErrNotFound if absent or expired.
func (b *Bolt) GetThumbnail(_ context.Context, assetID string, timestampMs int64) (*Thumbnail, error) {
	var t Thumbnail
	if _, err := b.getEntry(CategoryThumbnails, ThumbnailKey(assetID, timestampMs), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ThumbnailsForAsset returns all live thumbnails for an asset, ordered by
// timestamp. Expired entries are filtered out without being deleted.
func (b *Bolt) ThumbnailsForAsset(_ context.Context, assetID string) ([]*Thumbnail, error) {
	var thumbs []*Thumbnail
	err := b.listEntries(CategoryThumbnails, assetPrefix(assetID), func(_ *envelope, raw []byte) error {
		var t Thumbnail
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("decoding thumbnail: %w", err)
		}
		thumbs = append(thumbs, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return thumbs, nil
}

// PutWaveform upserts the waveform for an asset. One per asset.
func (b *Bolt) PutWaveform(_ context.Context, w *Waveform) error {
	return b.putEntry(CategoryWaveforms, w.AssetID, w)
}

// GetWaveform retrieves the waveform for an asset.
func (b *Bolt) GetWaveform(_ context.Context, assetID string) (*Waveform, error) {
	var w Waveform
	if _, err := b.getEntry(CategoryWaveforms, assetID, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// PutFrame upserts a decoded frame keyed by asset id + timestamp + quality.
func (b *Bolt) PutFrame(_ context.Context, f *DecodedFrame) error {
	return b.putEntry(CategoryFrames, FrameKey(f.AssetID, f.TimestampMs, f.Quality), f)
}

// GetFrame retrieves a decoded frame.
func (b *Bolt) GetFrame(_ context.Context, assetID string, timestampMs int64, quality FrameQuality) (*DecodedFrame, error) {
	var f DecodedFrame
	if _, err := b.getEntry(CategoryFrames, FrameKey(assetID, timestampMs, quality), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// PutProject upserts a project snapshot. Projects carry no TTL; the
// orchestrator's freshness window supersedes stale snapshots instead.
func (b *Bolt) PutProject(_ context.Context, p *ProjectSnapshot) error {
	return b.putEntry(CategoryProjects, p.ProjectID, p)
}

// GetProject retrieves a project snapshot.
func (b *Bolt) GetProject(_ context.Context, projectID string) (*ProjectSnapshot, error) {
	var p ProjectSnapshot
	if _, err := b.getEntry(CategoryProjects, projectID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPerformanceSample records an operation timing sample.
func (b *Bolt) PutPerformanceSample(_ context.Context, s *PerformanceSample) error {
	return b.putEntry(CategoryPerformance, s.ID, s)
}

// ListPerformanceSamples returns live samples ordered newest first.
// limit <= 0 returns all.
func (b *Bolt) ListPerformanceSamples(_ context.Context, limit int) ([]*PerformanceSample, error) {
	var samples []*PerformanceSample
	err := b.listEntries(CategoryPerformance, []byte{}, func(_ *envelope, raw []byte) error {
		var s PerformanceSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decoding performance sample: %w", err)
		}
		samples = append(samples, &s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.After(samples[j].Timestamp)
	})
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, nil
}

// fingerprintKey keys registry entries by content hash plus registry id,
// so explicitly rejected matches coexist as independent entries while
// exact-hash lookups stay a prefix scan.
func fingerprintKey(hash mediacache.Hash, id string) string {
	return hash.String() + "\x00" + id
}

// PutFingerprint persists a fingerprint into the registry. A missing
// registry id is assigned on write.
func (b *Bolt) PutFingerprint(_ context.Context, fp *mediacache.Fingerprint) error {
	if fp.ID == "" {
		fp.ID = uuid.NewString()
	}
	return b.putEntry(CategoryFingerprints, fingerprintKey(fp.ContentHash, fp.ID), fp)
}

// GetFingerprint retrieves the earliest-registered fingerprint for a
// content hash, or ErrNotFound when the content has never been seen.
func (b *Bolt) GetFingerprint(_ context.Context, hash mediacache.Hash) (*mediacache.Fingerprint, error) {
	var best *mediacache.Fingerprint
	prefix := []byte(hash.String() + "\x00")
	err := b.listEntries(CategoryFingerprints, prefix, func(_ *envelope, raw []byte) error {
		var fp mediacache.Fingerprint
		if err := json.Unmarshal(raw, &fp); err != nil {
			return fmt.Errorf("decoding fingerprint: %w", err)
		}
		if best == nil || fp.CreatedAt.Before(best.CreatedAt) {
			best = &fp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ListFingerprints returns every registered fingerprint.
func (b *Bolt) ListFingerprints(_ context.Context) ([]*mediacache.Fingerprint, error) {
	var fps []*mediacache.Fingerprint
	err := b.listEntries(CategoryFingerprints, []byte{}, func(_ *envelope, raw []byte) error {
		var fp mediacache.Fingerprint
		if err := json.Unmarshal(raw, &fp); err != nil {
			return fmt.Errorf("decoding fingerprint: %w", err)
		}
		fps = append(fps, &fp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fps, nil
}

// DeleteFingerprint removes every registry entry for a content hash.
func (b *Bolt) DeleteFingerprint(_ context.Context, hash mediacache.Hash) error {
	var keys []string
	prefix := []byte(hash.String() + "\x00")
	err := b.listEntries(CategoryFingerprints, prefix, func(env *envelope, _ []byte) error {
		keys = append(keys, env.Key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.deleteEntry(CategoryFingerprints, key); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an entry by category and key. Idempotent.
func (b *Bolt) Delete(_ context.Context, c Category, key string) error {
	return b.deleteEntry(c, key)
}

// ClearCategory drops every entry in a category, including its expiry
// index records.
func (b *Bolt) ClearCategory(_ context.Context, c Category) error {
	if !b.available() {
		return ErrStoreUnavailable
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.clearCategoryTx(tx, c)
	})
}

func (b *Bolt) clearCategoryTx(tx *bbolt.Tx, c Category) error {
	if err := tx.DeleteBucket(categoryBucket(c)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("dropping bucket %s: %w", c, err)
	}
	if _, err := tx.CreateBucketIfNotExists(categoryBucket(c)); err != nil {
		return fmt.Errorf("recreating bucket %s: %w", c, err)
	}

	// Purge the category's expiry index records.
	forward := tx.Bucket(bucketByExpiry)
	reverse := tx.Bucket(bucketExpiryByKey)
	if forward == nil || reverse == nil {
		return nil
	}
	cursor := forward.Cursor()
	for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
		_, cat, _ := parseExpiryKey(k)
		if cat != c {
			continue
		}
		if err := cursor.Delete(); err != nil {
			return fmt.Errorf("deleting expiry index: %w", err)
		}
	}
	rcursor := reverse.Cursor()
	for k, _ := rcursor.First(); k != nil; k, _ = rcursor.Next() {
		cat, _ := parseCategoryKey(k)
		if cat != c {
			continue
		}
		if err := rcursor.Delete(); err != nil {
			return fmt.Errorf("deleting expiry reverse index: %w", err)
		}
	}
	return nil
}

// ClearAll drops every category and the expiry indexes.
func (b *Bolt) ClearAll(_ context.Context) error {
	if !b.available() {
		return ErrStoreUnavailable
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		names := make([][]byte, 0, len(Categories)+2)
		for _, c := range Categories {
			names = append(names, categoryBucket(c))
		}
		names = append(names, bucketByExpiry, bucketExpiryByKey)
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("dropping bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// SweepExpired scans the expiry index and deletes every entry whose expiry
// has passed. Intended to run on orchestrator initialization and
// periodically via the Reaper.
func (b *Bolt) SweepExpired(_ context.Context) (*SweepResult, error) {
	if !b.available() {
		return nil, ErrStoreUnavailable
	}

	start := b.now()
	result := &SweepResult{}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		forward := tx.Bucket(bucketByExpiry)
		if forward == nil {
			return nil
		}
		cutoff := encodeTimestamp(start)

		cursor := forward.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Index keys sort by expiry timestamp; stop at the first
			// entry that has not expired yet.
			if len(k) >= 8 && bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			_, c, key := parseExpiryKey(k)

			if bucket := tx.Bucket(categoryBucket(c)); bucket != nil {
				if val := bucket.Get([]byte(key)); val != nil {
					var env envelope
					if jerr := json.Unmarshal(val, &env); jerr == nil {
						result.BytesFreed += env.SizeBytes
					}
					if err := bucket.Delete([]byte(key)); err != nil {
						return fmt.Errorf("deleting expired entry: %w", err)
					}
				}
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting expiry index: %w", err)
			}
			if reverse := tx.Bucket(bucketExpiryByKey); reverse != nil {
				if err := reverse.Delete(makeCategoryKey(c, key)); err != nil {
					return fmt.Errorf("deleting expiry reverse index: %w", err)
				}
			}
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Duration = b.now().Sub(start)
	if result.Deleted > 0 {
		b.logger.Info("swept expired entries",
			"deleted", result.Deleted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration)
	}
	return result, nil
}

// SizeByCategory sums the SizeBytes of live entries in each category.
// Expired entries are excluded from the totals without being deleted.
func (b *Bolt) SizeByCategory(_ context.Context) (map[Category]int64, error) {
	if !b.available() {
		return nil, ErrStoreUnavailable
	}

	sizes := make(map[Category]int64, len(Categories))
	now := b.now()
	err := b.db.View(func(tx *bbolt.Tx) error {
		for _, c := range Categories {
			bucket := tx.Bucket(categoryBucket(c))
			if bucket == nil {
				continue
			}
			var total int64
			cursor := bucket.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				var env envelope
				if err := json.Unmarshal(v, &env); err != nil {
					continue
				}
				if env.expired(now) {
					continue
				}
				total += env.SizeBytes
			}
			sizes[c] = total
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sizes, nil
}

// TotalSize sums live bytes across every category.
func (b *Bolt) TotalSize(ctx context.Context) (int64, error) {
	sizes, err := b.SizeByCategory(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range sizes {
		total += n
	}
	return total, nil
}
