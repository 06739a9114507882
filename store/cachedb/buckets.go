package cachedb

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Bucket names for bbolt storage. Each category gets its own bucket; the
// expiry index is shared across categories so a single cursor scan can
// sweep the whole store.
var (
	bucketByExpiry    = []byte("by_expiry")     // timestamp|category|key -> category|key
	bucketExpiryByKey = []byte("expiry_by_key") // category|key -> 8-byte timestamp (reverse index for O(1) delete)
)

func categoryBucket(c Category) []byte {
	return []byte(c)
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeCategoryKey creates a compound key identifying an entry across
// categories. Format: [category][separator][key]
func makeCategoryKey(c Category, key string) []byte {
	result := make([]byte, len(c)+1+len(key))
	copy(result, c)
	result[len(c)] = 0 // null separator
	copy(result[len(c)+1:], key)
	return result
}

// parseCategoryKey extracts category and key from a compound key.
func parseCategoryKey(data []byte) (Category, string) {
	for i, b := range data {
		if b == 0 {
			return Category(data[:i]), string(data[i+1:])
		}
	}
	return Category(data), ""
}

// makeExpiryKey creates a key for the by_expiry index.
// Format: [8-byte timestamp][category][separator][key]
func makeExpiryKey(expiresAt time.Time, c Category, key string) []byte {
	ts := encodeTimestamp(expiresAt)
	rest := makeCategoryKey(c, key)
	result := make([]byte, 8+len(rest))
	copy(result[:8], ts)
	copy(result[8:], rest)
	return result
}

// parseExpiryKey extracts the expiry time, category and key from a
// by_expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, c Category, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	c, key = parseCategoryKey(data[8:])
	return
}

// Composite payload keys. Timestamps are zero-padded so lexicographic order
// matches numeric order and per-asset prefix scans stay contiguous.

// ThumbnailKey returns the thumbnails category key for an asset timestamp.
func ThumbnailKey(assetID string, timestampMs int64) string {
	return fmt.Sprintf("%s\x00%013d", assetID, timestampMs)
}

// FrameKey returns the frames category key for an asset timestamp at a
// quality tier.
func FrameKey(assetID string, timestampMs int64, quality FrameQuality) string {
	return fmt.Sprintf("%s\x00%013d\x00%s", assetID, timestampMs, quality)
}

// assetPrefix returns the key prefix covering every entry for an asset in
// the thumbnails or frames category.
func assetPrefix(assetID string) []byte {
	return []byte(assetID + "\x00")
}
