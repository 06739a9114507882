// Package cachedb provides the persistent local cache store backing the
// media editor: five independent payload categories plus the fingerprint
// registry, each with its own TTL policy and byte-size accounting, stored
// in a single bbolt database that survives process restarts.
package cachedb

import (
	"fmt"
	"time"
)

// Category identifies one of the independent cache namespaces. Each category
// has its own key scheme and TTL policy; there are no cross-category
// transactions.
type Category string

const (
	CategoryThumbnails   Category = "thumbnails"
	CategoryWaveforms    Category = "waveforms"
	CategoryFrames       Category = "frames"
	CategoryProjects     Category = "projects"
	CategoryPerformance  Category = "performance"
	CategoryFingerprints Category = "fingerprints"
)

// Categories lists every cache namespace in sweep order.
var Categories = []Category{
	CategoryThumbnails,
	CategoryWaveforms,
	CategoryFrames,
	CategoryProjects,
	CategoryPerformance,
	CategoryFingerprints,
}

// TTL returns the time-to-live policy for the category. Zero means entries
// never expire by age (projects are superseded by the orchestrator's
// freshness check instead, fingerprints live until explicitly removed).
func (c Category) TTL() time.Duration {
	switch c {
	case CategoryThumbnails:
		return 7 * 24 * time.Hour
	case CategoryWaveforms:
		return 30 * 24 * time.Hour
	case CategoryFrames:
		return 24 * time.Hour
	case CategoryPerformance:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether c names a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryThumbnails, CategoryWaveforms, CategoryFrames,
		CategoryProjects, CategoryPerformance, CategoryFingerprints:
		return true
	}
	return false
}

// ParseCategory converts a string to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown cache category %q", s)
	}
	return c, nil
}

// EntryInfo describes the envelope metadata of a stored entry.
// ExpiresAt is always StoredAt + category TTL at write time; a zero
// ExpiresAt means the entry never expires.
type EntryInfo struct {
	Key       string    `json:"key"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	SizeBytes int64     `json:"size_bytes"`
}

// Expired reports whether the entry has passed its expiry at the given time.
func (e EntryInfo) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// FrameQuality selects the decode quality tier of a cached frame.
type FrameQuality string

const (
	FrameQualityLow    FrameQuality = "low"
	FrameQualityMedium FrameQuality = "medium"
	FrameQualityHigh   FrameQuality = "high"
)

// Thumbnail is a rendered preview image for an asset at a point in time.
type Thumbnail struct {
	AssetID     string `json:"asset_id"`
	TimestampMs int64  `json:"timestamp_ms"`
	Image       []byte `json:"image"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Waveform holds the precomputed audio peaks for an asset. One per asset.
type Waveform struct {
	AssetID    string    `json:"asset_id"`
	Peaks      []float32 `json:"peaks"`
	DurationMs int64     `json:"duration_ms"`
	SampleRate int       `json:"sample_rate"`
}

// DecodedFrame is a single decoded video frame at a given quality tier.
type DecodedFrame struct {
	AssetID     string       `json:"asset_id"`
	TimestampMs int64        `json:"timestamp_ms"`
	Image       []byte       `json:"image"`
	Quality     FrameQuality `json:"quality"`
}

// ProjectSnapshot is the locally cached copy of a project document.
// LastModified drives the orchestrator's freshness window; the category
// itself carries no TTL.
type ProjectSnapshot struct {
	ProjectID          string    `json:"project_id"`
	Payload            []byte    `json:"payload"`
	CachedThumbnailIDs []string  `json:"cached_thumbnail_ids,omitempty"`
	LastModified       time.Time `json:"last_modified"`
}

// PerformanceSample records the timing of a single orchestrator operation.
type PerformanceSample struct {
	ID         string            `json:"id"`
	Operation  string            `json:"operation"`
	DurationMs int64             `json:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
