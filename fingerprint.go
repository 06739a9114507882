package mediacache

import "time"

// ContentAnalysis holds lightweight, best-effort metadata derived from file
// content without a full decode. Zero values mean the property could not be
// determined; two fingerprints with empty analysis still match on hash alone.
type ContentAnalysis struct {
	DurationMs int64  `json:"duration_ms,omitempty"`
	Format     string `json:"format,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Fingerprint is a content-derived identity for a user-supplied file.
// ContentHash is the authoritative identity: byte-identical input always
// produces an identical ContentHash regardless of filename or upload time.
// ID distinguishes registry entries: explicitly rejecting a recovery match
// registers a second, independent entry for the same content.
type Fingerprint struct {
	ID          string          `json:"id,omitempty"`
	ContentHash Hash            `json:"content_hash"`
	SizeBytes   int64           `json:"size_bytes"`
	Analysis    ContentAnalysis `json:"analysis"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Equal reports whether two fingerprints identify the same content.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.ContentHash == other.ContentHash
}
