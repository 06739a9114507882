package cachedb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	mediacache "github.com/clipforge/mediacache"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	// Decoded frames and project snapshots fit comfortably under this.
	MaxPayloadSize = 64 * 1024 * 1024 // 64MB

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 64 * 1024 * 1024 // 64MB
)

// Content encodings stored in the entry envelope.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// payloadCodec handles envelope payload encoding/decoding with optional
// compression. Encoder and decoder are goroutine-safe and reused for the
// lifetime of the store.
type payloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// newPayloadCodec creates a codec with pooled zstd encoder/decoder.
func newPayloadCodec() (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &payloadCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *payloadCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses the payload when beneficial and returns the encoded
// bytes, the encoding applied, and the digest of the original payload.
func (c *payloadCodec) Encode(data []byte) (payload []byte, encoding, digest string, err error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, "", ErrPayloadTooLarge
	}

	digest = mediacache.HashBytes(data).String()

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		// Compression did not help, store as-is.
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

// Decode reverses Encode and verifies the payload digest.
func (c *payloadCodec) Decode(payload []byte, encoding, digest string) ([]byte, error) {
	data := payload

	if encoding == EncodingZstd {
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, fmt.Errorf("codec closed")
		}

		decompressed, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(decompressed) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	}

	if digest != "" && mediacache.HashBytes(data).String() != digest {
		return nil, ErrCorrupted
	}

	return data, nil
}

// envelope is the on-disk record wrapping every cached payload. The layout
// is private to the cache: the same process/device reopens it, nothing else
// reads it.
type envelope struct {
	Key       string    `json:"key"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	SizeBytes int64     `json:"size_bytes"`
	Encoding  string    `json:"encoding"`
	Digest    string    `json:"digest"`
	Payload   []byte    `json:"payload"`
}

func (e *envelope) info() EntryInfo {
	return EntryInfo{
		Key:       e.Key,
		StoredAt:  e.StoredAt,
		ExpiresAt: e.ExpiresAt,
		SizeBytes: e.SizeBytes,
	}
}

func (e *envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
