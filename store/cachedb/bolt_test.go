package cachedb

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/clipforge/mediacache"
)

func newTestBolt(t *testing.T, opts ...BoltOption) *Bolt {
	t.Helper()
	opts = append([]BoltOption{WithNoSync(true)}, opts...)
	db := NewBolt(opts...)
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testClock is a mutable fake clock for TTL tests.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBoltThumbnails(t *testing.T) {
	ctx := context.Background()

	t.Run("put and get round-trip", func(t *testing.T) {
		db := newTestBolt(t)

		thumb := &Thumbnail{
			AssetID:     "asset-1",
			TimestampMs: 5000,
			Image:       []byte("png bytes"),
			Width:       320,
			Height:      180,
		}
		require.NoError(t, db.PutThumbnail(ctx, thumb))

		got, err := db.GetThumbnail(ctx, "asset-1", 5000)
		require.NoError(t, err)
		assert.Equal(t, thumb, got)
	})

	t.Run("get returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBolt(t)

		_, err := db.GetThumbnail(ctx, "asset-1", 999)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put overwrites unconditionally", func(t *testing.T) {
		db := newTestBolt(t)

		first := &Thumbnail{AssetID: "a", TimestampMs: 0, Image: []byte("v1")}
		second := &Thumbnail{AssetID: "a", TimestampMs: 0, Image: []byte("v2")}
		require.NoError(t, db.PutThumbnail(ctx, first))
		require.NoError(t, db.PutThumbnail(ctx, second))

		got, err := db.GetThumbnail(ctx, "a", 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Image)
	})

	t.Run("ThumbnailsForAsset returns only that asset, ordered", func(t *testing.T) {
		db := newTestBolt(t)

		for _, ts := range []int64{9000, 1000, 5000} {
			require.NoError(t, db.PutThumbnail(ctx, &Thumbnail{AssetID: "a", TimestampMs: ts}))
		}
		require.NoError(t, db.PutThumbnail(ctx, &Thumbnail{AssetID: "b", TimestampMs: 1000}))

		thumbs, err := db.ThumbnailsForAsset(ctx, "a")
		require.NoError(t, err)
		require.Len(t, thumbs, 3)
		assert.Equal(t, int64(1000), thumbs[0].TimestampMs)
		assert.Equal(t, int64(5000), thumbs[1].TimestampMs)
		assert.Equal(t, int64(9000), thumbs[2].TimestampMs)
	})
}

func TestBoltWaveforms(t *testing.T) {
	ctx := context.Background()
	db := newTestBolt(t)

	wave := &Waveform{
		AssetID:    "asset-2",
		Peaks:      []float32{0.1, 0.9, 0.4},
		DurationMs: 120000,
		SampleRate: 44100,
	}
	require.NoError(t, db.PutWaveform(ctx, wave))

	got, err := db.GetWaveform(ctx, "asset-2")
	require.NoError(t, err)
	assert.Equal(t, wave, got)

	_, err = db.GetWaveform(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltFrames(t *testing.T) {
	ctx := context.Background()
	db := newTestBolt(t)

	frame := &DecodedFrame{
		AssetID:     "asset-3",
		TimestampMs: 40,
		Image:       []byte("rgba"),
		Quality:     FrameQualityHigh,
	}
	require.NoError(t, db.PutFrame(ctx, frame))

	got, err := db.GetFrame(ctx, "asset-3", 40, FrameQualityHigh)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	// Same asset and timestamp, different quality tier is a distinct key.
	_, err = db.GetFrame(ctx, "asset-3", 40, FrameQualityLow)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltProjects(t *testing.T) {
	ctx := context.Background()
	db := newTestBolt(t)

	snap := &ProjectSnapshot{
		ProjectID:          "proj-1",
		Payload:            []byte(`{"tracks":[]}`),
		CachedThumbnailIDs: []string{"asset-1"},
		LastModified:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.PutProject(ctx, snap))

	got, err := db.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestBoltFingerprints(t *testing.T) {
	ctx := context.Background()
	db := newTestBolt(t)

	fp := &mediacache.Fingerprint{
		ContentHash: mediacache.HashBytes([]byte("media bytes")),
		SizeBytes:   11,
		Analysis:    mediacache.ContentAnalysis{DurationMs: 3000, Format: "MP3"},
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.PutFingerprint(ctx, fp))

	got, err := db.GetFingerprint(ctx, fp.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	all, err := db.ListFingerprints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, db.DeleteFingerprint(ctx, fp.ContentHash))
	_, err = db.GetFingerprint(ctx, fp.ContentHash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltTTLExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("get after TTL elapses returns ErrNotFound", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBolt(t, WithNow(clock.Now))

		require.NoError(t, db.PutFrame(ctx, &DecodedFrame{AssetID: "a", TimestampMs: 0, Quality: FrameQualityLow}))

		// Still live just before the 24h frame TTL.
		clock.Advance(23 * time.Hour)
		_, err := db.GetFrame(ctx, "a", 0, FrameQualityLow)
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		_, err = db.GetFrame(ctx, "a", 0, FrameQualityLow)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired entry is lazily deleted on read", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBolt(t, WithNow(clock.Now))

		require.NoError(t, db.PutFrame(ctx, &DecodedFrame{AssetID: "a", TimestampMs: 0, Quality: FrameQualityLow}))
		clock.Advance(25 * time.Hour)

		_, err := db.GetFrame(ctx, "a", 0, FrameQualityLow)
		require.ErrorIs(t, err, ErrNotFound)

		// Even if the clock went backwards, the entry is physically gone.
		clock.Advance(-10 * time.Hour)
		_, err = db.GetFrame(ctx, "a", 0, FrameQualityLow)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SizeByCategory excludes expired entries", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBolt(t, WithNow(clock.Now))

		require.NoError(t, db.PutFrame(ctx, &DecodedFrame{AssetID: "a", TimestampMs: 0, Image: []byte("data"), Quality: FrameQualityLow}))

		sizes, err := db.SizeByCategory(ctx)
		require.NoError(t, err)
		assert.Positive(t, sizes[CategoryFrames])

		clock.Advance(25 * time.Hour)
		sizes, err = db.SizeByCategory(ctx)
		require.NoError(t, err)
		assert.Zero(t, sizes[CategoryFrames])
	})

	t.Run("projects and fingerprints never expire by age", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBolt(t, WithNow(clock.Now))

		require.NoError(t, db.PutProject(ctx, &ProjectSnapshot{ProjectID: "p", Payload: []byte("x")}))
		fp := &mediacache.Fingerprint{ContentHash: mediacache.HashBytes([]byte("f"))}
		require.NoError(t, db.PutFingerprint(ctx, fp))

		clock.Advance(365 * 24 * time.Hour)

		_, err := db.GetProject(ctx, "p")
		require.NoError(t, err)
		_, err = db.GetFingerprint(ctx, fp.ContentHash)
		require.NoError(t, err)
	})

	t.Run("ThumbnailsForAsset filters expired without deleting", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBolt(t, WithNow(clock.Now))

		require.NoError(t, db.PutThumbnail(ctx, &Thumbnail{AssetID: "a", TimestampMs: 0}))
		clock.Advance(3 * 24 * time.Hour)
		require.NoError(t, db.PutThumbnail(ctx, &Thumbnail{AssetID: "a", TimestampMs: 1000}))

		// First thumbnail is past its 7-day TTL, the second is not.
		clock.Advance(5 * 24 * time.Hour)

		thumbs, err := db.ThumbnailsForAsset(ctx, "a")
		require.NoError(t, err)
		require.Len(t, thumbs, 1)
		assert.Equal(t, int64(1000), thumbs[0].TimestampMs)
	})
}

func TestBoltSweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := newTestBolt(t, WithNow(clock.Now))

	require.NoError(t, db.PutFrame(ctx, &DecodedFrame{AssetID: "a", TimestampMs: 0, Quality: FrameQualityLow}))
	require.NoError(t, db.PutThumbnail(ctx, &Thumbnail{AssetID: "a", TimestampMs: 0}))
	require.NoError(t, db.PutWaveform(ctx, &Waveform{AssetID: "a"}))
	require.NoError(t, db.PutProject(ctx, &ProjectSnapshot{ProjectID: "p"}))

	// Past the frame (24h) and thumbnail (7d) TTLs, inside the waveform TTL.
	clock.Advance(8 * 24 * time.Hour)

	result, err := db.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)

	_, err = db.GetWaveform(ctx, "a")
	require.NoError(t, err)
	_, err = db.GetProject(ctx, "p")
	require.NoError(t, err)

	// A second sweep finds nothing.
	result, err = db.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Deleted)
}

func TestBoltClear(t *testing.T) {
	ctx := context.Background()

	t.Run("ClearCategory clears only that category", func(t *testing.T) {
		db := newTestBolt(t)

		require.NoError(t, db.PutFrame(ctx, &DecodedFrame{AssetID: "a", TimestampMs: 0, Quality: FrameQualityLow}))
		require.NoError(t, db.PutWaveform(ctx, &Waveform{AssetID: "a"}))

		require.NoError(t, db.ClearCategory(ctx, CategoryFrames))

		_, err := db.GetFrame(ctx, "a", 0, FrameQualityLow)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetWaveform(ctx, "a")
		require.NoError(t, err)
	})

	t.Run("ClearAll clears everything", func(t *testing.T) {
		db := newTestBolt(t)

		require.NoError(t, db.PutProject(ctx, &ProjectSnapshot{ProjectID: "p"}))
		require.NoError(t, db.PutWaveform(ctx, &Waveform{AssetID: "a"}))

		require.NoError(t, db.ClearAll(ctx))

		_, err := db.GetProject(ctx, "p")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetWaveform(ctx, "a")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBoltStoreUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("operations before Open", func(t *testing.T) {
		db := NewBolt()

		err := db.PutWaveform(ctx, &Waveform{AssetID: "a"})
		require.ErrorIs(t, err, ErrStoreUnavailable)

		_, err = db.GetWaveform(ctx, "a")
		require.ErrorIs(t, err, ErrStoreUnavailable)

		_, err = db.SweepExpired(ctx)
		require.ErrorIs(t, err, ErrStoreUnavailable)

		_, err = db.SizeByCategory(ctx)
		require.ErrorIs(t, err, ErrStoreUnavailable)
	})

	t.Run("operations after Close", func(t *testing.T) {
		db := NewBolt(WithNoSync(true))
		require.NoError(t, db.Open(filepath.Join(t.TempDir(), "cache.db")))
		require.NoError(t, db.Close())

		_, err := db.GetWaveform(ctx, "a")
		require.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	db := NewBolt(WithNoSync(true))
	require.NoError(t, db.Open(dbPath))
	require.NoError(t, db.PutWaveform(ctx, &Waveform{AssetID: "a", DurationMs: 42}))
	require.NoError(t, db.Close())

	db2 := NewBolt(WithNoSync(true))
	require.NoError(t, db2.Open(dbPath))
	defer func() { _ = db2.Close() }()

	got, err := db2.GetWaveform(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.DurationMs)
}

func TestBoltCompressesLargePayloads(t *testing.T) {
	ctx := context.Background()
	db := newTestBolt(t)

	// Highly compressible payload well past the compression threshold.
	image := bytes.Repeat([]byte("frame"), 4096)
	require.NoError(t, db.PutFrame(ctx, &DecodedFrame{
		AssetID: "a", TimestampMs: 0, Image: image, Quality: FrameQualityMedium,
	}))

	got, err := db.GetFrame(ctx, "a", 0, FrameQualityMedium)
	require.NoError(t, err)
	assert.Equal(t, image, got.Image)
}

func TestReaperReapsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := newTestBolt(t, WithNow(clock.Now))

	require.NoError(t, db.PutFrame(ctx, &DecodedFrame{AssetID: "a", TimestampMs: 0, Quality: FrameQualityLow}))
	clock.Advance(25 * time.Hour)

	reaper := NewReaper(db, WithReaperInterval(time.Minute))
	reaper.ReapNow(ctx)

	_, err := db.GetFrame(ctx, "a", 0, FrameQualityLow)
	require.ErrorIs(t, err, ErrNotFound)
}
