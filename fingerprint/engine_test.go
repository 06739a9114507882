package fingerprint

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/clipforge/mediacache"
	"github.com/clipforge/mediacache/store/cachedb"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, cachedb.CacheDB) {
	t.Helper()
	db := cachedb.NewBolt(cachedb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = db.Close() })
	return NewEngine(db, opts...), db
}

// buildWAV constructs a minimal PCM WAV file whose header declares the
// given byte rate and data length.
func buildWAV(byteRate uint32, dataLen int) []byte {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0x01}, dataLen)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(8000))
	_ = binary.Write(&buf, binary.LittleEndian, byteRate)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(payload)

	return buf.Bytes()
}

func TestGenerateDeterministic(t *testing.T) {
	engine, _ := newTestEngine(t)

	data := []byte("identical media bytes")

	fp1, err := engine.Generate(bytes.NewReader(data))
	require.NoError(t, err)
	fp2, err := engine.Generate(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, fp1.ContentHash, fp2.ContentHash)
	assert.Equal(t, int64(len(data)), fp1.SizeBytes)

	fp3, err := engine.Generate(bytes.NewReader([]byte("different bytes")))
	require.NoError(t, err)
	assert.NotEqual(t, fp1.ContentHash, fp3.ContentHash)
}

func TestGenerateFileMatchesGenerate(t *testing.T) {
	engine, _ := newTestEngine(t)

	data := []byte("file content")
	path := filepath.Join(t.TempDir(), "clip.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	fromFile, err := engine.GenerateFile(path)
	require.NoError(t, err)
	fromReader, err := engine.Generate(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, fromReader.ContentHash, fromFile.ContentHash)
}

func TestGenerateFileUnreadable(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.GenerateFile(filepath.Join(t.TempDir(), "missing.bin"))
	require.ErrorIs(t, err, ErrUnreadable)
}

func TestGenerateWAVDuration(t *testing.T) {
	engine, _ := newTestEngine(t)

	// 16000 bytes/sec with 48000 data bytes = 3 seconds.
	wav := buildWAV(16000, 48000)
	fp, err := engine.Generate(bytes.NewReader(wav))
	require.NoError(t, err)

	assert.Equal(t, int64(3000), fp.Analysis.DurationMs)
}

func TestWAVDurationRejectsNonWAV(t *testing.T) {
	_, ok := wavDurationMs([]byte("not a wav file at all"))
	assert.False(t, ok)

	_, ok = wavDurationMs(nil)
	assert.False(t, ok)
}

func TestFindMatchesExact(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	data := []byte("previously uploaded clip")
	fp, err := engine.Generate(bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, engine.StoreFingerprint(ctx, fp))

	// The same bytes uploaded again produce a single maximal-confidence match.
	candidate, err := engine.Generate(bytes.NewReader(data))
	require.NoError(t, err)

	matches, err := engine.FindMatches(ctx, candidate)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, ConfidenceExact, matches[0].Confidence)
	assert.Equal(t, fp.ContentHash, matches[0].Fingerprint.ContentHash)
}

func TestFindMatchesNoMatch(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	fp, err := engine.Generate(bytes.NewReader([]byte("never seen")))
	require.NoError(t, err)

	matches, err := engine.FindMatches(ctx, fp)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindMatchesHeuristic(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	// Two different WAV files with identical size and duration: probable match.
	a := buildWAV(16000, 48000)
	b := buildWAV(16000, 48000)
	b[len(b)-1] ^= 0xFF // different content, same shape

	fpA, err := engine.Generate(bytes.NewReader(a))
	require.NoError(t, err)
	require.NoError(t, engine.StoreFingerprint(ctx, fpA))

	fpB, err := engine.Generate(bytes.NewReader(b))
	require.NoError(t, err)

	matches, err := engine.FindMatches(ctx, fpB)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, ConfidenceProbable, matches[0].Confidence)
}

func TestFindMatchesOrdering(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	exact := buildWAV(16000, 48000)
	similar := buildWAV(16000, 48000)
	similar[len(similar)-1] ^= 0xFF

	fpExact, err := engine.Generate(bytes.NewReader(exact))
	require.NoError(t, err)
	require.NoError(t, engine.StoreFingerprint(ctx, fpExact))

	fpSimilar, err := engine.Generate(bytes.NewReader(similar))
	require.NoError(t, err)
	require.NoError(t, engine.StoreFingerprint(ctx, fpSimilar))

	matches, err := engine.FindMatches(ctx, fpExact)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, ConfidenceExact, matches[0].Confidence)
	assert.Equal(t, fpExact.ContentHash, matches[0].Fingerprint.ContentHash)
	assert.Greater(t, matches[0].Confidence, matches[1].Confidence)
}

func TestFindMatchesUnavailableRegistry(t *testing.T) {
	ctx := context.Background()
	db := cachedb.NewBolt() // never opened
	engine := NewEngine(db)

	fp := mediacache.Fingerprint{ContentHash: mediacache.HashBytes([]byte("x"))}
	matches, err := engine.FindMatches(ctx, fp)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
