package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/clipforge/mediacache"
	"github.com/clipforge/mediacache/fingerprint"
	"github.com/clipforge/mediacache/store/cachedb"
)

// fakeContentStore records stored content and lets tests evict it.
type fakeContentStore struct {
	stored  map[mediacache.Hash][]byte
	evicted map[mediacache.Hash]bool
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{
		stored:  make(map[mediacache.Hash][]byte),
		evicted: make(map[mediacache.Hash]bool),
	}
}

func (s *fakeContentStore) HasCachedContent(_ context.Context, hash mediacache.Hash) (bool, error) {
	if s.evicted[hash] {
		return false, nil
	}
	_, ok := s.stored[hash]
	return ok, nil
}

func (s *fakeContentStore) StoreNewContent(_ context.Context, _ string, data []byte, fp mediacache.Fingerprint) error {
	s.stored[fp.ContentHash] = data
	return nil
}

func newTestWorkflow(t *testing.T, opts ...WorkflowOption) (*Workflow, *fakeContentStore, cachedb.CacheDB) {
	t.Helper()
	db := cachedb.NewBolt(cachedb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = db.Close() })

	store := newFakeContentStore()
	engine := fingerprint.NewEngine(db)
	return NewWorkflow(engine, store, opts...), store, db
}

func TestProcessBatchStoresNewContent(t *testing.T) {
	ctx := context.Background()
	w, store, db := newTestWorkflow(t)

	result, err := w.ProcessBatch(ctx, []Candidate{
		BytesCandidate("a.mp4", []byte("clip a")),
		BytesCandidate("b.mp4", []byte("clip b")),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.StoredNew)
	assert.Empty(t, result.Recoverable)
	assert.Empty(t, result.Failures)
	assert.Equal(t, StateIdle, w.State())

	assert.Len(t, store.stored, 2)
	fps, err := db.ListFingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 2)
}

func TestProcessBatchDetectsDuplicate(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow(t)

	data := []byte("identical clip bytes")

	// First upload registers as new.
	_, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("first.mp4", data)})
	require.NoError(t, err)
	require.Equal(t, StateIdle, w.State())

	// Second upload of the same bytes yields exactly one exact match.
	result, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("second.mp4", data)})
	require.NoError(t, err)

	require.Len(t, result.Recoverable, 1)
	require.Len(t, result.Recoverable[0].Matches, 1)
	assert.Equal(t, fingerprint.ConfidenceExact, result.Recoverable[0].BestMatch().Confidence)
	assert.Equal(t, StateAwaitingDecision, w.State())
}

func TestProcessBatchCoalescesIdenticalFiles(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow(t)

	var found []string
	w.events.OnRecoveryFound = func(name string, _ []fingerprint.MatchResult) {
		found = append(found, name)
	}

	data := []byte("twice-selected clip")
	_, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("orig.mp4", data)})
	require.NoError(t, err)

	// Two byte-identical copies in one batch share the content identity, so
	// they coalesce into a single pending decision.
	result, err := w.ProcessBatch(ctx, []Candidate{
		BytesCandidate("copy-a.mp4", data),
		BytesCandidate("copy-b.mp4", data),
	})
	require.NoError(t, err)

	require.Len(t, result.Recoverable, 1)
	p := result.Recoverable[0]
	assert.Equal(t, "copy-a.mp4", p.Candidate.Name)
	require.Len(t, p.Duplicates, 1)
	assert.Equal(t, "copy-b.mp4", p.Duplicates[0].Name)

	// Both copies are announced, one decision resolves both.
	assert.Equal(t, []string{"copy-a.mp4", "copy-b.mp4"}, found)
	require.Len(t, w.Pending(), 1)
	require.NoError(t, w.AcceptRecovery(ctx, p.Fingerprint.ContentHash))
	assert.Equal(t, StateIdle, w.State())
}

func TestAcceptRecoveryReusesCachedPayload(t *testing.T) {
	ctx := context.Background()
	w, store, db := newTestWorkflow(t)

	data := []byte("accepted clip")
	_, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("orig.mp4", data)})
	require.NoError(t, err)

	result, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("dup.mp4", data)})
	require.NoError(t, err)
	require.Len(t, result.Recoverable, 1)

	hash := result.Recoverable[0].Fingerprint.ContentHash
	require.NoError(t, w.AcceptRecovery(ctx, hash))

	// The duplicate resolved to the original's cached payload: exactly one
	// stored copy and one registry entry remain.
	assert.Len(t, store.stored, 1)
	fps, err := db.ListFingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 1)
	assert.Equal(t, StateIdle, w.State())
}

func TestAcceptRecoveryFallsBackWhenEvicted(t *testing.T) {
	ctx := context.Background()
	w, store, _ := newTestWorkflow(t)

	data := []byte("evicted clip")
	_, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("orig.mp4", data)})
	require.NoError(t, err)

	result, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("dup.mp4", data)})
	require.NoError(t, err)
	require.Len(t, result.Recoverable, 1)

	hash := result.Recoverable[0].Fingerprint.ContentHash
	store.evicted[hash] = true

	require.NoError(t, w.AcceptRecovery(ctx, hash))
	assert.Equal(t, StateIdle, w.State())
	// Fallback stored the new file as if it were unmatched.
	assert.Len(t, store.stored, 1)
}

func TestRejectRecoveryRegistersIndependentEntry(t *testing.T) {
	ctx := context.Background()
	w, _, db := newTestWorkflow(t)

	data := []byte("rejected clip")
	_, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("orig.mp4", data)})
	require.NoError(t, err)

	result, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("dup.mp4", data)})
	require.NoError(t, err)
	require.Len(t, result.Recoverable, 1)

	hash := result.Recoverable[0].Fingerprint.ContentHash
	require.NoError(t, w.RejectRecovery(ctx, hash))

	// Rejection registers a second, independent registry entry.
	fps, err := db.ListFingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 2)
	assert.Equal(t, StateIdle, w.State())
}

func TestProcessBatchIsolatesPerFileFailures(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow(t)

	var errored []string
	w.events.OnError = func(name string, _ error) { errored = append(errored, name) }

	result, err := w.ProcessBatch(ctx, []Candidate{
		FileCandidate(filepath.Join(t.TempDir(), "missing.mp4")),
		BytesCandidate("good.mp4", []byte("readable")),
	})
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	assert.ErrorIs(t, result.Failures[0].Err, fingerprint.ErrUnreadable)
	assert.Equal(t, 1, result.StoredNew)
	assert.Len(t, errored, 1)
	assert.Equal(t, StateIdle, w.State())
}

func TestRecoveryFoundEvent(t *testing.T) {
	ctx := context.Background()

	var found []string
	w, _, _ := newTestWorkflow(t, WithEvents(Events{
		OnRecoveryFound: func(name string, _ []fingerprint.MatchResult) {
			found = append(found, name)
		},
	}))

	data := []byte("announced clip")
	_, err := w.ProcessBatch(ctx, []Candidate{BytesCandidate("orig.mp4", data)})
	require.NoError(t, err)
	_, err = w.ProcessBatch(ctx, []Candidate{BytesCandidate("dup.mp4", data)})
	require.NoError(t, err)

	assert.Equal(t, []string{"dup.mp4"}, found)
}

func TestDecisionOnUnknownHash(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorkflow(t)

	err := w.AcceptRecovery(ctx, mediacache.HashBytes([]byte("never pending")))
	require.Error(t, err)
}
