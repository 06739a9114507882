// Package recovery reconciles newly selected files against the fingerprint
// registry: files whose content was seen before are offered for recovery
// from cache, everything else is registered and stored as new content.
package recovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	mediacache "github.com/clipforge/mediacache"
	"github.com/clipforge/mediacache/fingerprint"
	"github.com/clipforge/mediacache/telemetry"
)

// State is the recovery workflow state for the current batch.
type State string

const (
	// StateIdle means no batch is in flight and no decisions are pending.
	StateIdle State = "idle"
	// StateProcessing means a batch is being fingerprinted and matched.
	StateProcessing State = "processing"
	// StateAwaitingDecision means at least one file has a recoverable match
	// and the caller must accept or reject it.
	StateAwaitingDecision State = "awaiting-decision"
)

// ContentStore is the destination for file content. The storage
// orchestrator satisfies this at the category level; tests use fakes.
type ContentStore interface {
	// HasCachedContent reports whether cached payloads still exist for a
	// previously registered content identity.
	HasCachedContent(ctx context.Context, hash mediacache.Hash) (bool, error)
	// StoreNewContent persists a new file under its fingerprint identity.
	StoreNewContent(ctx context.Context, name string, data []byte, fp mediacache.Fingerprint) error
}

// Candidate is one file selected by the user.
type Candidate struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileCandidate builds a candidate from a path on disk.
func FileCandidate(path string) Candidate {
	return Candidate{
		Name: path,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// BytesCandidate builds a candidate from an in-memory buffer.
func BytesCandidate(name string, data []byte) Candidate {
	return Candidate{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// PendingFile is a file waiting for an accept/reject decision. There is one
// pending decision per distinct content identity: byte-identical files from
// the same batch coalesce into a single PendingFile, with the extra copies
// listed in Duplicates, and one Accept/Reject resolves them all.
type PendingFile struct {
	Candidate   Candidate
	Duplicates  []Candidate
	Fingerprint mediacache.Fingerprint
	Matches     []fingerprint.MatchResult
}

// BestMatch returns the highest-confidence match for the file.
func (p *PendingFile) BestMatch() fingerprint.MatchResult {
	return p.Matches[0]
}

// FileError records a per-file fingerprinting failure. Failures never abort
// the batch; the remaining files continue processing.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("recovery: %s: %v", e.Name, e.Err)
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	Recoverable []*PendingFile
	StoredNew   int
	Failures    []FileError
}

// Events are outbound notifications the workflow emits. All callbacks are
// optional; the presentation layer subscribes, the core never depends on it.
type Events struct {
	OnRecoveryFound func(name string, matches []fingerprint.MatchResult)
	OnError         func(name string, err error)
}

func (e Events) recoveryFound(name string, matches []fingerprint.MatchResult) {
	if e.OnRecoveryFound != nil {
		e.OnRecoveryFound(name, matches)
	}
}

func (e Events) errored(name string, err error) {
	if e.OnError != nil {
		e.OnError(name, err)
	}
}

// Workflow runs the per-batch recovery state machine:
// idle -> processing -> {awaiting-decision | idle}.
type Workflow struct {
	engine *fingerprint.Engine
	store  ContentStore
	events Events
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	pending map[mediacache.Hash]*PendingFile
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithEvents sets the outbound event callbacks.
func WithEvents(events Events) WorkflowOption {
	return func(w *Workflow) {
		w.events = events
	}
}

// WithLogger sets the logger for the workflow.
func WithLogger(logger *slog.Logger) WorkflowOption {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// NewWorkflow creates a recovery workflow over the given engine and store.
func NewWorkflow(engine *fingerprint.Engine, store ContentStore, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		engine:  engine,
		store:   store,
		logger:  slog.Default(),
		state:   StateIdle,
		pending: make(map[mediacache.Hash]*PendingFile),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current workflow state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the files awaiting a decision, ordered by name.
func (w *Workflow) Pending() []*PendingFile {
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make([]*PendingFile, 0, len(w.pending))
	for _, p := range w.pending {
		files = append(files, p)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Candidate.Name < files[j].Candidate.Name
	})
	return files
}

// ProcessBatch fingerprints each candidate and queries the registry. Files
// with at least one match join the pending-decision list; files with no
// match are immediately registered and stored as new content. A per-file
// failure is recorded and the batch continues.
func (w *Workflow) ProcessBatch(ctx context.Context, files []Candidate) (*BatchResult, error) {
	w.mu.Lock()
	if w.state == StateProcessing {
		w.mu.Unlock()
		return nil, fmt.Errorf("recovery: batch already in flight")
	}
	w.state = StateProcessing
	w.mu.Unlock()

	result := &BatchResult{}

	for _, file := range files {
		fp, data, err := w.fingerprintCandidate(file)
		if err != nil {
			w.logger.Warn("skipping unreadable file", "name", file.Name, "error", err)
			result.Failures = append(result.Failures, FileError{Name: file.Name, Err: err})
			w.events.errored(file.Name, err)
			telemetry.RecordRecoveryFile(ctx, "failed")
			continue
		}

		matches, err := w.engine.FindMatches(ctx, fp)
		if err != nil {
			result.Failures = append(result.Failures, FileError{Name: file.Name, Err: err})
			w.events.errored(file.Name, err)
			telemetry.RecordRecoveryFile(ctx, "failed")
			continue
		}

		if len(matches) > 0 {
			w.mu.Lock()
			if existing, ok := w.pending[fp.ContentHash]; ok {
				existing.Duplicates = append(existing.Duplicates, file)
				w.mu.Unlock()
				w.events.recoveryFound(file.Name, existing.Matches)
				telemetry.RecordRecoveryFile(ctx, "matched")
				continue
			}
			p := &PendingFile{Candidate: file, Fingerprint: fp, Matches: matches}
			w.pending[fp.ContentHash] = p
			w.mu.Unlock()
			result.Recoverable = append(result.Recoverable, p)
			w.events.recoveryFound(file.Name, matches)
			telemetry.RecordRecoveryFile(ctx, "matched")
			w.logger.Info("recoverable match found",
				"name", file.Name,
				"hash", fp.ContentHash.ShortString(),
				"matches", len(matches))
			continue
		}

		if err := w.registerAndStore(ctx, file.Name, data, fp); err != nil {
			result.Failures = append(result.Failures, FileError{Name: file.Name, Err: err})
			w.events.errored(file.Name, err)
			telemetry.RecordRecoveryFile(ctx, "failed")
			continue
		}
		result.StoredNew++
		telemetry.RecordRecoveryFile(ctx, "stored_new")
	}

	w.mu.Lock()
	if len(w.pending) > 0 {
		w.state = StateAwaitingDecision
	} else {
		w.state = StateIdle
	}
	w.mu.Unlock()

	return result, nil
}

// AcceptRecovery resolves a pending file to reuse the cached payload under
// the matched identity. If the cached payload has since been evicted, the
// file falls back to being stored as new content.
func (w *Workflow) AcceptRecovery(ctx context.Context, hash mediacache.Hash) error {
	p, err := w.takePending(hash)
	if err != nil {
		return err
	}

	best := p.BestMatch()
	cached, err := w.store.HasCachedContent(ctx, best.Fingerprint.ContentHash)
	if err != nil {
		w.logger.Warn("cached payload check failed, storing as new",
			"name", p.Candidate.Name, "error", err)
		cached = false
	}

	if cached {
		telemetry.RecordRecoveryFile(ctx, "recovered")
		w.logger.Info("recovery accepted",
			"name", p.Candidate.Name,
			"matched", best.Fingerprint.ContentHash.ShortString())
		return nil
	}

	// Cached payload evicted: treat as if the file never matched.
	fp, data, err := w.fingerprintCandidate(p.Candidate)
	if err != nil {
		return err
	}
	return w.registerAndStore(ctx, p.Candidate.Name, data, fp)
}

// RejectRecovery treats a pending file explicitly as new content: a fresh
// fingerprint is generated and registered and the file is stored,
// discarding the proposed match.
func (w *Workflow) RejectRecovery(ctx context.Context, hash mediacache.Hash) error {
	p, err := w.takePending(hash)
	if err != nil {
		return err
	}

	fp, data, err := w.fingerprintCandidate(p.Candidate)
	if err != nil {
		return err
	}
	if err := w.registerAndStore(ctx, p.Candidate.Name, data, fp); err != nil {
		return err
	}
	w.logger.Info("recovery rejected, stored as new",
		"name", p.Candidate.Name,
		"hash", fp.ContentHash.ShortString())
	return nil
}

// takePending removes a pending file and returns to idle when the list
// empties.
func (w *Workflow) takePending(hash mediacache.Hash) (*PendingFile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[hash]
	if !ok {
		return nil, fmt.Errorf("recovery: no pending file for %s", hash.ShortString())
	}
	delete(w.pending, hash)
	if len(w.pending) == 0 {
		w.state = StateIdle
	}
	return p, nil
}

func (w *Workflow) fingerprintCandidate(file Candidate) (mediacache.Fingerprint, []byte, error) {
	rc, err := file.Open()
	if err != nil {
		return mediacache.Fingerprint{}, nil, fmt.Errorf("%w: %v", fingerprint.ErrUnreadable, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return mediacache.Fingerprint{}, nil, fmt.Errorf("%w: %v", fingerprint.ErrUnreadable, err)
	}

	fp, err := w.engine.Generate(bytes.NewReader(data))
	if err != nil {
		return mediacache.Fingerprint{}, nil, err
	}
	return fp, data, nil
}

func (w *Workflow) registerAndStore(ctx context.Context, name string, data []byte, fp mediacache.Fingerprint) error {
	if err := w.engine.StoreFingerprint(ctx, fp); err != nil {
		return err
	}
	if err := w.store.StoreNewContent(ctx, name, data, fp); err != nil {
		return fmt.Errorf("storing new content %s: %w", name, err)
	}
	return nil
}
