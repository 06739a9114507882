// Package mediastore keeps recovered media payloads on disk, addressed by
// their blake3 content hash. It backs the recovery workflow: accepted
// recoveries resolve to payloads already present here, rejected and
// unmatched files are written as new objects.
package mediastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	mediacache "github.com/clipforge/mediacache"
)

// ErrNotFound is returned when no payload exists for a hash.
var ErrNotFound = errors.New("mediastore: not found")

const objectPrefix = "objects"

// Store is a content-addressed media payload store rooted at a directory.
// Objects are sharded one level deep by the first hash byte; writes are
// atomic via a temp file and rename.
type Store struct {
	root   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a media store rooted at the given path. The directory is
// created if it does not exist.
func New(root string, opts ...Option) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(absRoot, objectPrefix), 0755); err != nil {
		return nil, fmt.Errorf("creating media store root: %w", err)
	}

	s := &Store{
		root:   absRoot,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the root directory path.
func (s *Store) Root() string {
	return s.root
}

// PutResult describes the outcome of a Put.
type PutResult struct {
	Hash   mediacache.Hash
	Size   int64
	Exists bool
}

// Put stores a payload and returns its hash. Byte-identical payloads are
// deduplicated; re-storing existing content is a cheap no-op.
func (s *Store) Put(ctx context.Context, r io.Reader) (*PutResult, error) {
	dir := filepath.Join(s.root, objectPrefix)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hr := mediacache.NewHashingReader(r)
	if _, err := io.Copy(tmp, hr); err != nil {
		return nil, fmt.Errorf("writing payload: %w", err)
	}

	hash := hr.Sum()
	size := hr.BytesRead()
	path := s.objectPath(hash)

	if _, err := os.Stat(path); err == nil {
		s.logger.Debug("payload already stored", "hash", hash.ShortString())
		return &PutResult{Hash: hash, Size: size, Exists: true}, nil
	}

	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("syncing payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("renaming payload: %w", err)
	}

	success = true
	return &PutResult{Hash: hash, Size: size}, nil
}

// PutBytes is a convenience method for storing bytes.
func (s *Store) PutBytes(ctx context.Context, data []byte) (*PutResult, error) {
	return s.Put(ctx, bytes.NewReader(data))
}

// Get opens a payload by its hash.
func (s *Store) Get(ctx context.Context, h mediacache.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	return f, nil
}

// GetBytes reads a payload fully into memory.
func (s *Store) GetBytes(ctx context.Context, h mediacache.Hash) ([]byte, error) {
	rc, err := s.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return data, nil
}

// Has reports whether a payload exists for the hash.
func (s *Store) Has(ctx context.Context, h mediacache.Hash) (bool, error) {
	_, err := os.Stat(s.objectPath(h))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking payload: %w", err)
}

// Delete removes a payload. Deleting an absent payload is not an error.
func (s *Store) Delete(ctx context.Context, h mediacache.Hash) error {
	err := os.Remove(s.objectPath(h))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing payload: %w", err)
	}
	return nil
}

// List returns the hashes of all stored payloads.
func (s *Store) List(ctx context.Context) ([]mediacache.Hash, error) {
	var hashes []mediacache.Hash

	root := filepath.Join(s.root, objectPrefix)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		h, err := mediacache.ParseHash(d.Name())
		if err != nil {
			// Temp files and strays are not payloads.
			return nil
		}
		hashes = append(hashes, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing payloads: %w", err)
	}
	return hashes, nil
}

// objectPath returns the on-disk location for a hash.
// Layout: <root>/objects/<first-byte-hex>/<full-hash-hex>
func (s *Store) objectPath(h mediacache.Hash) string {
	hex := h.String()
	return filepath.Join(s.root, objectPrefix, hex[:2], hex)
}
