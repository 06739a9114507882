package cachedb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt implements CacheDB using bbolt. A single database file holds every
// category bucket plus the shared expiry index; per-key operations are
// serialized by bbolt's transaction semantics.
type Bolt struct {
	db     *bbolt.DB
	codec  *payloadCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltOption configures a Bolt instance.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// NewBolt creates a new Bolt cache store with options.
func NewBolt(opts ...BoltOption) *Bolt {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path and creates missing buckets.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening cache database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}

	codec, err := newPayloadCodec()
	if err != nil {
		_ = db.Close()
		b.db = nil
		return fmt.Errorf("creating payload codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened cache store", "path", path, "noSync", b.noSync)
	return nil
}

func (b *Bolt) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, c := range Categories {
			if _, err := tx.CreateBucketIfNotExists(categoryBucket(c)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", c, err)
			}
		}
		for _, name := range [][]byte{bucketByExpiry, bucketExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources. Operations after Close
// fail with ErrStoreUnavailable.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing cache store")
	db := b.db
	b.db = nil
	return db.Close()
}

// available reports whether the store can serve operations.
func (b *Bolt) available() bool {
	return b.db != nil && b.codec != nil
}

// putEntry upserts a payload by key. The prior value and timestamps are
// overwritten unconditionally; the write is persisted before returning.
func (b *Bolt) putEntry(c Category, key string, payload any) error {
	if !b.available() {
		return ErrStoreUnavailable
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", c, err)
	}

	encoded, encoding, digest, err := b.codec.Encode(raw)
	if err != nil {
		return fmt.Errorf("packing %s payload: %w", c, err)
	}

	now := b.now()
	env := envelope{
		Key:       key,
		StoredAt:  now,
		SizeBytes: int64(len(raw)),
		Encoding:  encoding,
		Digest:    digest,
		Payload:   encoded,
	}
	if ttl := c.TTL(); ttl > 0 {
		env.ExpiresAt = now.Add(ttl)
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(categoryBucket(c))
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", c)
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		var expiresAt *time.Time
		if !env.ExpiresAt.IsZero() {
			expiresAt = &env.ExpiresAt
		}
		return b.updateExpiryIndex(tx, c, key, expiresAt)
	})
}

// getEntry retrieves a payload by key. An entry whose expiry has passed is
// deleted as a side effect of the read and reported as ErrNotFound.
func (b *Bolt) getEntry(c Category, key string, out any) (EntryInfo, error) {
	if !b.available() {
		return EntryInfo{}, ErrStoreUnavailable
	}

	var env envelope
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(categoryBucket(c))
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return EntryInfo{}, err
	}

	if env.expired(b.now()) {
		// Lazy expiry: the stale entry is removed on read.
		if derr := b.deleteEntry(c, key); derr != nil {
			b.logger.Warn("failed to delete expired entry",
				"category", c, "key", key, "error", derr)
		}
		return EntryInfo{}, ErrNotFound
	}

	raw, err := b.codec.Decode(env.Payload, env.Encoding, env.Digest)
	if err != nil {
		return EntryInfo{}, fmt.Errorf("unpacking %s payload: %w", c, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return EntryInfo{}, fmt.Errorf("decoding %s payload: %w", c, err)
	}
	return env.info(), nil
}

// deleteEntry removes an entry and its expiry index records.
func (b *Bolt) deleteEntry(c Category, key string) error {
	if !b.available() {
		return ErrStoreUnavailable
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.deleteEntryTx(tx, c, key)
	})
}

func (b *Bolt) deleteEntryTx(tx *bbolt.Tx, c Category, key string) error {
	if err := b.updateExpiryIndex(tx, c, key, nil); err != nil {
		return err
	}
	bucket := tx.Bucket(categoryBucket(c))
	if bucket == nil {
		return nil
	}
	return bucket.Delete([]byte(key))
}

// updateExpiryIndex maintains the forward and reverse expiry indexes.
// If expiresAt is nil, only deletes existing index entries.
func (b *Bolt) updateExpiryIndex(tx *bbolt.Tx, c Category, key string, expiresAt *time.Time) error {
	forward := tx.Bucket(bucketByExpiry)
	reverse := tx.Bucket(bucketExpiryByKey)
	if forward == nil || reverse == nil {
		return nil
	}

	compoundKey := makeCategoryKey(c, key)

	// Delete old forward index entry via reverse index lookup (O(1)),
	// then delete the reverse index entry.
	if tsBytes := reverse.Get(compoundKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := forward.Delete(makeExpiryKey(oldExpiresAt, c, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverse.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := forward.Put(makeExpiryKey(*expiresAt, c, key), compoundKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverse.Put(compoundKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// listEntries iterates every live entry under a key prefix, filtering out
// expired ones at read time without deleting them.
func (b *Bolt) listEntries(c Category, prefix []byte, visit func(env *envelope, raw []byte) error) error {
	if !b.available() {
		return ErrStoreUnavailable
	}
	now := b.now()
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(categoryBucket(c))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				b.logger.Warn("skipping undecodable entry", "category", c, "error", err)
				continue
			}
			if env.expired(now) {
				continue
			}
			raw, err := b.codec.Decode(env.Payload, env.Encoding, env.Digest)
			if err != nil {
				b.logger.Warn("skipping corrupt entry", "category", c, "key", env.Key, "error", err)
				continue
			}
			if err := visit(&env, raw); err != nil {
				return err
			}
		}
		return nil
	})
}
