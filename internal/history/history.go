// Package history provides a write-only audit trail of released tuples,
// backed by an embedded bbolt database. Unlike a typical cache, nothing
// is ever read back from the store into engine state: history mode is
// observational only, and the store exists purely for after-the-fact
// inspection.
package history

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"castle-stream/internal/castle"
)

const bucket = "released_tuples"

// entry is what gets persisted for one released tuple: its
// pre-generalization row alongside the generalized record the sink
// received, plus a wall-clock timestamp for ordering.
type entry struct {
	Original   castle.Record `json:"original"`
	Released   castle.Output `json:"released"`
	ReleasedAt time.Time     `json:"releasedAt"`
}

// Store is a bbolt-backed castle.HistoryStore: every call to Record
// appends one entry, keyed by a fresh uuid so entries never collide even
// when the same pid recurs across many released clusters.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database at path and ensures the
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("history: create bucket: %w", err)
	}
	log.Printf("[HISTORY] audit store opened at %s", path)
	return &Store{db: db}, nil
}

// Record writes one audit entry. Errors are the caller's to decide
// whether to log-and-continue (per spec, history failures must never
// affect release behavior).
func (s *Store) Record(original castle.Record, released castle.Output) error {
	e := entry{Original: original, Released: released, ReleasedAt: time.Now()}
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: marshal entry: %w", err)
	}
	key := uuid.New()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		return b.Put(key[:], blob)
	})
}

// Count returns the number of audit entries currently stored.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}
