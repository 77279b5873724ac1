// Package store persists conversations, messages, participants and
// whiteboards in pebble.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"

	"threadline/pkg/state/logger"
	"threadline/pkg/timeutil"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidID        = errors.New("invalid id")
	ErrRevisionConflict = errors.New("whiteboard revision conflict")
	ErrClosed           = errors.New("store closed")
)

// DB wraps a pebble instance with per-conversation write serialisation.
type DB struct {
	db    *pebble.DB
	path  string
	clock timeutil.Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*DB, error) {
	return open(path, &pebble.Options{})
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*DB, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*DB, error) {
	p, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	return &DB{db: p, path: path, clock: timeutil.System, locks: make(map[string]*sync.Mutex)}, nil
}

// SetClock replaces the timestamp source.
func (d *DB) SetClock(c timeutil.Clock) { d.clock = c }

func (d *DB) now() int64 { return d.clock.Now().UnixNano() }

// Flush forces memtables to disk.
func (d *DB) Flush() error {
	if d.db == nil {
		return ErrClosed
	}
	return d.db.Flush()
}

func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DB) Ready() bool { return d.db != nil }

// lock returns the mutex serialising writes to one conversation.
func (d *DB) lock(convID string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	if l, ok := d.locks[convID]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.locks[convID] = l
	return l
}

func (d *DB) forget(convID string) {
	d.locksMu.Lock()
	delete(d.locks, convID)
	d.locksMu.Unlock()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (d *DB) getRaw(key []byte) ([]byte, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	v, closer, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		logger.Error("get_key_failed", "key", string(key), "error", err)
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return out, nil
}

func (d *DB) getJSON(key []byte, v any) error {
	raw, err := d.getRaw(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set(key, raw, nil)
}

func (d *DB) commit(b *pebble.Batch) error {
	if d.db == nil {
		return ErrClosed
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("batch_commit_failed", "error", err)
		return err
	}
	return nil
}

// scan visits every key/value under prefix in order; fn returning false stops.
func (d *DB) scan(prefix []byte, fn func(k, v []byte) (bool, error)) error {
	if d.db == nil {
		return ErrClosed
	}
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}
