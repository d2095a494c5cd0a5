// Package fallback implements the durable last-resort response store.
//
// One file per key under a root directory. Entries outlive process restarts
// and are only ever written after a successful live call, so the store always
// holds the most recent known-good response. It is a safety net, not a source
// of truth: anything unreadable is reported as missing, never as an error.
package fallback

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
)

// ErrNotFound is returned when no usable entry exists for a key.
// Corrupt and unreadable entries also surface as ErrNotFound.
var ErrNotFound = errors.New("fallback: entry not found")

// Meta describes the freshness of a returned payload.
type Meta struct {
	// Age is how long ago the entry was written.
	Age time.Duration
	// Stale is true once Age exceeds the entry's TTL. Stale entries are
	// still returned; whether stale data is acceptable is the caller's call.
	Stale bool
}

// envelope is the on-disk JSON shape of one entry.
type envelope struct {
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// Store is a durable key/value store with one file per key.
type Store struct {
	dir   string
	clock func() time.Time
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fallback: failed to create store dir: %w", err)
	}
	return &Store{dir: dir, clock: time.Now}, nil
}

// Get returns the payload and freshness metadata for a key.
// Missing, unreadable and corrupt entries all return ErrNotFound.
func (s *Store) Get(key string) ([]byte, Meta, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, Meta{}, ErrNotFound
	}

	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		// Corrupt entry: fail open. The safety net degrades to "no
		// data", it never crashes the call path.
		return nil, Meta{}, ErrNotFound
	}

	if env.Key != key || env.CreatedAt.IsZero() {
		return nil, Meta{}, ErrNotFound
	}

	age := s.clock().Sub(env.CreatedAt)
	meta := Meta{
		Age:   age,
		Stale: age > time.Duration(env.TTLSeconds)*time.Second,
	}
	return env.Payload, meta, nil
}

// Put stores a payload for a key. Writes are last-write-wins and atomic
// (temp file + rename) so a crash mid-write cannot corrupt an older entry.
func (s *Store) Put(key string, payload []byte, ttl time.Duration) error {
	env := envelope{
		Key:        key,
		Payload:    payload,
		CreatedAt:  s.clock(),
		TTLSeconds: int(ttl / time.Second),
	}

	data, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("fallback: failed to encode entry: %w", err)
	}

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("fallback: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fallback: failed to write entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fallback: failed to close entry: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fallback: failed to publish entry: %w", err)
	}
	return nil
}

// path maps a key to its backing file. Keys are hashed so arbitrary key
// content never escapes into filesystem names.
func (s *Store) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}
