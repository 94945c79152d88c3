// Package memstore is an in-memory store.Store used as a test fixture,
// modeled on restic's internal/backend/mem. It is not part of the engine's
// public surface: real deployments plug in an S3-style adapter.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/store"
	"github.com/cespare/xxhash/v2"
)

// Store keeps every object in a map, with an xxhash checksum recorded by
// Put and re-checked on every read, purely as a self-consistency check for the test fixtures that
// build against it (the real object-store adapter is responsible for data
// integrity in production; this package exists only to exercise the engine
// in tests).
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
	sums map[string]uint64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string][]byte),
		sums: make(map[string]uint64),
	}
}

// Put inserts or overwrites an object. Test fixtures use this to seed a
// repository; it is not part of store.Store.
func (s *Store) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append([]byte(nil), value...)
	s.data[key] = buf
	s.sums[key] = xxhash.Sum64(buf)
}

func (s *Store) List(ctx context.Context, prefix string, fn func(key string) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.GetRange(ctx, key, 0, -1)
}

func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.data[key]
	if !ok {
		return nil, &rerr.TransportError{Key: key, Cause: errNotExist}
	}
	if s.sums[key] != xxhash.Sum64(buf) {
		return nil, &rerr.TransportError{Key: key, Cause: rerr.New("checksum mismatch")}
	}

	if length < 0 {
		return append([]byte(nil), buf...), nil
	}

	end := offset + length
	if offset < 0 || end > int64(len(buf)) {
		return nil, &rerr.TransportError{Key: key, Cause: rerr.New("requested range exceeds object size")}
	}

	return append([]byte(nil), buf[offset:end]...), nil
}

func (s *Store) Head(ctx context.Context, key string) (store.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.data[key]
	if !ok {
		return store.Info{}, &rerr.TransportError{Key: key, Cause: errNotExist}
	}
	return store.Info{Size: int64(len(buf))}, nil
}

var errNotExist = rerr.New("object does not exist")

// IsNotExist reports whether err was caused by a missing object, the way a
// real adapter's equivalent helper would (restic's Backend.IsNotExist).
func IsNotExist(err error) bool {
	te, ok := err.(*rerr.TransportError)
	return ok && te.Cause == errNotExist
}

var _ store.Store = (*Store)(nil)
