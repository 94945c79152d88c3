// Package store defines the narrow capability interface the repository
// engine consumes from an object store (C1 in spec.md), plus the object-key
// naming conventions for the repository namespace. Concrete adapters
// (S3, GCS, local disk, ...) are external collaborators; this module ships
// only the interface and an in-memory test double.
package store

import (
	"context"
)

// Info describes an object's metadata, as returned by Head.
type Info struct {
	Size int64
}

// Store is the capability the engine needs from an object store. All
// methods are failable; failures are reported as *rerr.TransportError by
// implementations wrapping this module's memstore, and should be by any
// other adapter.
type Store interface {
	// List calls fn once for every object key under prefix, following the
	// store's pagination tokens until exhausted. List stops and returns
	// fn's error if fn returns a non-nil error.
	List(ctx context.Context, prefix string, fn func(key string) error) error

	// Get returns the entire contents of the object named by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange returns exactly length bytes starting at offset. A backend
	// returning a non-range 200 response must truncate it to length itself
	// before returning.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Head returns metadata about the object named by key.
	Head(ctx context.Context, key string) (Info, error)
}

// Object-key layout. locks/<id> is part of the namespace but is
// intentionally never addressed by this engine: spec.md excludes lock
// acquisition entirely.
const (
	ConfigKey      = "config"
	keysPrefix     = "keys/"
	snapshotPrefix = "snapshots/"
	indexPrefix    = "index/"
	dataPrefix     = "data/"
)

// KeyObjectKey returns the object key for a key file.
func KeyObjectKey(idHex string) string { return keysPrefix + idHex }

// SnapshotObjectKey returns the object key for a snapshot.
func SnapshotObjectKey(idHex string) string { return snapshotPrefix + idHex }

// IndexObjectKey returns the object key for an index file.
func IndexObjectKey(idHex string) string { return indexPrefix + idHex }

// PackObjectKey returns the object key for a pack, sharded by the first two
// hex characters of its ID.
func PackObjectKey(idHex string) string {
	if len(idHex) < 2 {
		return dataPrefix + idHex
	}
	return dataPrefix + idHex[:2] + "/" + idHex
}

// KeysPrefix, SnapshotsPrefix and IndexPrefix are exposed for List calls.
const (
	KeysPrefix      = keysPrefix
	SnapshotsPrefix = snapshotPrefix
	IndexPrefix     = indexPrefix
)

// TrimPrefix strips a namespace prefix from a listed key, returning the
// hex-ID basename.
func TrimPrefix(key, prefix string) string {
	if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
