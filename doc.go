// Package arcread implements a read-only client for content-addressed,
// encrypted, deduplicated backup repositories stored in an S3-style object
// store. Callers supply a store.Store and a password; arcread unlocks the
// repository's master key, builds the blob index lazily, and serves
// snapshot enumeration, path browsing and file streaming against it.
//
// The engine never writes to the store: pack creation, pruning and lock
// acquisition are out of scope.
package arcread
