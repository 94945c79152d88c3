// Package rerr defines the error taxonomy shared by every component of the
// repository engine. It mirrors restic's internal/errors in spirit: thin
// wrappers around github.com/pkg/errors plus a handful of concrete types for
// conditions callers need to distinguish with errors.As.
package rerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// New, Errorf, Wrap and Wrapf re-export github.com/pkg/errors so the rest of
// the module never imports it directly; this keeps rerr's stack-trace
// annotation behavior in one place.
var (
	New    = errors.New
	Errorf = errors.Errorf
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
)

// TransportError wraps a failure reported by the object-store adapter (C1).
type TransportError struct {
	Key   string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %q: %v", e.Key, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// AuthenticationError is returned whenever a Poly1305-AES MAC fails to
// verify. Context names what was being decrypted (config, key, index,
// snapshot, blob, ...) but the message deliberately does not say whether the
// fault was a bad password or corrupted ciphertext: see BadPasswordError.
type AuthenticationError struct {
	Context string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed decrypting %s: wrong password or corrupted data", e.Context)
}

// BadPasswordError is returned by the key store when no key file could be
// unlocked with the given password. It carries the last authentication
// failure encountered, not the list of key files that were tried.
type BadPasswordError struct {
	Cause error
}

func (e *BadPasswordError) Error() string {
	return "wrong password or corrupted data"
}

func (e *BadPasswordError) Unwrap() error { return e.Cause }

// NoKeysError is returned when a repository has no objects under keys/.
type NoKeysError struct{}

func (e *NoKeysError) Error() string { return "no key files found in repository" }

// UnsupportedVersionError is returned when the repository config names a
// format version this engine does not understand.
type UnsupportedVersionError struct {
	Version uint
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported repository version %d", e.Version)
}

// FormatError covers malformed JSON, a bad encoding byte, a truncated
// envelope or an inconsistent pack header.
type FormatError struct {
	Message string
}

func (e *FormatError) Error() string { return "invalid format: " + e.Message }

// BlobNotFoundError is returned by the blob index when an ID has no entry.
type BlobNotFoundError struct {
	ID   string
	Type string
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("%s blob %s not found in index", e.Type, e.ID)
}

// BlobTypeMismatchError is returned when an index entry's recorded type
// differs from the type the caller expected.
type BlobTypeMismatchError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *BlobTypeMismatchError) Error() string {
	return fmt.Sprintf("blob %s has type %s, expected %s", e.ID, e.Actual, e.Expected)
}

// PathNotFoundError is returned by the navigator when a path segment has no
// matching node.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string { return fmt.Sprintf("path not found: %q", e.Path) }

// NotADirectoryError is returned when a non-terminal path segment does not
// resolve to a directory with a subtree.
type NotADirectoryError struct {
	Path string
}

func (e *NotADirectoryError) Error() string { return fmt.Sprintf("not a directory: %q", e.Path) }

// NotAFileError is returned when ReadFile is called on a node that is not a
// regular file.
type NotAFileError struct {
	Name string
}

func (e *NotAFileError) Error() string { return fmt.Sprintf("not a file: %q", e.Name) }

// IntegrityError is returned when a blob's plaintext SHA-256 does not match
// its claimed ID.
type IntegrityError struct {
	ID string
}

func (e *IntegrityError) Error() string { return fmt.Sprintf("blob %s failed integrity check", e.ID) }

// SizeMismatchError is returned after a file's content blobs have been fully
// delivered if their total length disagreed with the node's recorded size.
type SizeMismatchError struct {
	Expected uint64
	Actual   uint64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("file size mismatch: expected %d bytes, got %d", e.Expected, e.Actual)
}

// DecompressionError wraps a zstd failure.
type DecompressionError struct {
	Cause error
}

func (e *DecompressionError) Error() string { return fmt.Sprintf("decompression failed: %v", e.Cause) }

func (e *DecompressionError) Unwrap() error { return e.Cause }
