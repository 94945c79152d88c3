package arcread

import "github.com/arcread/arcread/internal/rerr"

// Error types returned by this package's operations, aliased from
// internal/rerr so callers can use errors.As against the public API without
// reaching into an internal package. See each type's doc comment in
// internal/rerr for the condition it represents.
type (
	TransportError          = rerr.TransportError
	AuthenticationError     = rerr.AuthenticationError
	BadPasswordError        = rerr.BadPasswordError
	NoKeysError             = rerr.NoKeysError
	UnsupportedVersionError = rerr.UnsupportedVersionError
	FormatError             = rerr.FormatError
	BlobNotFoundError       = rerr.BlobNotFoundError
	BlobTypeMismatchError   = rerr.BlobTypeMismatchError
	PathNotFoundError       = rerr.PathNotFoundError
	NotADirectoryError      = rerr.NotADirectoryError
	NotAFileError           = rerr.NotAFileError
	IntegrityError          = rerr.IntegrityError
	SizeMismatchError       = rerr.SizeMismatchError
	DecompressionError      = rerr.DecompressionError
)
