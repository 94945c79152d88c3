// Package codec resolves the format-version-dependent encoding layered on
// top of the crypto envelope (C3 in spec.md): unpacked files (config,
// indexes, snapshots) carry a version-dependent compression marker, while
// packed blobs carry their compression signal in the index entry instead.
package codec

import (
	"sync"

	"github.com/arcread/arcread/internal/rerr"
	"github.com/klauspost/compress/zstd"
)

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// DecodeUnpacked resolves an unpacked file's plaintext (the bytes that come
// out of the crypto envelope for config/index/snapshot objects) into raw
// JSON, per spec.md §4.3:
//
//   - version 1: plaintext is always raw JSON.
//   - version 2: a leading '{' or '[' means legacy raw JSON (a version-1
//     file written before an upgrade); a leading 0x02 means the remainder
//     is zstd-compressed; anything else is a FormatError.
func DecodeUnpacked(version uint, plaintext []byte) ([]byte, error) {
	if version == 1 {
		return plaintext, nil
	}

	if len(plaintext) == 0 {
		return nil, &rerr.FormatError{Message: "empty unpacked payload"}
	}

	switch plaintext[0] {
	case '{', '[':
		return plaintext, nil
	case 0x02:
		dec, err := sharedDecoder()
		if err != nil {
			return nil, rerr.Wrap(err, "zstd.NewReader")
		}
		out, err := dec.DecodeAll(plaintext[1:], nil)
		if err != nil {
			return nil, &rerr.DecompressionError{Cause: err}
		}
		return out, nil
	default:
		return nil, &rerr.FormatError{Message: "unsupported encoding byte"}
	}
}

// DecodeBlob resolves a packed blob's plaintext (already out of the crypto
// envelope) using the compression signal carried by its index entry:
// uncompressedLength == 0 means the blob was stored uncompressed;
// otherwise the plaintext is zstd-compressed and must decompress to
// exactly uncompressedLength bytes.
func DecodeBlob(plaintext []byte, uncompressedLength uint64) ([]byte, error) {
	if uncompressedLength == 0 {
		return plaintext, nil
	}

	dec, err := sharedDecoder()
	if err != nil {
		return nil, rerr.Wrap(err, "zstd.NewReader")
	}

	out, err := dec.DecodeAll(plaintext, make([]byte, 0, uncompressedLength))
	if err != nil {
		return nil, &rerr.DecompressionError{Cause: err}
	}
	if uint64(len(out)) != uncompressedLength {
		return nil, &rerr.FormatError{Message: "decompressed blob length does not match index entry"}
	}
	return out, nil
}
