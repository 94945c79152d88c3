// Package packs reads pack files (C6 in spec.md): parsing the
// tail-anchored, encrypted header that lists a pack's blobs, and serving
// individual blob reads via ranged GETs.
package packs

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/arcread/arcread/internal/crypto"
	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/debug"
	"github.com/arcread/arcread/internal/rerr"
)

// Entry describes one blob as recorded in a pack's own header, independent
// of (and used to cross-check against) the repository-wide blob index.
type Entry struct {
	Type               data.BlobType
	ID                 data.ID
	Offset             uint64
	Length             uint64
	UncompressedLength uint64
}

const (
	// plainEntrySize is type(1) + length(4) + id(32).
	plainEntrySize = 1 + 4 + 32
	// compressedEntrySize additionally carries a 4-byte uncompressed length.
	compressedEntrySize = plainEntrySize + 4

	headerLengthFieldSize = 4

	// eagerEntries is how many trailing header entries are downloaded
	// speculatively as part of the header-length request, on the
	// assumption that a second round trip is far more costly than a few
	// extra kilobytes (restic's internal/pack.eagerEntries).
	eagerEntries = 15

	maxHeaderSize = 16 * 1024 * 1024
)

// RangeGetter is the minimal ranged-read capability ParseHeader needs; it is
// satisfied by an adapter around store.Store plus a known pack object size.
type RangeGetter interface {
	// GetTail returns the last n bytes of the object, or the whole object
	// if it is shorter than n.
	GetTail(ctx context.Context, n int64) ([]byte, error)
}

// ParseHeader downloads and decrypts the header of a pack whose total size
// is packSize, using at most two ranged GETs: an eager read of the last
// eagerEntries' worth of compressed-sized (the larger) entries, and — only if the header
// turns out to hold more entries than that — a second read sized exactly
// to the real header.
func ParseHeader(ctx context.Context, rg RangeGetter, key *crypto.Key, packSize int64) ([]Entry, error) {
	if packSize < int64(plainEntrySize+crypto.Extension+headerLengthFieldSize) {
		return nil, &rerr.FormatError{Message: "pack file is too small to contain a header"}
	}

	buf, count, err := readRecords(ctx, rg, packSize, eagerEntries)
	if err != nil {
		return nil, err
	}
	if count > eagerEntries {
		buf, _, err = readRecords(ctx, rg, packSize, count)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := key.Open(nil, buf)
	if err != nil {
		return nil, &rerr.AuthenticationError{Context: "pack header"}
	}

	return decodeEntries(plaintext)
}

// readRecords downloads the trailing bytes of the pack sized to hold up to
// max compressed-sized header entries plus the encrypted header's fixed
// overhead, reads the 4-byte little-endian header length from the very
// end, validates it, and returns the encrypted header bytes (trimmed to
// its real size if fewer than max entries were present) along with the
// total entry count implied by the length field. Because compressed
// entries are larger than plain ones, the count computed here is only
// exact when every entry turns out to be plain-sized; readRecords always
// trusts the authoritative header-length field over the eager guess.
func readRecords(ctx context.Context, rg RangeGetter, packSize int64, max int) ([]byte, int, error) {
	bufsize := int64(max)*int64(compressedEntrySize) + int64(crypto.Extension) + headerLengthFieldSize
	if bufsize > packSize {
		bufsize = packSize
	}

	tail, err := rg.GetTail(ctx, bufsize)
	if err != nil {
		return nil, 0, &rerr.TransportError{Key: "pack tail", Cause: err}
	}
	if int64(len(tail)) != bufsize {
		return nil, 0, &rerr.FormatError{Message: "short read fetching pack tail"}
	}

	hlen := binary.LittleEndian.Uint32(tail[len(tail)-headerLengthFieldSize:])
	header := tail[:len(tail)-headerLengthFieldSize]
	debug.Log("pack header length: %d", hlen)

	switch {
	case hlen == 0:
		return nil, 0, &rerr.FormatError{Message: "pack header length is zero"}
	case hlen < uint32(crypto.Extension):
		return nil, 0, &rerr.FormatError{Message: "pack header length is smaller than the crypto overhead"}
	case int64(hlen) > packSize-headerLengthFieldSize:
		return nil, 0, &rerr.FormatError{Message: "pack header is larger than the pack file"}
	case hlen > maxHeaderSize:
		return nil, 0, &rerr.FormatError{Message: "pack header exceeds the maximum allowed size"}
	}

	encryptedEntries := int64(hlen) - int64(crypto.Extension)
	if encryptedEntries%plainEntrySize != 0 && encryptedEntries%compressedEntrySize != 0 {
		return nil, 0, &rerr.FormatError{Message: "pack header length is not a multiple of any known entry size"}
	}

	// prefer the plain-entry count unless it doesn't divide evenly; this
	// only feeds the "did the eager read suffice" decision, never the
	// actual parse, so an imprecise count just costs an extra round trip.
	count := int(encryptedEntries / plainEntrySize)
	if encryptedEntries%plainEntrySize != 0 {
		count = int(encryptedEntries / compressedEntrySize)
	}

	if int64(len(header)) > int64(hlen) {
		header = header[int64(len(header))-int64(hlen):]
	}

	return header, count, nil
}

// decodeEntries parses the decrypted header into Entry records, supporting
// both the 37-byte plain layout (type, length, id) and the 41-byte
// compressed layout (type, length, uncompressed length, id), per spec.md
// §4.5. Entries are tried as plain first; a file mixing layouts is not a
// format this repository produces, so decodeEntries assumes the header is
// homogeneous and picks the layout implied by its total length.
func decodeEntries(header []byte) ([]Entry, error) {
	var recordSize int
	switch {
	case len(header)%compressedEntrySize == 0 && len(header)%plainEntrySize != 0:
		recordSize = compressedEntrySize
	case len(header)%plainEntrySize == 0:
		recordSize = plainEntrySize
	default:
		return nil, &rerr.FormatError{Message: "decrypted pack header length is not a multiple of any entry size"}
	}

	rd := bytes.NewReader(header)
	entries := make([]Entry, 0, len(header)/recordSize)

	var pos uint64
	for {
		raw := make([]byte, recordSize)
		_, err := io.ReadFull(rd, raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, rerr.Wrap(err, "reading pack header entry")
		}

		typ, err := decodeBlobType(raw[0], recordSize == compressedEntrySize)
		if err != nil {
			return nil, err
		}
		length := binary.LittleEndian.Uint32(raw[1:5])

		entry := Entry{Type: typ, Length: uint64(length), Offset: pos}
		if recordSize == compressedEntrySize {
			entry.UncompressedLength = uint64(binary.LittleEndian.Uint32(raw[5:9]))
			copy(entry.ID[:], raw[9:])
		} else {
			copy(entry.ID[:], raw[5:])
		}

		entries = append(entries, entry)
		pos += uint64(length)
	}

	return entries, nil
}

// decodeBlobType maps a header entry's type byte to a BlobType. Plain
// entries use 0=data/1=tree; compressed entries use 2=data/3=tree
// (spec.md §3).
func decodeBlobType(b byte, compressed bool) (data.BlobType, error) {
	if compressed {
		switch b {
		case 2:
			return data.DataBlob, nil
		case 3:
			return data.TreeBlob, nil
		}
		return data.InvalidBlob, &rerr.FormatError{Message: "invalid compressed blob type in pack header"}
	}

	switch b {
	case 0:
		return data.DataBlob, nil
	case 1:
		return data.TreeBlob, nil
	default:
		return data.InvalidBlob, &rerr.FormatError{Message: "invalid blob type in pack header"}
	}
}
