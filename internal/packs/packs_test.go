package packs

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/arcread/arcread/internal/blobindex"
	"github.com/arcread/arcread/internal/crypto"
	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rtest"
	"github.com/arcread/arcread/internal/store"
	"github.com/arcread/arcread/internal/store/memstore"
)

func testKey(t *testing.T) *crypto.Key {
	t.Helper()
	k, err := crypto.KDF(crypto.Params{N: 1024, R: 8, P: 1}, bytes.Repeat([]byte{0xaa}, 32), "pack test password")
	rtest.OK(t, err)
	return k
}

type builtBlob struct {
	id       data.ID
	typ      data.BlobType
	offset   uint64
	length   uint64
	envelope []byte
}

// buildPack assembles a pack object's bytes (entries || encrypted header ||
// 4-byte header length) exactly as spec.md §4.5 describes, so ParseHeader
// and Accessor can be exercised against a realistic fixture without a
// writer implementation (this module is read-only, per spec.md's scope).
func buildPack(t *testing.T, key *crypto.Key, plaintexts map[data.ID]data.BlobType) ([]byte, map[data.ID]builtBlob) {
	t.Helper()

	var body []byte
	built := make(map[data.ID]builtBlob)
	var order []data.ID
	for id := range plaintexts {
		order = append(order, id)
	}

	for _, id := range order {
		plain := bytes.Repeat([]byte{id[0]}, 64)
		envelope, err := key.Seal(nil, plain)
		rtest.OK(t, err)

		b := builtBlob{
			id:       id,
			typ:      plaintexts[id],
			offset:   uint64(len(body)),
			length:   uint64(len(envelope)),
			envelope: envelope,
		}
		built[id] = b
		body = append(body, envelope...)
	}

	var header []byte
	for _, id := range order {
		b := built[id]
		entry := make([]byte, plainEntrySize)
		switch b.typ {
		case data.DataBlob:
			entry[0] = 0
		case data.TreeBlob:
			entry[0] = 1
		}
		binary.LittleEndian.PutUint32(entry[1:5], uint32(b.length))
		copy(entry[5:], b.id[:])
		header = append(header, entry...)
	}

	encHeader, err := key.Seal(nil, header)
	rtest.OK(t, err)

	pack := append([]byte(nil), body...)
	pack = append(pack, encHeader...)
	lenField := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenField, uint32(len(encHeader)))
	pack = append(pack, lenField...)

	return pack, built
}

func TestParseHeaderRoundTrip(t *testing.T) {
	key := testKey(t)
	blob1 := data.Hash([]byte("blob one"))
	blob2 := data.Hash([]byte("blob two"))

	packBytes, built := buildPack(t, key, map[data.ID]data.BlobType{
		blob1: data.DataBlob,
		blob2: data.TreeBlob,
	})

	st := memstore.New()
	packID := data.Hash(packBytes)
	st.Put(store.PackObjectKey(packID.String()), packBytes)

	rg := NewStoreTail(st, store.PackObjectKey(packID.String()), int64(len(packBytes)))
	entries, err := ParseHeader(context.Background(), rg, key, int64(len(packBytes)))
	rtest.OK(t, err)
	rtest.Equals(t, len(built), len(entries))

	for _, e := range entries {
		want, ok := built[e.ID]
		rtest.Assert(t, ok, "unexpected blob id %s in parsed header", e.ID)
		rtest.Equals(t, want.offset, e.Offset)
		rtest.Equals(t, want.length, e.Length)
		rtest.Equals(t, want.typ, e.Type)
	}
}

// buildCompressedPack is buildPack's counterpart for the 41-byte compressed
// header entry layout (type 2=data/3=tree, plus a 4-byte uncompressed
// length), per spec.md §3.
func buildCompressedPack(t *testing.T, key *crypto.Key, plaintexts map[data.ID]data.BlobType) ([]byte, map[data.ID]builtBlob) {
	t.Helper()

	var body []byte
	built := make(map[data.ID]builtBlob)
	var order []data.ID
	for id := range plaintexts {
		order = append(order, id)
	}

	for _, id := range order {
		plain := bytes.Repeat([]byte{id[0]}, 64)
		envelope, err := key.Seal(nil, plain)
		rtest.OK(t, err)

		b := builtBlob{
			id:       id,
			typ:      plaintexts[id],
			offset:   uint64(len(body)),
			length:   uint64(len(envelope)),
			envelope: envelope,
		}
		built[id] = b
		body = append(body, envelope...)
	}

	var header []byte
	for _, id := range order {
		b := built[id]
		entry := make([]byte, compressedEntrySize)
		switch b.typ {
		case data.DataBlob:
			entry[0] = 2
		case data.TreeBlob:
			entry[0] = 3
		}
		binary.LittleEndian.PutUint32(entry[1:5], uint32(b.length))
		binary.LittleEndian.PutUint32(entry[5:9], 64) // uncompressed length
		copy(entry[9:], b.id[:])
		header = append(header, entry...)
	}

	encHeader, err := key.Seal(nil, header)
	rtest.OK(t, err)

	pack := append([]byte(nil), body...)
	pack = append(pack, encHeader...)
	lenField := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenField, uint32(len(encHeader)))
	pack = append(pack, lenField...)

	return pack, built
}

func TestParseHeaderDecodesCompressedEntryTypes(t *testing.T) {
	key := testKey(t)
	blob1 := data.Hash([]byte("compressed blob one"))
	blob2 := data.Hash([]byte("compressed blob two"))

	packBytes, built := buildCompressedPack(t, key, map[data.ID]data.BlobType{
		blob1: data.DataBlob,
		blob2: data.TreeBlob,
	})

	st := memstore.New()
	packID := data.Hash(packBytes)
	st.Put(store.PackObjectKey(packID.String()), packBytes)

	rg := NewStoreTail(st, store.PackObjectKey(packID.String()), int64(len(packBytes)))
	entries, err := ParseHeader(context.Background(), rg, key, int64(len(packBytes)))
	rtest.OK(t, err)
	rtest.Equals(t, len(built), len(entries))

	for _, e := range entries {
		want, ok := built[e.ID]
		rtest.Assert(t, ok, "unexpected blob id %s in parsed header", e.ID)
		rtest.Equals(t, want.typ, e.Type)
		rtest.Equals(t, uint64(64), e.UncompressedLength)
	}
}

func TestParseHeaderManyEntriesForcesSecondRead(t *testing.T) {
	key := testKey(t)
	plaintexts := make(map[data.ID]data.BlobType)
	for i := 0; i < eagerEntries+5; i++ {
		id := data.Hash([]byte{byte(i), byte(i >> 8)})
		plaintexts[id] = data.DataBlob
	}

	packBytes, built := buildPack(t, key, plaintexts)
	st := memstore.New()
	packID := data.Hash(packBytes)
	st.Put(store.PackObjectKey(packID.String()), packBytes)

	rg := NewStoreTail(st, store.PackObjectKey(packID.String()), int64(len(packBytes)))
	entries, err := ParseHeader(context.Background(), rg, key, int64(len(packBytes)))
	rtest.OK(t, err)
	rtest.Equals(t, len(built), len(entries))
}

func TestAccessorGetDecryptsAndCachesBlob(t *testing.T) {
	key := testKey(t)
	blobID := data.Hash([]byte("blob one"))

	packBytes, built := buildPack(t, key, map[data.ID]data.BlobType{blobID: data.DataBlob})
	st := memstore.New()
	packID := data.Hash(packBytes)
	st.Put(store.PackObjectKey(packID.String()), packBytes)

	b := built[blobID]
	loc := blobindex.Location{PackID: packID, Type: data.DataBlob, Offset: b.offset, Length: b.length}

	acc, err := NewAccessor(st, key, 16, false)
	rtest.OK(t, err)

	out, err := acc.Get(context.Background(), blobID, loc)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(out, bytes.Repeat([]byte{blobID[0]}, 64)), "decrypted blob content mismatch")

	out2, err := acc.Get(context.Background(), blobID, loc)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(out, out2), "cached read must match original")
}

func TestAccessorVerifyHashDetectsWrongID(t *testing.T) {
	key := testKey(t)
	blobID := data.Hash([]byte("blob one"))

	packBytes, built := buildPack(t, key, map[data.ID]data.BlobType{blobID: data.DataBlob})
	st := memstore.New()
	packID := data.Hash(packBytes)
	st.Put(store.PackObjectKey(packID.String()), packBytes)

	b := built[blobID]
	loc := blobindex.Location{PackID: packID, Type: data.DataBlob, Offset: b.offset, Length: b.length}

	acc, err := NewAccessor(st, key, 0, true)
	rtest.OK(t, err)

	wrongID := data.Hash([]byte("not the real content"))
	_, err = acc.Get(context.Background(), wrongID, loc)
	rtest.Assert(t, err != nil, "expected IntegrityError for mismatched id")
}
