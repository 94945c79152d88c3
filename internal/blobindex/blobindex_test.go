package blobindex

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/rtest"
	"github.com/arcread/arcread/internal/store"
	"github.com/arcread/arcread/internal/store/memstore"
)

// rawLoader treats a store.Store's objects as already-plaintext JSON, since
// blobindex_test exercises the index-building logic in isolation from the
// crypto/codec layers (those are covered by keystore and codec's own tests).
type rawLoader struct{ st store.Store }

func (l rawLoader) LoadUnpacked(ctx context.Context, key string) ([]byte, error) {
	return l.st.Get(ctx, key)
}

func idFor(b byte) data.ID {
	var id data.ID
	id[0] = b
	return id
}

func putIndex(t *testing.T, st *memstore.Store, id data.ID, file data.IndexFile) {
	t.Helper()
	raw, err := json.Marshal(file)
	rtest.OK(t, err)
	st.Put(store.IndexObjectKey(id.String()), raw)
}

func TestBuildMergesNonSupersededIndexes(t *testing.T) {
	st := memstore.New()

	packA := idFor(0xaa)
	packB := idFor(0xbb)
	blob1 := idFor(0x01)
	blob2 := idFor(0x02)

	putIndex(t, st, idFor(0x10), data.IndexFile{
		Packs: []data.IndexPack{{
			ID: packA,
			Blobs: []data.IndexBlob{
				{ID: blob1, Type: data.DataBlob, Offset: 0, Length: 100},
			},
		}},
	})
	putIndex(t, st, idFor(0x11), data.IndexFile{
		Packs: []data.IndexPack{{
			ID: packB,
			Blobs: []data.IndexBlob{
				{ID: blob2, Type: data.TreeBlob, Offset: 50, Length: 200, UncompressedLength: 512},
			},
		}},
	})

	ix := New()
	err := ix.EnsureBuilt(context.Background(), st, rawLoader{st})
	rtest.OK(t, err)
	rtest.Equals(t, 2, ix.Len())

	loc, err := ix.Find(blob1, data.DataBlob)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(loc.PackID[:], packA[:]), "blob1 should resolve to packA")

	loc2, err := ix.Find(blob2, data.TreeBlob)
	rtest.OK(t, err)
	rtest.Equals(t, uint64(512), loc2.UncompressedLength)
}

func TestSupersededIndexIsInvisible(t *testing.T) {
	st := memstore.New()

	packA := idFor(0xaa)
	packB := idFor(0xbb)
	onlyInA := idFor(0x02)
	inBoth := idFor(0x01)

	indexA := idFor(0x10)
	indexB := idFor(0x20)

	// indexB supersedes indexA: indexA's unique blob must not resolve, while
	// the blob present in both (spec.md §9: any consistent entry is fine)
	// still resolves via indexB.
	putIndex(t, st, indexA, data.IndexFile{
		Packs: []data.IndexPack{{
			ID: packA,
			Blobs: []data.IndexBlob{
				{ID: onlyInA, Type: data.DataBlob, Offset: 0, Length: 10},
				{ID: inBoth, Type: data.DataBlob, Offset: 10, Length: 10},
			},
		}},
	})
	putIndex(t, st, indexB, data.IndexFile{
		Supersedes: data.IDs{indexA},
		Packs: []data.IndexPack{{
			ID: packB,
			Blobs: []data.IndexBlob{
				{ID: inBoth, Type: data.DataBlob, Offset: 0, Length: 10},
			},
		}},
	})

	ix := New()
	err := ix.EnsureBuilt(context.Background(), st, rawLoader{st})
	rtest.OK(t, err)
	rtest.Equals(t, 1, ix.Len())

	_, err = ix.Find(onlyInA, data.DataBlob)
	rtest.Assert(t, err != nil, "superseded index's unique blob must not resolve")
	var notFound *rerr.BlobNotFoundError
	rtest.Assert(t, asBlobNotFound(err, &notFound), "expected BlobNotFoundError, got %T", err)

	loc, err := ix.Find(inBoth, data.DataBlob)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(loc.PackID[:], packB[:]), "expected blob from the surviving index's pack")
}

func TestFindReportsTypeMismatch(t *testing.T) {
	st := memstore.New()
	blob := idFor(0x01)
	putIndex(t, st, idFor(0x10), data.IndexFile{
		Packs: []data.IndexPack{{
			ID:    idFor(0xaa),
			Blobs: []data.IndexBlob{{ID: blob, Type: data.TreeBlob, Offset: 0, Length: 10}},
		}},
	})

	ix := New()
	rtest.OK(t, ix.EnsureBuilt(context.Background(), st, rawLoader{st}))

	_, err := ix.Find(blob, data.DataBlob)
	var mismatch *rerr.BlobTypeMismatchError
	rtest.Assert(t, asBlobTypeMismatch(err, &mismatch), "expected BlobTypeMismatchError, got %T", err)
}

func TestEnsureBuiltRunsOnce(t *testing.T) {
	st := memstore.New()
	putIndex(t, st, idFor(0x10), data.IndexFile{
		Packs: []data.IndexPack{{
			ID:    idFor(0xaa),
			Blobs: []data.IndexBlob{{ID: idFor(0x01), Type: data.DataBlob, Offset: 0, Length: 10}},
		}},
	})

	ix := New()
	rtest.OK(t, ix.EnsureBuilt(context.Background(), st, rawLoader{st}))
	before := ix.Len()

	// Seeding a second index after the first build must not change the
	// already-built index: EnsureBuilt is a one-shot operation.
	putIndex(t, st, idFor(0x20), data.IndexFile{
		Packs: []data.IndexPack{{
			ID:    idFor(0xbb),
			Blobs: []data.IndexBlob{{ID: idFor(0x02), Type: data.DataBlob, Offset: 0, Length: 10}},
		}},
	})
	rtest.OK(t, ix.EnsureBuilt(context.Background(), st, rawLoader{st}))
	rtest.Equals(t, before, ix.Len())
}

func asBlobNotFound(err error, target **rerr.BlobNotFoundError) bool {
	if e, ok := err.(*rerr.BlobNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func asBlobTypeMismatch(err error, target **rerr.BlobTypeMismatchError) bool {
	if e, ok := err.(*rerr.BlobTypeMismatchError); ok {
		*target = e
		return true
	}
	return false
}
