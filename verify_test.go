package arcread

import (
	"context"
	"testing"

	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rtest"
)

func TestVerifyPackReportsNoMismatchesForConsistentPack(t *testing.T) {
	f := newFixture(t)

	content := []byte("pack verify fixture content")
	packID, blobs := f.putPack(t, [][]byte{content}, []data.BlobType{data.DataBlob})

	f.putIndex(t, data.Hash([]byte("verify-index")), data.IndexFile{
		Packs: []data.IndexPack{{ID: packID, Blobs: []data.IndexBlob{
			{ID: blobs[0].id, Type: data.DataBlob, Offset: blobs[0].offset, Length: blobs[0].length},
		}}},
	})

	repo, err := Open(context.Background(), f.st, f.password)
	rtest.OK(t, err)
	defer repo.Close()

	mismatches, err := repo.VerifyPack(context.Background(), packID)
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(mismatches))
}

func TestVerifyPackDetectsIndexDisagreement(t *testing.T) {
	f := newFixture(t)

	content := []byte("pack verify mismatch content")
	packID, blobs := f.putPack(t, [][]byte{content}, []data.BlobType{data.DataBlob})

	f.putIndex(t, data.Hash([]byte("bad-index")), data.IndexFile{
		Packs: []data.IndexPack{{ID: packID, Blobs: []data.IndexBlob{
			// offset deliberately wrong relative to the pack's own header.
			{ID: blobs[0].id, Type: data.DataBlob, Offset: blobs[0].offset + 1, Length: blobs[0].length},
		}}},
	})

	repo, err := Open(context.Background(), f.st, f.password)
	rtest.OK(t, err)
	defer repo.Close()

	mismatches, err := repo.VerifyPack(context.Background(), packID)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(mismatches))
	rtest.Equals(t, blobs[0].id, mismatches[0].BlobID)
}
