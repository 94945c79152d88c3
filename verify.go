package arcread

import (
	"context"
	"fmt"

	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/packs"
	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/store"
)

// PackMismatch describes one blob whose pack-header entry disagrees with
// the repository's blob index.
type PackMismatch struct {
	BlobID data.ID
	Reason string
}

// VerifyPack cross-checks a pack's self-declared header (read directly from
// the pack object, independent of any index) against the repository's blob
// index, the way restic's `check` command reconciles indexes with pack
// contents. This is a supplemental hardening operation: the hot read path
// (LoadTree/LoadDataBlob) never needs a pack's own header, since the blob
// index already carries offset and length for every blob.
func (r *Repository) VerifyPack(ctx context.Context, packID data.ID) ([]PackMismatch, error) {
	if err := r.ensureIndex(ctx); err != nil {
		return nil, err
	}

	key := store.PackObjectKey(packID.String())
	info, err := r.st.Head(ctx, key)
	if err != nil {
		return nil, &rerr.TransportError{Key: key, Cause: err}
	}

	rg := packs.NewStoreTail(r.st, key, info.Size)
	entries, err := packs.ParseHeader(ctx, rg, r.key, info.Size)
	if err != nil {
		return nil, err
	}

	var mismatches []PackMismatch
	declared := make(map[data.ID]packs.Entry, len(entries))
	for _, e := range entries {
		declared[e.ID] = e
	}

	for _, id := range r.index.PackBlobs(packID) {
		loc, ok := r.index.LocationOf(id)
		if !ok {
			continue
		}
		e, ok := declared[id]
		if !ok {
			mismatches = append(mismatches, PackMismatch{BlobID: id, Reason: "blob listed in index but absent from pack header"})
			continue
		}
		if e.Offset != loc.Offset || e.Length != loc.Length {
			mismatches = append(mismatches, PackMismatch{
				BlobID: id,
				Reason: fmt.Sprintf("index says offset=%d length=%d, pack header says offset=%d length=%d", loc.Offset, loc.Length, e.Offset, e.Length),
			})
		}
		delete(declared, id)
	}

	for id := range declared {
		mismatches = append(mismatches, PackMismatch{BlobID: id, Reason: "blob present in pack header but not referenced by any live index entry"})
	}

	return mismatches, nil
}
