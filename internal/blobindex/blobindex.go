// Package blobindex builds and serves the in-memory blob-id -> pack-location
// map (C5 in spec.md): load every non-superseded index file and fold their
// entries into a single lookup table.
package blobindex

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/debug"
	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/store"
	"golang.org/x/sync/errgroup"
)

// Location is where a blob lives inside a pack.
type Location struct {
	PackID             data.ID
	Type               data.BlobType
	Offset             uint64
	Length             uint64
	UncompressedLength uint64
}

// UnpackedLoader decrypts and decodes an unpacked object (index files go
// through the same crypto+codec pipeline as config/snapshots).
type UnpackedLoader interface {
	LoadUnpacked(ctx context.Context, key string) ([]byte, error)
}

// Index is the blob-id -> pack-location map. The zero value is ready to use;
// EnsureBuilt must complete before Find returns meaningful results.
type Index struct {
	once sync.Once
	mu   sync.RWMutex
	blob map[data.ID]blobEntry
	// byPack is a secondary index used for verify/prefetch-style lookups
	// (spec.md §4.5, listed optional); populated alongside the primary map.
	byPack map[data.ID][]data.ID

	buildErr error
}

type blobEntry struct {
	Location
	// whenever two non-superseded indexes disagree about the same blob ID
	// (spec.md §9 Open Questions), the first entry seen wins; any
	// consistent entry is acceptable since the content is identical.
}

// New returns an empty, unbuilt Index.
func New() *Index {
	return &Index{
		blob:   make(map[data.ID]blobEntry),
		byPack: make(map[data.ID][]data.ID),
	}
}

// Concurrency bounds how many index objects are fetched at once while
// building. Spec.md §5 recommends a default of at most 8 simultaneous GETs.
const Concurrency = 8

// EnsureBuilt builds the index on first call and is a no-op on every
// subsequent call, including concurrent ones: callers block until the first
// builder completes (spec.md §5's double-checked initialization).
func (ix *Index) EnsureBuilt(ctx context.Context, st store.Store, loader UnpackedLoader) error {
	ix.once.Do(func() {
		ix.buildErr = ix.build(ctx, st, loader)
	})
	return ix.buildErr
}

func (ix *Index) build(ctx context.Context, st store.Store, loader UnpackedLoader) error {
	var names []string
	if err := st.List(ctx, store.IndexPrefix, func(key string) error {
		names = append(names, store.TrimPrefix(key, store.IndexPrefix))
		return nil
	}); err != nil {
		return &rerr.TransportError{Key: store.IndexPrefix, Cause: err}
	}

	if len(names) == 0 {
		return &rerr.FormatError{Message: "no index files found in repository"}
	}

	type loaded struct {
		id   data.ID
		file data.IndexFile
	}

	files := make([]loaded, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Concurrency)

	var loadedCount int
	var mu sync.Mutex

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			id, err := data.ParseID(name)
			if err != nil {
				debug.Log("skipping index %s: %v", name, err)
				return nil
			}

			raw, err := loader.LoadUnpacked(gctx, store.IndexObjectKey(name))
			if err != nil {
				debug.Log("skipping index %s: %v", name, err)
				return nil
			}

			var idxFile data.IndexFile
			if err := json.Unmarshal(raw, &idxFile); err != nil {
				debug.Log("skipping index %s: %v", name, err)
				return nil
			}

			files[i] = loaded{id: id, file: idxFile}
			mu.Lock()
			loadedCount++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if loadedCount == 0 {
		return &rerr.FormatError{Message: "all index files failed to load"}
	}

	superseded := data.NewIDSet()
	for _, f := range files {
		if f.id.IsZero() {
			continue
		}
		for _, s := range f.file.Supersedes {
			superseded.Insert(s)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.blob == nil {
		ix.blob = make(map[data.ID]blobEntry)
	}
	if ix.byPack == nil {
		ix.byPack = make(map[data.ID][]data.ID)
	}

	for _, f := range files {
		if f.id.IsZero() || superseded.Has(f.id) {
			continue
		}
		for _, pack := range f.file.Packs {
			for _, b := range pack.Blobs {
				if _, exists := ix.blob[b.ID]; exists {
					continue
				}
				ix.blob[b.ID] = blobEntry{Location: Location{
					PackID:             pack.ID,
					Type:               b.Type,
					Offset:             b.Offset,
					Length:             b.Length,
					UncompressedLength: b.UncompressedLength,
				}}
				ix.byPack[pack.ID] = append(ix.byPack[pack.ID], b.ID)
			}
		}
	}

	return nil
}

// Find looks up a blob by ID, verifying it matches expectedType.
func (ix *Index) Find(id data.ID, expectedType data.BlobType) (Location, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entry, ok := ix.blob[id]
	if !ok {
		return Location{}, &rerr.BlobNotFoundError{ID: id.String(), Type: expectedType.String()}
	}
	if entry.Type != expectedType {
		return Location{}, &rerr.BlobTypeMismatchError{
			ID:       id.String(),
			Expected: expectedType.String(),
			Actual:   entry.Type.String(),
		}
	}
	return entry.Location, nil
}

// LocationOf returns id's location without checking its type, for callers
// that already know the type (e.g. cross-checking a pack's own header).
func (ix *Index) LocationOf(id data.ID) (Location, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.blob[id]
	return entry.Location, ok
}

// PackBlobs returns every blob ID known to live in pack id, for prefetch or
// verification callers.
func (ix *Index) PackBlobs(pack data.ID) []data.ID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]data.ID(nil), ix.byPack[pack]...)
}

// Len returns the number of distinct blobs in the index.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.blob)
}
