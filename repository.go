package arcread

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/arcread/arcread/internal/blobindex"
	"github.com/arcread/arcread/internal/codec"
	"github.com/arcread/arcread/internal/crypto"
	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/debug"
	"github.com/arcread/arcread/internal/keystore"
	"github.com/arcread/arcread/internal/navigator"
	"github.com/arcread/arcread/internal/packs"
	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/store"
	"golang.org/x/sync/errgroup"
)

// Options configures a Repository beyond the defaults spec.md prescribes.
type Options struct {
	// Concurrency bounds simultaneous GETs during snapshot enumeration.
	// Default: 8. Index loading does not read it; it always uses the fixed
	// bound blobindex.Concurrency (8).
	Concurrency int
	// PrefetchWindow is currently fixed by internal/navigator; exposed
	// here for forward compatibility with a future tunable prefetch depth.
	PrefetchWindow int
	// VerifyHash re-checks a blob's SHA-256 against its claimed ID after
	// every decode. Default: false (trusts the pack/index plumbing, as
	// restic's own reader path does outside of `check`).
	VerifyHash bool
	// CacheSize bounds the in-memory decrypted-blob LRU. Default: 0
	// (disabled).
	CacheSize int
}

// Option mutates Options; returned by the With* constructors below.
type Option func(*Options)

// WithVerifyHash enables post-decode SHA-256 verification of every blob.
func WithVerifyHash(v bool) Option { return func(o *Options) { o.VerifyHash = v } }

// WithConcurrency overrides the default fan-out bound for snapshot loads.
// Index loads keep their fixed bound.
func WithConcurrency(n int) Option { return func(o *Options) { o.Concurrency = n } }

// WithCacheSize enables an LRU cache of decrypted blobs, sized to cacheSize entries.
func WithCacheSize(n int) Option { return func(o *Options) { o.CacheSize = n } }

func defaultOptions() Options {
	return Options{Concurrency: 8, PrefetchWindow: 4, VerifyHash: false, CacheSize: 0}
}

// Repository is an opened, read-only handle onto a backup repository. The
// zero value is not usable; construct one with Open.
type Repository struct {
	st     store.Store
	key    *crypto.Key
	config data.Config
	opts   Options

	index *blobindex.Index
	acc   *packs.Accessor
}

// Open unlocks the repository at st using password and validates its
// config. The blob index is not built until the first call that needs it.
func Open(ctx context.Context, st store.Store, password string, opts ...Option) (*Repository, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	key, err := keystore.Unlock(ctx, st, password)
	if err != nil {
		return nil, err
	}

	raw, err := st.Get(ctx, store.ConfigKey)
	if err != nil {
		key.Zero()
		return nil, &rerr.TransportError{Key: store.ConfigKey, Cause: err}
	}

	plaintext, err := key.Open(nil, raw)
	if err != nil {
		key.Zero()
		return nil, &rerr.AuthenticationError{Context: "config"}
	}

	// Version is not yet known, so the byte-sniffing path is used directly:
	// a leading '{' decodes identically whether the repository turns out to
	// be version 1 or 2, and 0x02 can only appear in a version-2 repository
	// (restic's own repository.loadConfig has the same bootstrap order).
	decoded, err := codec.DecodeUnpacked(2, plaintext)
	if err != nil {
		key.Zero()
		return nil, err
	}

	var cfg data.Config
	if err := json.Unmarshal(decoded, &cfg); err != nil {
		key.Zero()
		return nil, &rerr.FormatError{Message: "config: " + err.Error()}
	}
	if cfg.Version < data.MinVersion || cfg.Version > data.MaxVersion {
		key.Zero()
		return nil, &rerr.UnsupportedVersionError{Version: cfg.Version}
	}

	acc, err := packs.NewAccessor(st, key, o.CacheSize, o.VerifyHash)
	if err != nil {
		key.Zero()
		return nil, err
	}

	debug.Log("opened repository %s, version %d", cfg.ID, cfg.Version)

	return &Repository{
		st:     st,
		key:    key,
		config: cfg,
		opts:   o,
		index:  blobindex.New(),
		acc:    acc,
	}, nil
}

// Close zeroes the master key material. Repository is not usable after Close.
func (r *Repository) Close() error {
	r.key.Zero()
	return nil
}

// Config returns the repository's validated configuration.
func (r *Repository) Config() data.Config { return r.config }

// LoadUnpacked fetches, decrypts and decodes an unpacked object (index,
// snapshot). It satisfies blobindex.UnpackedLoader.
func (r *Repository) LoadUnpacked(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.st.Get(ctx, key)
	if err != nil {
		return nil, &rerr.TransportError{Key: key, Cause: err}
	}
	plaintext, err := r.key.Open(nil, raw)
	if err != nil {
		return nil, &rerr.AuthenticationError{Context: key}
	}
	return codec.DecodeUnpacked(r.config.Version, plaintext)
}

func (r *Repository) ensureIndex(ctx context.Context) error {
	return r.index.EnsureBuilt(ctx, r.st, r)
}

// LoadTree resolves a tree blob by ID. It satisfies navigator.BlobLoader.
func (r *Repository) LoadTree(ctx context.Context, id data.ID) (*data.Tree, error) {
	if err := r.ensureIndex(ctx); err != nil {
		return nil, err
	}
	loc, err := r.index.Find(id, data.TreeBlob)
	if err != nil {
		return nil, err
	}
	plaintext, err := r.acc.Get(ctx, id, loc)
	if err != nil {
		return nil, err
	}
	t, err := data.ParseTree(plaintext)
	if err != nil {
		return nil, &rerr.FormatError{Message: "tree " + id.String() + ": " + err.Error()}
	}
	return t, nil
}

// LoadDataBlob resolves a data blob by ID. It satisfies navigator.BlobLoader.
func (r *Repository) LoadDataBlob(ctx context.Context, id data.ID) ([]byte, error) {
	if err := r.ensureIndex(ctx); err != nil {
		return nil, err
	}
	loc, err := r.index.Find(id, data.DataBlob)
	if err != nil {
		return nil, err
	}
	return r.acc.Get(ctx, id, loc)
}

// SnapshotEntry pairs a decoded snapshot with its object ID.
type SnapshotEntry struct {
	ID       data.ID
	Snapshot data.Snapshot
}

// ListSnapshots lists snapshots/, decodes each one, and returns them sorted
// newest-first by timestamp, ties broken by ID (spec.md §5 ordering
// guarantee). A snapshot that fails to decode is skipped, not fatal.
func (r *Repository) ListSnapshots(ctx context.Context) ([]SnapshotEntry, error) {
	var names []string
	err := r.st.List(ctx, store.SnapshotsPrefix, func(key string) error {
		names = append(names, store.TrimPrefix(key, store.SnapshotsPrefix))
		return nil
	})
	if err != nil {
		return nil, &rerr.TransportError{Key: store.SnapshotsPrefix, Cause: err}
	}

	entries := make([]SnapshotEntry, len(names))
	ok := make([]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency())
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			id, err := data.ParseID(name)
			if err != nil {
				debug.Log("skipping snapshot %s: %v", name, err)
				return nil
			}
			raw, err := r.LoadUnpacked(gctx, store.SnapshotObjectKey(name))
			if err != nil {
				debug.Log("skipping snapshot %s: %v", name, err)
				return nil
			}
			var snap data.Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				debug.Log("skipping snapshot %s: %v", name, err)
				return nil
			}
			entries[i] = SnapshotEntry{ID: id, Snapshot: snap}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]SnapshotEntry, 0, len(entries))
	for i, e := range entries {
		if ok[i] {
			result = append(result, e)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		ti, tj := result[i].Snapshot.Time, result[j].Snapshot.Time
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return result[i].ID.String() < result[j].ID.String()
	})

	return result, nil
}

// LoadSnapshotTree resolves a snapshot's root tree.
func (r *Repository) LoadSnapshotTree(ctx context.Context, snap data.Snapshot) (*data.Tree, error) {
	return r.LoadTree(ctx, snap.Tree)
}

// Browse resolves path within snapshot's tree to a directory listing.
func (r *Repository) Browse(ctx context.Context, snap data.Snapshot, path string) (*data.Tree, error) {
	return navigator.Browse(ctx, r, snap.Tree, path)
}

// Node resolves path within snapshot's tree to its node (nil for the root).
func (r *Repository) Node(ctx context.Context, snap data.Snapshot, path string) (*data.Node, error) {
	return navigator.Walk(ctx, r, snap.Tree, path)
}

// ReadFile returns a streaming reader over node's content, in order.
func (r *Repository) ReadFile(ctx context.Context, node *data.Node) (*navigator.FileReader, error) {
	return navigator.NewFileReader(ctx, r, node)
}

func (r *Repository) concurrency() int {
	if r.opts.Concurrency <= 0 {
		return 1
	}
	return r.opts.Concurrency
}

var (
	_ blobindex.UnpackedLoader = (*Repository)(nil)
	_ navigator.BlobLoader     = (*Repository)(nil)
)
