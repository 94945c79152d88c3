package packs

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/arcread/arcread/internal/blobindex"
	"github.com/arcread/arcread/internal/codec"
	"github.com/arcread/arcread/internal/crypto"
	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/store"
)

// Accessor serves individual blob reads out of pack files: ranged GET,
// decrypt, optional decompress, optional integrity check. Concurrent
// requests for the same blob are collapsed via singleflight, and results
// may be cached in an LRU the caller sizes at construction.
type Accessor struct {
	st         store.Store
	key        *crypto.Key
	verifyHash bool

	group singleflight.Group
	cache *lru.Cache[data.ID, []byte]
}

// NewAccessor returns an Accessor reading blobs with key and decrypting
// against the object store st. cacheSize of 0 disables the blob cache.
// verifyHash, when true, recomputes a blob's SHA-256 after decompression
// and compares it to id, returning IntegrityError on mismatch (spec.md
// §4.6 optional verification).
func NewAccessor(st store.Store, key *crypto.Key, cacheSize int, verifyHash bool) (*Accessor, error) {
	a := &Accessor{st: st, key: key, verifyHash: verifyHash}
	if cacheSize > 0 {
		c, err := lru.New[data.ID, []byte](cacheSize)
		if err != nil {
			return nil, rerr.Wrap(err, "lru.New")
		}
		a.cache = c
	}
	return a, nil
}

// Get returns the decrypted, decompressed plaintext of the blob id, located
// at loc within its pack.
func (a *Accessor) Get(ctx context.Context, id data.ID, loc blobindex.Location) ([]byte, error) {
	if a.cache != nil {
		if v, ok := a.cache.Get(id); ok {
			return v, nil
		}
	}

	v, err, _ := a.group.Do(id.String(), func() (interface{}, error) {
		return a.fetch(ctx, id, loc)
	})
	if err != nil {
		return nil, err
	}

	out := v.([]byte)
	if a.cache != nil {
		a.cache.Add(id, out)
	}
	return out, nil
}

func (a *Accessor) fetch(ctx context.Context, id data.ID, loc blobindex.Location) ([]byte, error) {
	key := store.PackObjectKey(loc.PackID.String())

	envelope, err := a.st.GetRange(ctx, key, int64(loc.Offset), int64(loc.Length))
	if err != nil {
		return nil, &rerr.TransportError{Key: key, Cause: err}
	}

	plaintext, err := a.key.Open(nil, envelope)
	if err != nil {
		return nil, &rerr.AuthenticationError{Context: fmt.Sprintf("blob %s", id)}
	}

	plaintext, err = codec.DecodeBlob(plaintext, loc.UncompressedLength)
	if err != nil {
		return nil, err
	}

	if a.verifyHash {
		if data.ID(sha256.Sum256(plaintext)) != id {
			return nil, &rerr.IntegrityError{ID: id.String()}
		}
	}

	return plaintext, nil
}
