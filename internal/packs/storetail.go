package packs

import (
	"context"

	"github.com/arcread/arcread/internal/store"
)

// storeTail adapts a store.Store object to RangeGetter for a pack of known
// total size, used by ParseHeader's two-stage read.
type storeTail struct {
	st       store.Store
	key      string
	packSize int64
}

// NewStoreTail returns a RangeGetter over the pack object named key, whose
// total size is packSize (as learned from a prior Head call or an index).
func NewStoreTail(st store.Store, key string, packSize int64) RangeGetter {
	return &storeTail{st: st, key: key, packSize: packSize}
}

func (s *storeTail) GetTail(ctx context.Context, n int64) ([]byte, error) {
	if n > s.packSize {
		n = s.packSize
	}
	return s.st.GetRange(ctx, s.key, s.packSize-n, n)
}
