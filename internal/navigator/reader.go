package navigator

import (
	"context"
	"io"

	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rerr"
)

// prefetchWindow is how many content blobs are fetched concurrently ahead
// of the reader's current position, per spec.md §5.
const prefetchWindow = 4

// FileReader streams a file node's content blobs, in order, as a single
// io.ReadCloser. Blobs are fetched with a prefetch window so sequential
// reads overlap network latency; a size mismatch between the node's
// recorded size and the total bytes actually delivered surfaces as
// SizeMismatchError on the read call that would otherwise signal EOF, not
// before (spec.md §4.7 edge case).
type FileReader struct {
	ctx    context.Context
	loader BlobLoader
	node   *data.Node

	results []chan blobResult
	next    int // index into node.Content / results of the next blob to hand out
	started int // index of the next blob not yet dispatched to a goroutine

	cur       []byte // undelivered bytes from the most recently consumed blob
	delivered uint64
	exhausted bool
}

type blobResult struct {
	data []byte
	err  error
}

// NewFileReader returns a reader over node's content blobs. node.Type must
// be NodeFile.
func NewFileReader(ctx context.Context, loader BlobLoader, node *data.Node) (*FileReader, error) {
	if node.Type != data.NodeFile {
		return nil, &rerr.NotAFileError{Name: node.Name}
	}

	r := &FileReader{
		ctx:     ctx,
		loader:  loader,
		node:    node,
		results: make([]chan blobResult, len(node.Content)),
	}
	for i := range r.results {
		r.results[i] = make(chan blobResult, 1)
	}
	r.fillWindow()
	return r, nil
}

func (r *FileReader) fillWindow() {
	for r.started < len(r.node.Content) && r.started < r.next+prefetchWindow {
		i := r.started
		id := r.node.Content[i]
		ch := r.results[i]
		go func() {
			b, err := r.loader.LoadDataBlob(r.ctx, id)
			ch <- blobResult{data: b, err: err}
		}()
		r.started++
	}
}

// Read implements io.Reader.
func (r *FileReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.next >= len(r.node.Content) {
			if r.exhausted {
				return 0, io.EOF
			}
			r.exhausted = true
			if r.delivered != r.node.Size {
				return 0, &rerr.SizeMismatchError{Expected: r.node.Size, Actual: r.delivered}
			}
			return 0, io.EOF
		}

		res := <-r.results[r.next]
		r.next++
		r.fillWindow()
		if res.err != nil {
			return 0, res.err
		}
		r.cur = res.data
		r.delivered += uint64(len(res.data))
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// Close releases resources. FileReader holds none beyond in-flight
// goroutines, which run to completion naturally; Close exists so FileReader
// satisfies io.ReadCloser for callers that treat every file handle uniformly.
func (r *FileReader) Close() error { return nil }

var _ io.ReadCloser = (*FileReader)(nil)
