// Package navigator walks a snapshot's tree hierarchy by path and streams a
// file's content blobs in order (C7 in spec.md).
package navigator

import (
	"context"
	"strings"

	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rerr"
)

// BlobLoader is the capability navigator needs from the engine: resolve a
// tree blob into its parsed form, and fetch a data blob's plaintext.
type BlobLoader interface {
	LoadTree(ctx context.Context, id data.ID) (*data.Tree, error)
	LoadDataBlob(ctx context.Context, id data.ID) ([]byte, error)
}

// splitPath breaks path into non-empty, non-"." segments, per spec.md §4.7:
// repeated slashes and "." segments are ignored, and a leading/trailing
// slash does not change the result.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}

// walkResult is the outcome of resolving path segments against a root tree:
// the node found (nil only when path has zero segments) and the tree it
// was found in (the root tree itself in that case).
type walkResult struct {
	tree *data.Tree
	node *data.Node
}

// walk resolves path against the tree rooted at root. Each non-terminal
// segment must resolve to a directory node (NotADirectoryError otherwise)
// with a subtree that exists; any segment with no matching entry is
// PathNotFoundError. The terminal segment is returned as-is, whatever its
// type, along with the tree it lives in — callers decide what a
// non-directory terminal node means for them.
func walk(ctx context.Context, loader BlobLoader, root data.ID, path string) (walkResult, error) {
	segments := splitPath(path)

	tree, err := loader.LoadTree(ctx, root)
	if err != nil {
		return walkResult{}, err
	}

	if len(segments) == 0 {
		return walkResult{tree: tree}, nil
	}

	var node *data.Node
	for i, seg := range segments {
		node = tree.Find(seg)
		if node == nil {
			return walkResult{}, &rerr.PathNotFoundError{Path: path}
		}

		if i == len(segments)-1 {
			break
		}

		if node.Type != data.NodeDir || node.Subtree == nil {
			return walkResult{}, &rerr.NotADirectoryError{Path: path}
		}

		tree, err = loader.LoadTree(ctx, *node.Subtree)
		if err != nil {
			return walkResult{}, err
		}
	}

	return walkResult{tree: tree, node: node}, nil
}

// Walk resolves path against the tree rooted at root, returning the final
// node (nil if path resolves to the root itself, i.e. has zero segments).
func Walk(ctx context.Context, loader BlobLoader, root data.ID, path string) (*data.Node, error) {
	res, err := walk(ctx, loader, root, path)
	if err != nil {
		return nil, err
	}
	return res.node, nil
}

// Browse resolves path to a directory listing: the root itself when path is
// empty, a directory node's own subtree when it names one, or — per
// spec.md §4.7 — the tree containing the node when the terminal segment
// names something other than a directory (e.g. a file). NotADirectoryError
// is only ever raised for an intermediate segment, never the terminal one.
func Browse(ctx context.Context, loader BlobLoader, root data.ID, path string) (*data.Tree, error) {
	res, err := walk(ctx, loader, root, path)
	if err != nil {
		return nil, err
	}

	if res.node == nil {
		return res.tree, nil
	}

	if res.node.Type == data.NodeDir && res.node.Subtree != nil {
		return loader.LoadTree(ctx, *res.node.Subtree)
	}

	return res.tree, nil
}
