package navigator

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/rtest"
)

// fakeLoader is an in-memory BlobLoader fixture: trees and data blobs are
// pre-registered by ID, mirroring how keystore_test and blobindex_test stub
// their own dependencies rather than wiring a full engine.
type fakeLoader struct {
	trees map[data.ID]*data.Tree
	blobs map[data.ID][]byte
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{trees: make(map[data.ID]*data.Tree), blobs: make(map[data.ID][]byte)}
}

func (f *fakeLoader) LoadTree(ctx context.Context, id data.ID) (*data.Tree, error) {
	t, ok := f.trees[id]
	if !ok {
		return nil, &rerr.BlobNotFoundError{ID: id.String(), Type: "tree"}
	}
	return t, nil
}

func (f *fakeLoader) LoadDataBlob(ctx context.Context, id data.ID) ([]byte, error) {
	b, ok := f.blobs[id]
	if !ok {
		return nil, &rerr.BlobNotFoundError{ID: id.String(), Type: "data"}
	}
	return b, nil
}

func (f *fakeLoader) addTree(t *data.Tree) data.ID {
	raw, _ := json.Marshal(t)
	id := data.Hash(raw)
	f.trees[id] = t
	return id
}

func (f *fakeLoader) addBlob(content []byte) data.ID {
	id := data.Hash(content)
	f.blobs[id] = content
	return id
}

// buildFixture mirrors spec.md §8's path-walk scenario: root -> home ->
// alice -> notes.txt, where notes.txt's content is "hello world" split
// across two blobs.
func buildFixture(f *fakeLoader) (rootID data.ID, fileNode *data.Node) {
	part1 := f.addBlob([]byte("hello "))
	part2 := f.addBlob([]byte("world"))

	notes := &data.Node{
		Name:    "notes.txt",
		Type:    data.NodeFile,
		Size:    11,
		Content: data.IDs{part1, part2},
	}

	aliceTree := &data.Tree{Nodes: []*data.Node{notes}}
	aliceTreeID := f.addTree(aliceTree)

	aliceNode := &data.Node{Name: "alice", Type: data.NodeDir, Subtree: &aliceTreeID}
	homeTree := &data.Tree{Nodes: []*data.Node{aliceNode}}
	homeTreeID := f.addTree(homeTree)

	homeNode := &data.Node{Name: "home", Type: data.NodeDir, Subtree: &homeTreeID}
	rootTree := &data.Tree{Nodes: []*data.Node{homeNode}}
	rootID = f.addTree(rootTree)

	return rootID, notes
}

func TestWalkResolvesNestedFile(t *testing.T) {
	f := newFakeLoader()
	root, want := buildFixture(f)

	node, err := Walk(context.Background(), f, root, "/home/alice/notes.txt")
	rtest.OK(t, err)
	rtest.Assert(t, node != nil, "expected a node")
	rtest.Equals(t, want.Name, node.Name)
	rtest.Equals(t, want.Size, node.Size)
}

func TestWalkRootPathReturnsNilNode(t *testing.T) {
	f := newFakeLoader()
	root, _ := buildFixture(f)

	node, err := Walk(context.Background(), f, root, "")
	rtest.OK(t, err)
	rtest.Assert(t, node == nil, "empty path should resolve to the root with no node")
}

func TestWalkMissingSegmentIsPathNotFound(t *testing.T) {
	f := newFakeLoader()
	root, _ := buildFixture(f)

	_, err := Walk(context.Background(), f, root, "/home/bob/notes.txt")
	_, ok := err.(*rerr.PathNotFoundError)
	rtest.Assert(t, ok, "expected PathNotFoundError, got %T (%v)", err, err)
}

func TestWalkThroughFileIsNotADirectory(t *testing.T) {
	f := newFakeLoader()
	root, _ := buildFixture(f)

	_, err := Walk(context.Background(), f, root, "/home/alice/notes.txt/oops")
	_, ok := err.(*rerr.NotADirectoryError)
	rtest.Assert(t, ok, "expected NotADirectoryError, got %T (%v)", err, err)
}

func TestBrowseListsDirectory(t *testing.T) {
	f := newFakeLoader()
	root, _ := buildFixture(f)

	tree, err := Browse(context.Background(), f, root, "/home/alice")
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(tree.Nodes))
	rtest.Equals(t, "notes.txt", tree.Nodes[0].Name)
}

func TestBrowseFileReturnsContainingTreeNoError(t *testing.T) {
	f := newFakeLoader()
	root, want := buildFixture(f)

	tree, err := Browse(context.Background(), f, root, "/home/alice/notes.txt")
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(tree.Nodes))
	rtest.Equals(t, want.Name, tree.Nodes[0].Name)
}

func TestFileReaderStreamsContentInOrder(t *testing.T) {
	f := newFakeLoader()
	_, fileNode := buildFixture(f)

	r, err := NewFileReader(context.Background(), f, fileNode)
	rtest.OK(t, err)

	out, err := io.ReadAll(r)
	rtest.OK(t, err)
	rtest.Equals(t, "hello world", string(out))
}

func TestFileReaderDetectsSizeMismatch(t *testing.T) {
	f := newFakeLoader()
	part1 := f.addBlob([]byte("short"))

	node := &data.Node{
		Name:    "bad.txt",
		Type:    data.NodeFile,
		Size:    999,
		Content: data.IDs{part1},
	}

	r, err := NewFileReader(context.Background(), f, node)
	rtest.OK(t, err)

	_, err = io.ReadAll(r)
	_, ok := err.(*rerr.SizeMismatchError)
	rtest.Assert(t, ok, "expected SizeMismatchError, got %T (%v)", err, err)
}

func TestNewFileReaderRejectsNonFileNode(t *testing.T) {
	f := newFakeLoader()
	_, err := NewFileReader(context.Background(), f, &data.Node{Name: "dir", Type: data.NodeDir})
	_, ok := err.(*rerr.NotAFileError)
	rtest.Assert(t, ok, "expected NotAFileError, got %T (%v)", err, err)
}
