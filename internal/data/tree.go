package data

import (
	"encoding/json"
	"os"
	"time"
)

// NodeType enumerates the kinds of entries a tree can hold.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDir       NodeType = "dir"
	NodeSymlink   NodeType = "symlink"
	NodeDev       NodeType = "dev"
	NodeCharDev   NodeType = "chardev"
	NodeFifo      NodeType = "fifo"
	NodeSocket    NodeType = "socket"
	NodeIrregular NodeType = "irregular"
)

// Node is one entry in a tree: a file, directory or other filesystem object,
// carrying the POSIX metadata the repository recorded for it.
type Node struct {
	Name       string      `json:"name"`
	Type       NodeType    `json:"type"`
	Mode       os.FileMode `json:"mode,omitempty"`
	ModTime    time.Time   `json:"mtime,omitempty"`
	AccessTime time.Time   `json:"atime,omitempty"`
	ChangeTime time.Time   `json:"ctime,omitempty"`
	UID        uint32      `json:"uid"`
	GID        uint32      `json:"gid"`
	User       string      `json:"user,omitempty"`
	Group      string      `json:"group,omitempty"`
	Size       uint64      `json:"size,omitempty"`

	// Content is the ordered list of data-blob IDs that concatenate to
	// reconstruct a file's bytes. Only meaningful for Type == NodeFile.
	Content IDs `json:"content,omitempty"`
	// Subtree is the tree-blob ID of a directory's contents. Only
	// meaningful for Type == NodeDir.
	Subtree *ID `json:"subtree,omitempty"`
	// LinkTarget is the target path of a symlink.
	LinkTarget string `json:"linktarget,omitempty"`
}

// Tree is an ordered directory listing. Node order is whatever the
// repository recorded; lookups are by exact name match, not binary search.
type Tree struct {
	Nodes []*Node `json:"nodes"`
}

// ParseTree decodes a tree blob's plaintext JSON.
func ParseTree(plaintext []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Find returns the node named name, or nil if no such node exists.
func (t *Tree) Find(name string) *Node {
	for _, n := range t.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}
