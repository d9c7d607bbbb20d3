// Package node implements the unified filesystem's node graph: an
// in-memory tree of path nodes with parent/child links, per-layer origin
// tracking, whiteout flags, and inode-identity dedup.
//
// Node and Record are kept as separate types because more than one Node
// (via hardlink or layer aliasing) can share one real (ino, dev) inode
// identity; Record is the dedup key the inode table indexes on, Node is
// the kernel-visible path entry.
package node

import "path"

// State is the "hidden" state machine: a node deleted while still
// referenced by a kernel lookup moves to a HiddenPending* state instead
// of being freed outright.
type State int

const (
	// Active is a node that is (or was) visible in the unified
	// namespace and has not been deleted.
	Active State = iota
	// HiddenPendingUnlink is a deleted regular file/symlink/device
	// still referenced by the kernel; its upper-layer storage has
	// moved into the working directory and will be unlinked on final
	// release.
	HiddenPendingUnlink
	// HiddenPendingRmdir is the directory analogue of
	// HiddenPendingUnlink.
	HiddenPendingRmdir
)

// Codec is the minimal lifecycle hook a node's per-node cryptographic
// context and block cache must provide. It is declared here (rather than
// importing blockcrypto) to avoid a node<->blockcrypto import cycle: node
// holds the interface, blockcrypto provides the implementation.
type Codec interface {
	// Close releases the node's cipher contexts and clears its
	// block cache; called when the node is freed.
	Close()
}

// Node represents a name at a position in the unified tree.
type Node struct {
	Name   string
	Parent *Node
	Layer  int
	// LastLayer is the deepest layer that contributes to this name;
	// the resolver uses it to know when to stop walking layers on a
	// subsequent lookup of the same node.
	LastLayer int

	isDir    bool
	Children map[string]*Node // nil unless isDir

	Whiteout bool
	State    State
	// HiddenPath is the working-directory path this node's storage was
	// moved to when hidden; empty while Active.
	HiddenPath string

	// TmpIno/TmpDev are the (inode, device) pair captured from the
	// originating layer at resolution time - the fingerprint used to
	// dedup nodes via the inode table.
	TmpIno uint64
	TmpDev uint64

	Inode *Record

	// NLookup is this node's own kernel-side lookup count (FUSE issues
	// Forget per nodeid, not per inode - see Record for the cross-node
	// aggregate this must stay consistent with).
	NLookup uint64

	// InReaddir counts in-flight directory reads against this node;
	// freeing is deferred while it is nonzero.
	InReaddir int32

	// Loaded indicates this directory's Children have been
	// materialized by the directory merger.
	Loaded bool

	// Codec is this node's per-node crypto/cache state, installed by
	// the block-crypto layer the first time the node's content is
	// touched by a keyed operation. Files that are never opened for
	// I/O never get one.
	Codec Codec

	path string
}

// New constructs a node named name under parent. Root nodes are
// constructed with parent == nil and name == "".
func New(name string, parent *Node, isDir bool) *Node {
	n := &Node{Name: name, Parent: parent, Layer: -1, LastLayer: -1, isDir: isDir}
	if isDir {
		n.Children = make(map[string]*Node)
	}
	n.recomputePath()
	return n
}

// NewRoot constructs the root node of the unified namespace.
func NewRoot() *Node {
	n := New("", nil, true)
	n.path = "/"
	return n
}

// IsDir reports whether n is a directory node. A directory node always
// has a non-nil Children container; a non-directory node never does.
func (n *Node) IsDir() bool { return n.isDir }

// Path returns n's full path from the unified root.
func (n *Node) Path() string { return n.path }

func (n *Node) recomputePath() {
	if n.Parent == nil {
		n.path = "/"
		return
	}
	if n.Parent.path == "/" {
		n.path = "/" + n.Name
		return
	}
	n.path = n.Parent.path + "/" + n.Name
}

// Rename updates n's parent and name, then re-establishes the path
// invariant ("path == parent.path + '/' + name") for n and, if n is a
// directory, every descendant, via a recursive path update.
func (n *Node) Rename(newParent *Node, newName string) {
	n.Parent = newParent
	n.Name = newName
	n.updatePathsRecursive()
}

func (n *Node) updatePathsRecursive() {
	n.recomputePath()
	for _, c := range n.Children {
		c.updatePathsRecursive()
	}
}

// AddChild registers c as a child of n (n must be a directory) and fixes
// up c's path.
func (n *Node) AddChild(c *Node) {
	c.Parent = n
	c.recomputePath()
	n.Children[c.Name] = c
}

// RemoveChild detaches the named child from n's children map, if present.
func (n *Node) RemoveChild(name string) {
	delete(n.Children, name)
}

// Base returns the final path component of n's name (for log messages
// and parity with path.Base-style helpers used elsewhere in the pack).
func (n *Node) Base() string { return path.Base(n.path) }

// Hide transitions n out of the visible tree: it is detached from its
// parent's children (so lookups and readdir no longer see it) while
// remaining reachable via any kernel nodeid the caller still holds, per
// the HiddenPendingUnlink/HiddenPendingRmdir state machine.
func (n *Node) Hide(workingDirPath string) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n.Name)
	}
	n.HiddenPath = workingDirPath
	if n.IsDir() {
		n.State = HiddenPendingRmdir
	} else {
		n.State = HiddenPendingUnlink
	}
}

// Hidden reports whether n has been removed from the visible tree and is
// only kept alive by an outstanding kernel reference.
func (n *Node) Hidden() bool { return n.State != Active }
