package node

// Key is the inode fingerprint used to dedup nodes: the (originating
// inode number, originating device number) pair.
type Key struct {
	Ino uint64
	Dev uint64
}

// Record is the shared inode record: keyed by Key, holding a kernel-side
// lookup count, the effective mode bits, and the list of nodes that
// resolve to it (multiple paths may share an inode via hard link or
// layered aliasing).
type Record struct {
	Key     Key
	Mode    uint32
	Lookups uint64
	Nodes   []*Node
}

// Table is the process-wide inode table, keyed purely by (ino, dev); the
// kernel nodeid <-> *Node association is the *Node pointer itself, the
// way go-fuse's raw API expects it (fuse.EntryOut.NodeId is a uintptr of
// the owning object).
type Table struct {
	byKey map[Key]*Record
}

// NewTable constructs an empty inode table.
func NewTable() *Table {
	return &Table{byKey: make(map[Key]*Record)}
}

// Register looks up the inode table for (ino, dev). If an entry exists
// with a sibling whose parent and name equal this node, collapse to the
// sibling (return it instead of n). Otherwise append n to that inode's
// list (creating the record if absent) and adopt the inode's mode.
func (t *Table) Register(n *Node, key Key, mode uint32) *Node {
	rec, ok := t.byKey[key]
	if !ok {
		rec = &Record{Key: key, Mode: mode}
		t.byKey[key] = rec
	}
	for _, sibling := range rec.Nodes {
		if sibling.Parent == n.Parent && sibling.Name == n.Name {
			return sibling
		}
	}
	n.Inode = rec
	n.TmpIno, n.TmpDev = key.Ino, key.Dev
	rec.Nodes = append(rec.Nodes, n)
	rec.Mode = mode
	return n
}

// Lookup increments n's own kernel lookup count and the shared record's
// aggregate, keeping the invariant that a record's Lookups always equals
// the sum of its nodes' NLookup.
func (t *Table) Lookup(n *Node) {
	n.NLookup++
	if n.Inode != nil {
		n.Inode.Lookups++
	}
}

// Forget decrements n's kernel lookup count by count (0 means "forget
// everything," matching FUSE's FORGET semantics) and the shared record's
// aggregate to match. It reports whether n should now be freed: its own
// lookup count has reached zero and it has no in-flight readdir
// references.
func (t *Table) Forget(n *Node, count uint64) bool {
	if count == 0 || count > n.NLookup {
		if n.Inode != nil {
			n.Inode.Lookups -= n.NLookup
		}
		n.NLookup = 0
	} else {
		n.NLookup -= count
		if n.Inode != nil {
			n.Inode.Lookups -= count
		}
	}
	return n.NLookup == 0 && n.InReaddir == 0
}

// Free removes n from the inode table and its record's node list,
// detaching its children first if it is a directory, and invokes its
// Codec's Close hook if one was installed. It deletes the shared record
// once both its node list and lookup count reach zero.
func (t *Table) Free(n *Node) {
	if n.IsDir() {
		for name, c := range n.Children {
			t.Free(c)
			delete(n.Children, name)
		}
	}
	if n.Codec != nil {
		n.Codec.Close()
	}
	if n.Parent != nil {
		n.Parent.RemoveChild(n.Name)
	}
	rec := n.Inode
	if rec == nil {
		return
	}
	for i, sibling := range rec.Nodes {
		if sibling == n {
			rec.Nodes = append(rec.Nodes[:i], rec.Nodes[i+1:]...)
			break
		}
	}
	if len(rec.Nodes) == 0 && rec.Lookups == 0 {
		delete(t.byKey, rec.Key)
	}
}

// Find returns the record for key, if any - used by the resolver to
// discover whether a newly-stat'd lower-layer entry already has a live
// node under a different path (hardlink/layer aliasing).
func (t *Table) Find(key Key) *Record {
	return t.byKey[key]
}

// Stats reports the current node and inode counts, for a SIGUSR1
// diagnostic dump.
func (t *Table) Stats() (nodes, inodes int) {
	inodes = len(t.byKey)
	for _, rec := range t.byKey {
		nodes += len(rec.Nodes)
	}
	return nodes, inodes
}
