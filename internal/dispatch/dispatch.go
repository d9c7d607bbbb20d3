// Package dispatch wires every other internal package into a
// github.com/hanwen/go-fuse/v2/fuse.RawFileSystem implementation: the
// request dispatcher, owning the big lock and translating each kernel
// operation into calls against the resolver, directory merger, copy-up
// engine, mutation protocol, and block-crypto codec.
//
// overlayFS holds an explicit mu field taken at the top of every
// handler, released early for long-latency handlers that do their own
// I/O after resolving or copying up.
package dispatch

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/sandboxfs/overlayfs/internal/access"
	"github.com/sandboxfs/overlayfs/internal/blockcrypto"
	"github.com/sandboxfs/overlayfs/internal/config"
	"github.com/sandboxfs/overlayfs/internal/copyup"
	"github.com/sandboxfs/overlayfs/internal/dirmerge"
	"github.com/sandboxfs/overlayfs/internal/errs"
	"github.com/sandboxfs/overlayfs/internal/hidelist"
	"github.com/sandboxfs/overlayfs/internal/idmap"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/mutate"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/resolve"
	"github.com/sandboxfs/overlayfs/internal/wd"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

// overlayFS implements fuse.RawFileSystem. All exported construction
// happens through New; the zero value is not usable.
type overlayFS struct {
	mu sync.Mutex

	cfg      config.Config
	stack    *layer.Stack
	table    *node.Table
	resolver *resolve.Resolver
	hide     *hidelist.List
	copyEng  *copyup.Engine
	mutEng   *mutate.Engine
	gate     *access.Gate
	crypto   *blockcrypto.Manager
	uidTable *idmap.Table
	gidTable *idmap.Table
	caps     *whiteout.Capabilities
	wdDir    *wd.Dir

	log *logrus.Entry

	root *node.Node

	nodeIDs map[uint64]*node.Node

	handles    map[uint64]*handle
	nextHandle uint64
}

// New assembles an overlayFS from its already-constructed collaborators.
// cmd/sandboxfs-overlay wires this up from the parsed Config.
func New(cfg config.Config, stack *layer.Stack, table *node.Table, resolver *resolve.Resolver, hide *hidelist.List, copyEng *copyup.Engine, mutEng *mutate.Engine, gate *access.Gate, crypto *blockcrypto.Manager, uidTable, gidTable *idmap.Table, caps *whiteout.Capabilities, wdDir *wd.Dir, log *logrus.Entry) fuse.RawFileSystem {
	root := node.NewRoot()
	fs := &overlayFS{
		cfg:      cfg,
		stack:    stack,
		table:    table,
		resolver: resolver,
		hide:     hide,
		copyEng:  copyEng,
		mutEng:   mutEng,
		gate:     gate,
		crypto:   crypto,
		uidTable: uidTable,
		gidTable: gidTable,
		caps:     caps,
		wdDir:    wdDir,
		log:      log,
		root:     root,
		nodeIDs:  map[uint64]*node.Node{fuse.FUSE_ROOT_ID: root},
		handles:  map[uint64]*handle{},
	}
	return fs
}

func (fs *overlayFS) String() string { return "sandboxfs-overlay" }

func (fs *overlayFS) SetDebug(bool) {}

func (fs *overlayFS) Init(*fuse.Server) {}

// nodeIDOf returns n's stable kernel nodeid, registering it the first
// time it is seen: the root always maps to fuse.FUSE_ROOT_ID; every
// other node's id is its address, uintptr(unsafe.Pointer(n)). The map
// (not a raw pointer round-trip) is what keeps the recovery side safe.
func (fs *overlayFS) nodeIDOf(n *node.Node) uint64 {
	if n == fs.root {
		return fuse.FUSE_ROOT_ID
	}
	id := uint64(uintptr(unsafe.Pointer(n)))
	fs.nodeIDs[id] = n
	return id
}

func (fs *overlayFS) nodeByID(id uint64) *node.Node {
	return fs.nodeIDs[id]
}

func (fs *overlayFS) allowed(path string, pid uint32) bool {
	return fs.gate == nil || fs.gate.Allow(path, pid)
}

// Lookup resolves name under the directory identified by header.NodeId.
func (fs *overlayFS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(name) > 255 {
		return fuse.Status(syscall.ENAMETOOLONG)
	}
	parent := fs.nodeByID(header.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(childPath(parent, name), header.Pid) {
		return fuse.ENOENT
	}

	n, err := fs.resolver.Lookup(parent, name)
	if err != nil {
		return errs.ToStatus(err)
	}
	if n == nil || n.Whiteout {
		return fuse.ENOENT
	}
	fs.table.Lookup(n)
	if err := fs.fillEntry(n, out); err != nil {
		return errs.ToStatus(err)
	}
	return fuse.OK
}

// Forget decrements the node's lookup count and frees it once both the
// count and any in-flight readdir references reach zero.
func (fs *overlayFS) Forget(nodeid, nlookup uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodeByID(nodeid)
	if n == nil || n == fs.root {
		return
	}
	if fs.table.Forget(n, nlookup) {
		delete(fs.nodeIDs, nodeid)
		if !n.Hidden() {
			return
		}
		fs.table.Free(n)
	}
}

// GetAttr fetches n's current attributes.
func (fs *overlayFS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodeByID(input.NodeId)
	if n == nil {
		return fuse.ENOENT
	}
	if err := fs.fillAttr(n, &out.Attr); err != nil {
		return errs.ToStatus(err)
	}
	setAttrTimeout(out, fs.timeout())
	return fuse.OK
}

// SetAttr applies the requested attribute changes to n.
func (fs *overlayFS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	fs.mu.Lock()
	n := fs.nodeByID(input.NodeId)
	fs.mu.Unlock()
	if n == nil {
		return fuse.ENOENT
	}

	var attr mutate.Attr
	if input.Valid&fuse.FATTR_MODE != 0 {
		attr.HasMode, attr.Mode = true, input.Mode
	}
	if input.Valid&fuse.FATTR_UID != 0 {
		attr.HasUID, attr.UID = true, fs.uidTable.PresentedToHost(input.Uid)
	}
	if input.Valid&fuse.FATTR_GID != 0 {
		attr.HasGID, attr.GID = true, fs.gidTable.PresentedToHost(input.Gid)
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		attr.HasSize, attr.Size = true, int64(input.Size)
	}
	if input.Valid&fuse.FATTR_ATIME != 0 {
		attr.HasAtime, attr.Atime = true, time.Unix(int64(input.Atime), int64(input.Atimensec))
	}
	if input.Valid&fuse.FATTR_MTIME != 0 {
		attr.HasMtime, attr.Mtime = true, time.Unix(int64(input.Mtime), int64(input.Mtimensec))
	}

	// Truncating a keyed file's content must go through the block
	// codec so partial-block re-encoding stays consistent; release the
	// big lock while doing the actual I/O.
	fs.mu.Lock()
	err := fs.mutEng.SetAttr(n, attr)
	if err == nil && attr.HasSize && n.Codec != nil {
		fs.mu.Unlock()
		err = fs.truncateKeyed(n, attr.Size)
	} else {
		fs.mu.Unlock()
	}
	if err != nil {
		return errs.ToStatus(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fillAttr(n, &out.Attr); err != nil {
		return errs.ToStatus(err)
	}
	setAttrTimeout(out, fs.timeout())
	return fuse.OK
}

func (fs *overlayFS) truncateKeyed(n *node.Node, size int64) error {
	// The plain unix.Truncate SetAttr already issued operates on
	// ciphertext bytes; a keyed file's logical size is identical to
	// its ciphertext size since the last partial block keeps the same
	// length in both domains, so no further action is required beyond
	// invalidating the node's block cache.
	if codec, ok := n.Codec.(interface{ InvalidateCache() }); ok {
		codec.InvalidateCache()
	}
	return nil
}

func (fs *overlayFS) timeout() time.Duration {
	return time.Duration(fs.cfg.Timeout * float64(time.Second))
}

func (fs *overlayFS) fillEntry(n *node.Node, out *fuse.EntryOut) error {
	out.NodeId = fs.nodeIDOf(n)
	out.Generation = 1
	if err := fs.fillAttr(n, &out.Attr); err != nil {
		return err
	}
	setEntryTimeout(out, fs.timeout())
	return nil
}

func setEntryTimeout(out *fuse.EntryOut, d time.Duration) {
	sec, nsec := splitDuration(d)
	out.EntryValid, out.EntryValidNsec = sec, nsec
	out.AttrValid, out.AttrValidNsec = sec, nsec
}

func setAttrTimeout(out *fuse.AttrOut, d time.Duration) {
	out.AttrValid, out.AttrValidNsec = splitDuration(d)
}

func splitDuration(d time.Duration) (sec uint64, nsec uint32) {
	return uint64(d / time.Second), uint32(d % time.Second)
}

func (fs *overlayFS) fillAttr(n *node.Node, out *fuse.Attr) error {
	st, err := fs.statNode(n)
	if err != nil {
		return err
	}
	out.FromStat(&st)
	out.Uid = fs.uidTable.HostToPresented(st.Uid)
	out.Gid = fs.gidTable.HostToPresented(st.Gid)
	if fs.cfg.StaticNlink && !n.IsDir() {
		out.Nlink = 1
	}
	return nil
}

func (fs *overlayFS) statNode(n *node.Node) (syscall.Stat_t, error) {
	if n == fs.root {
		return fs.stack.At(0).Store.Stat("")
	}
	return fs.stack.At(n.Layer).Store.Stat(relOfNode(n))
}

func relOfNode(n *node.Node) string {
	if n.Path() == "/" {
		return ""
	}
	return n.Path()[1:]
}

func childPath(parent *node.Node, name string) string {
	if parent.Path() == "/" {
		return "/" + name
	}
	return parent.Path() + "/" + name
}

// resolveEntries reloads a directory's merged listing, invalidating any
// stale cache first (used after a mutation that changes the directory's
// contents).
func (fs *overlayFS) reloadDir(n *node.Node) ([]dirmerge.Entry, error) {
	n.Loaded = false
	return dirmerge.Load(fs.resolver, fs.hide, n)
}
