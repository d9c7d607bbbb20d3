package dispatch

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/sandboxfs/overlayfs/internal/blockcrypto"
	"github.com/sandboxfs/overlayfs/internal/dirmerge"
	"github.com/sandboxfs/overlayfs/internal/errs"
	"github.com/sandboxfs/overlayfs/internal/node"
)

// handle is an open file or directory descriptor: one real backing
// *os.File plus, for a regular file under a keyed mount, the node's
// block codec; for a directory, the merged entry listing materialized
// at Opendir time.
type handle struct {
	node    *node.Node
	file    *os.File
	flags   uint32
	entries []dirmerge.Entry
}

func (fs *overlayFS) newHandle(n *node.Node, f *os.File, flags uint32) uint64 {
	id := atomic.AddUint64(&fs.nextHandle, 1)
	fs.handles[id] = &handle{node: n, file: f, flags: flags}
	return id
}

func (fs *overlayFS) handleByFh(fh uint64) *handle {
	return fs.handles[fh]
}

func (fs *overlayFS) closeHandle(fh uint64) {
	h, ok := fs.handles[fh]
	if !ok {
		return
	}
	if h.file != nil {
		h.file.Close()
	}
	delete(fs.handles, fh)
}

// backingPath returns n's real path on its originating layer.
func (fs *overlayFS) backingPath(n *node.Node) string {
	return fs.stack.At(n.Layer).Store.Root() + "/" + relOfNode(n)
}

func (fs *overlayFS) openBacking(n *node.Node, flags int) (*os.File, error) {
	path := fs.backingPath(n)
	if n.Path() == "/" {
		path = fs.stack.At(n.Layer).Store.Root()
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// codecFor lazily installs a node's block-crypto codec the first time a
// keyed mount touches its content, leaving non-keyed mounts and
// never-opened files untouched.
func (fs *overlayFS) codecFor(n *node.Node) *blockcrypto.NodeCodec {
	if fs.crypto == nil {
		return nil
	}
	if n.Codec == nil {
		n.Codec = fs.crypto.NewCodec()
	}
	codec, _ := n.Codec.(*blockcrypto.NodeCodec)
	return codec
}

// Open opens an existing regular file for read/write, symlink target
// aside (Readlink is its own method).
func (fs *overlayFS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodeByID(input.NodeId)
	if n == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(n.Path(), input.Pid) {
		return fuse.ENOENT
	}

	flags := int(input.Flags) &^ syscall.O_CREAT &^ syscall.O_EXCL
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		if err := fs.copyEng.Up(n); err != nil {
			return errs.ToStatus(err)
		}
	}
	f, err := fs.openBacking(n, flags)
	if err != nil {
		return errs.ToStatus(err)
	}
	out.Fh = fs.newHandle(n, f, input.Flags)
	if fs.cfg.Writeback {
		out.OpenFlags |= fuse.FOPEN_KEEP_CACHE
	}
	return fuse.OK
}

// Create makes a regular file plus the open that follows it in a
// single round trip.
func (fs *overlayFS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent := fs.nodeByID(input.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(childPath(parent, name), input.Pid) {
		return fuse.ENOENT
	}

	uid := fs.uidTable.PresentedToHost(input.Uid)
	gid := fs.gidTable.PresentedToHost(input.Gid)
	n, err := fs.mutEng.Create(parent, name, input.Mode&0o7777, uid, gid)
	if err != nil {
		return errs.ToStatus(err)
	}
	fs.table.Lookup(n)
	if err := fs.fillEntry(n, &out.EntryOut); err != nil {
		return errs.ToStatus(err)
	}

	f, err := fs.openBacking(n, int(input.Flags)&^syscall.O_CREAT&^syscall.O_EXCL)
	if err != nil {
		return errs.ToStatus(err)
	}
	out.Fh = fs.newHandle(n, f, input.Flags)
	return fuse.OK
}

// Read runs the multi-block decrypt path for keyed mounts, falling
// straight through to the backing file descriptor otherwise.
func (fs *overlayFS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	fs.mu.Lock()
	h := fs.handleByFh(input.Fh)
	fs.mu.Unlock()
	if h == nil {
		return nil, fuse.EBADF
	}

	codec := fs.codecFor(h.node)
	if codec == nil {
		n, err := h.file.ReadAt(buf, int64(input.Offset))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, errs.ToStatus(err)
		}
		return fuse.ReadResultData(buf[:n]), fuse.OK
	}

	st, err := h.file.Stat()
	if err != nil {
		return nil, errs.ToStatus(err)
	}
	n, err := codec.ReadAt(h.file, st.Size(), buf, int64(input.Offset))
	if err != nil {
		return nil, errs.ToStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

// Write runs the multi-block encrypt path for keyed mounts, falling
// straight through to the backing file descriptor otherwise.
func (fs *overlayFS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	fs.mu.Lock()
	h := fs.handleByFh(input.Fh)
	fs.mu.Unlock()
	if h == nil {
		return 0, fuse.EBADF
	}

	codec := fs.codecFor(h.node)
	if codec == nil {
		n, err := h.file.WriteAt(data, int64(input.Offset))
		if err != nil {
			return uint32(n), errs.ToStatus(err)
		}
		return uint32(n), fuse.OK
	}

	st, err := h.file.Stat()
	if err != nil {
		return 0, errs.ToStatus(err)
	}
	_, n, err := codec.WriteAt(h.file, st.Size(), data, int64(input.Offset))
	if err != nil {
		return uint32(n), errs.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

// Release closes the backing descriptor and, if the node was
// concurrently unlinked while open, finalizes the pending hide now that
// no handle references it.
func (fs *overlayFS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closeHandle(input.Fh)
}

func (fs *overlayFS) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	fs.mu.Lock()
	h := fs.handleByFh(input.Fh)
	fs.mu.Unlock()
	if h == nil || !fs.cfg.Fsync {
		return fuse.OK
	}
	return errs.ToStatus(h.file.Sync())
}

func (fs *overlayFS) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	fs.mu.Lock()
	h := fs.handleByFh(input.Fh)
	fs.mu.Unlock()
	if h == nil {
		return fuse.OK
	}
	if !fs.cfg.Fsync {
		return fuse.OK
	}
	if input.FsyncFlags&1 != 0 {
		return errs.ToStatus(unix.Fdatasync(int(h.file.Fd())))
	}
	return errs.ToStatus(h.file.Sync())
}
