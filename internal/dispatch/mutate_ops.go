package dispatch

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/sandboxfs/overlayfs/internal/errs"
)

// Mknod creates a device/fifo/socket node.
func (fs *overlayFS) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
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
	n, err := fs.mutEng.Mknod(parent, name, input.Mode, uint64(input.Rdev), uid, gid)
	if err != nil {
		return errs.ToStatus(err)
	}
	fs.table.Lookup(n)
	return errs.ToStatus(fs.fillEntry(n, out))
}

// Mkdir creates a directory.
func (fs *overlayFS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
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
	n, err := fs.mutEng.Mkdir(parent, name, input.Mode, uid, gid)
	if err != nil {
		return errs.ToStatus(err)
	}
	fs.table.Lookup(n)
	return errs.ToStatus(fs.fillEntry(n, out))
}

// Symlink creates a symbolic link.
func (fs *overlayFS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo, linkName string, out *fuse.EntryOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent := fs.nodeByID(header.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(childPath(parent, linkName), header.Pid) {
		return fuse.ENOENT
	}
	uid := fs.uidTable.PresentedToHost(header.Uid)
	gid := fs.gidTable.PresentedToHost(header.Gid)
	n, err := fs.mutEng.Symlink(parent, linkName, pointedTo, uid, gid)
	if err != nil {
		return errs.ToStatus(err)
	}
	fs.table.Lookup(n)
	return errs.ToStatus(fs.fillEntry(n, out))
}

// Readlink reads a symlink's target from the node's originating layer
// store.
func (fs *overlayFS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodeByID(header.NodeId)
	if n == nil {
		return nil, fuse.ENOENT
	}
	target, err := fs.stack.At(n.Layer).Store.Readlink(relOfNode(n))
	if err != nil {
		return nil, errs.ToStatus(err)
	}
	return []byte(target), fuse.OK
}

// Unlink removes a non-directory entry.
func (fs *overlayFS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent := fs.nodeByID(header.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(childPath(parent, name), header.Pid) {
		return fuse.ENOENT
	}
	return errs.ToStatus(fs.mutEng.Unlink(parent, name))
}

// Rmdir removes an empty directory.
func (fs *overlayFS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent := fs.nodeByID(header.NodeId)
	if parent == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(childPath(parent, name), header.Pid) {
		return fuse.ENOENT
	}
	return errs.ToStatus(fs.mutEng.Rmdir(parent, name))
}

// Rename dispatches between direct and exchange rename modes on the
// kernel's RENAME_EXCHANGE flag (input.Flags).
func (fs *overlayFS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParent := fs.nodeByID(input.NodeId)
	newParent := fs.nodeByID(input.Newdir)
	if oldParent == nil || newParent == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(childPath(oldParent, oldName), input.Pid) || !fs.allowed(childPath(newParent, newName), input.Pid) {
		return fuse.ENOENT
	}

	if input.Flags&unix.RENAME_EXCHANGE != 0 {
		return errs.ToStatus(fs.mutEng.RenameExchange(oldParent, oldName, newParent, newName))
	}
	noReplace := input.Flags&unix.RENAME_NOREPLACE != 0
	return errs.ToStatus(fs.mutEng.RenameDirect(oldParent, oldName, newParent, newName, noReplace))
}

// Link creates a hard link.
func (fs *overlayFS) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	src := fs.nodeByID(input.Oldnodeid)
	newParent := fs.nodeByID(input.NodeId)
	if src == nil || newParent == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(childPath(newParent, filename), input.Pid) {
		return fuse.ENOENT
	}
	n, err := fs.mutEng.Link(src, newParent, filename)
	if err != nil {
		return errs.ToStatus(err)
	}
	fs.table.Lookup(n)
	return errs.ToStatus(fs.fillEntry(n, out))
}

// Access performs a plain POSIX R_OK/W_OK/X_OK test against the node's
// backing mode, independent of the access gate.
func (fs *overlayFS) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	fs.mu.Lock()
	n := fs.nodeByID(input.NodeId)
	fs.mu.Unlock()
	if n == nil {
		return fuse.ENOENT
	}
	if !fs.allowed(n.Path(), input.Pid) {
		return fuse.ENOENT
	}
	st, err := fs.statNode(n)
	if err != nil {
		return errs.ToStatus(err)
	}
	var want uint32
	if input.Mask&fuse.R_OK != 0 {
		want |= 0o4
	}
	if input.Mask&fuse.W_OK != 0 {
		want |= 0o2
	}
	if input.Mask&fuse.X_OK != 0 {
		want |= 0o1
	}
	if want == 0 {
		return fuse.OK
	}
	mode := uint32(st.Mode) & 0o7
	if want&^mode != 0 {
		return fuse.EACCES
	}
	return fuse.OK
}

// StatFs reports filesystem statistics, forwarded straight from the
// upper layer when present, else the topmost lower.
func (fs *overlayFS) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	root := fs.stack.At(0).Store.Root()
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return errs.ToStatus(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return fuse.OK
}

// The remaining RawFileSystem methods this mount never needs to act on
// are left as explicit no-ops/ENOSYS.

func (fs *overlayFS) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	return fuse.ENOSYS
}

func (fs *overlayFS) GetLk(cancel <-chan struct{}, input *fuse.LkIn, out *fuse.LkOut) fuse.Status {
	return fuse.ENOSYS
}

func (fs *overlayFS) SetLk(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fuse.ENOSYS
}

func (fs *overlayFS) SetLkw(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fuse.ENOSYS
}

func (fs *overlayFS) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	return 0, fuse.ENOSYS
}

func (fs *overlayFS) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	return fuse.ENOSYS
}
