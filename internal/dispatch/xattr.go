package dispatch

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/sandboxfs/overlayfs/internal/errs"
	"github.com/sandboxfs/overlayfs/internal/xattrfilter"
)

// GetXAttr reads an extended attribute: names in a reserved namespace
// are reported as absent rather than forwarded to the backing store.
func (fs *overlayFS) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	fs.mu.Lock()
	n := fs.nodeByID(header.NodeId)
	fs.mu.Unlock()
	if n == nil {
		return 0, fuse.ENOENT
	}
	if xattrfilter.IsReserved(attr) {
		return 0, fuse.ENOATTR
	}
	if fs.cfg.NoXattrs {
		return 0, fuse.ENOSYS
	}
	value, err := fs.stack.At(n.Layer).Store.Getxattr(relOfNode(n), attr)
	if err != nil {
		return 0, errs.ToStatus(err)
	}
	if value == nil {
		return 0, fuse.ENOATTR
	}
	if len(dest) == 0 {
		return uint32(len(value)), fuse.OK
	}
	if len(dest) < len(value) {
		return uint32(len(value)), fuse.Status(syscall.ERANGE)
	}
	copy(dest, value)
	return uint32(len(value)), fuse.OK
}

// ListXAttr lists extended attribute names: reserved names are
// stripped from the result before it reaches the caller.
func (fs *overlayFS) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	fs.mu.Lock()
	n := fs.nodeByID(header.NodeId)
	fs.mu.Unlock()
	if n == nil {
		return 0, fuse.ENOENT
	}
	if fs.cfg.NoXattrs {
		return 0, fuse.OK
	}
	names, err := fs.stack.At(n.Layer).Store.Listxattr(relOfNode(n))
	if err != nil {
		return 0, errs.ToStatus(err)
	}
	names = xattrfilter.FilterNames(names)

	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	if len(dest) == 0 {
		return uint32(len(buf)), fuse.OK
	}
	if len(dest) < len(buf) {
		return uint32(len(buf)), fuse.Status(syscall.ERANGE)
	}
	copy(dest, buf)
	return uint32(len(buf)), fuse.OK
}

// SetXAttr writes an extended attribute, requiring an upper layer
// (copy-up first) and rejecting reserved names outright.
func (fs *overlayFS) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodeByID(input.NodeId)
	if n == nil {
		return fuse.ENOENT
	}
	if xattrfilter.IsReserved(attr) {
		return errs.ToStatus(errs.ErrReserved)
	}
	if fs.cfg.NoXattrs {
		return fuse.ENOSYS
	}
	if err := fs.copyEng.Up(n); err != nil {
		return errs.ToStatus(err)
	}
	full := fs.backingPath(n)
	if err := unix.Setxattr(full, attr, data, int(input.Flags)); err != nil {
		return errs.ToStatus(err)
	}
	return fuse.OK
}

// RemoveXAttr removes an extended attribute.
func (fs *overlayFS) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodeByID(header.NodeId)
	if n == nil {
		return fuse.ENOENT
	}
	if xattrfilter.IsReserved(attr) {
		return errs.ToStatus(errs.ErrReserved)
	}
	if err := fs.copyEng.Up(n); err != nil {
		return errs.ToStatus(err)
	}
	full := fs.backingPath(n)
	if err := unix.Removexattr(full, attr); err != nil {
		return errs.ToStatus(err)
	}
	return fuse.OK
}
