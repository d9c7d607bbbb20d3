package dispatch

import (
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sandboxfs/overlayfs/internal/dirmerge"
	"github.com/sandboxfs/overlayfs/internal/errs"
)

// OpenDir materializes the merged listing for a directory, caching it
// on the handle for the ReadDir/ReadDirPlus calls that follow.
func (fs *overlayFS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodeByID(input.NodeId)
	if n == nil || !n.IsDir() {
		return fuse.ENOTDIR
	}
	entries, err := dirmerge.Load(fs.resolver, fs.hide, n)
	if err != nil {
		return errs.ToStatus(err)
	}
	id := fs.newHandle(n, nil, input.Flags)
	fs.handles[id].entries = entries
	out.Fh = id
	return fuse.OK
}

var dotDotEntries = []fuse.DirEntry{
	{Mode: fuse.S_IFDIR, Name: "."},
	{Mode: fuse.S_IFDIR, Name: ".."},
}

const dotDotCount uint64 = 2

func (fs *overlayFS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h := fs.handleByFh(input.Fh)
	if h == nil {
		return fuse.EBADF
	}

	offset := input.Offset
	for ; offset < dotDotCount; offset++ {
		if !out.AddDirEntry(dotDotEntries[offset]) {
			return fuse.OK
		}
	}
	idx := offset - dotDotCount
	for ; idx < uint64(len(h.entries)); idx++ {
		e := h.entries[idx]
		if !out.AddDirEntry(fuse.DirEntry{Mode: e.Mode, Name: e.Name, Ino: e.Ino}) {
			return fuse.OK
		}
	}
	return fuse.OK
}

func (fs *overlayFS) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h := fs.handleByFh(input.Fh)
	if h == nil {
		return fuse.EBADF
	}

	offset := input.Offset
	for ; offset < dotDotCount; offset++ {
		if !out.AddDirEntry(dotDotEntries[offset]) {
			return fuse.OK
		}
	}
	idx := offset - dotDotCount
	for ; idx < uint64(len(h.entries)); idx++ {
		e := h.entries[idx]
		child, err := fs.resolver.Lookup(h.node, e.Name)
		if err != nil || child == nil {
			continue
		}
		entry := out.AddDirLookupEntry(fuse.DirEntry{Mode: e.Mode, Name: e.Name, Ino: e.Ino})
		if entry == nil {
			return fuse.OK
		}
		fs.table.Lookup(child)
		if err := fs.fillEntry(child, entry); err != nil {
			return errs.ToStatus(err)
		}
	}
	return fuse.OK
}

func (fs *overlayFS) ReleaseDir(input *fuse.ReleaseIn) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closeHandle(input.Fh)
}

func (fs *overlayFS) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}
