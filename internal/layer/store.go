// Package layer implements the layer store abstraction: a uniform set
// of read operations over a directory tree, with one direct filesystem
// implementation and a documented seam for pluggable data sources. The
// resolver, directory merger and copy-up engine go through this
// interface rather than touching syscall.* directly for lower-layer
// reads.
package layer

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sandboxfs/overlayfs/internal/retry"
)

// ErrNotFound is the distinct not-found signal callers use to
// distinguish "absent" from other stat errors.
var ErrNotFound = os.ErrNotExist

// Store is the capability set a layer's data source must provide. All
// paths are relative to the layer's root and all operations are
// no-follow unless the method name says otherwise - a layer implementation
// must never let a symlink walk it into another layer's tree.
type Store interface {
	// Open opens path relative to the store's root with the given flags.
	// O_NOFOLLOW is implied unless flags already requests it be ignored
	// by the caller (regular file opens for read/write of resolved
	// nodes do not need it - the resolver has already confirmed the
	// node's type without following links).
	Open(path string, flags int, mode uint32) (fd int, err error)
	// Stat lstat(2)s path relative to the root.
	Stat(path string) (syscall.Stat_t, error)
	// Fstat stats an already-open descriptor.
	Fstat(fd int) (syscall.Stat_t, error)
	// Readdir lists the entries of path (a directory), excluding "." and "..".
	Readdir(path string) ([]os.DirEntry, error)
	// Readlink reads the target of a symlink at path, growing its buffer
	// as needed.
	Readlink(path string) (string, error)
	// Getxattr returns the value of attr on path, or (nil, nil) if the
	// attribute is absent.
	Getxattr(path, attr string) ([]byte, error)
	// Listxattr lists the extended attribute names set on path.
	Listxattr(path string) ([]string, error)
	// Exists reports whether path exists (lstat, no-follow) without
	// distinguishing file types.
	Exists(path string) bool
	// Root returns the absolute root of this store, for logging and for
	// constructing full backing paths.
	Root() string
}

// Dir is the direct-filesystem Store implementation: paths are joined
// onto a root directory and operated on with plain syscalls.
type Dir struct {
	root string
}

// NewDir constructs a direct filesystem layer store rooted at root. root
// must already exist; NewDir does not create it.
func NewDir(root string) *Dir {
	return &Dir{root: filepath.Clean(root)}
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) full(path string) string {
	if path == "" || path == "/" {
		return d.root
	}
	return filepath.Join(d.root, path)
}

func (d *Dir) Open(path string, flags int, mode uint32) (int, error) {
	var fd int
	err := retry.EINTR(func() error {
		var err error
		fd, err = syscall.Open(d.full(path), flags, mode)
		return err
	})
	return fd, err
}

func (d *Dir) Stat(path string) (syscall.Stat_t, error) {
	var st syscall.Stat_t
	err := retry.EINTR(func() error { return syscall.Lstat(d.full(path), &st) })
	return st, err
}

func (d *Dir) Fstat(fd int) (syscall.Stat_t, error) {
	var st syscall.Stat_t
	err := retry.EINTR(func() error { return syscall.Fstat(fd, &st) })
	return st, err
}

func (d *Dir) Readdir(path string) ([]os.DirEntry, error) {
	f, err := os.Open(d.full(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(-1)
}

func (d *Dir) Readlink(path string) (string, error) {
	full := d.full(path)
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlink(full, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

func (d *Dir) Getxattr(path, attr string) ([]byte, error) {
	full := d.full(path)
	buf := make([]byte, 256)
	for {
		n, err := unix.Lgetxattr(full, attr, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err == unix.ENODATA {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

func (d *Dir) Listxattr(path string) ([]string, error) {
	full := d.full(path)
	buf := make([]byte, 256)
	for {
		n, err := unix.Llistxattr(full, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return nil, err
		}
		return splitNulTerminated(buf[:n]), nil
	}
}

func splitNulTerminated(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

func (d *Dir) Exists(path string) bool {
	var st unix.Stat_t
	return unix.Lstat(d.full(path), &st) == nil
}
