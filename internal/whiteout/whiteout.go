// Package whiteout implements the on-disk whiteout and opaque encoding
// shared with kernel overlayfs and fuse-overlayfs: character-device
// (0,0) whiteouts, ".wh." regular-file whiteouts, and the opaque
// xattr/sentinel file, with each encoding falling back to the next once
// the preferred one is observed to fail, sticky per-process once
// downgraded.
package whiteout

import (
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Prefix marks a whiteout file's name: ".wh.<name>".
const Prefix = ".wh."

// OpaqueSentinel is the fallback opaque marker file used when extended
// attributes are unsupported.
const OpaqueSentinel = ".wh..wh..opq"

// Extended attribute names for the opaque marker, in fallback order.
const (
	OpaqueXattrTrusted = "trusted.overlay.opaque"
	OpaqueXattrUser    = "user.fuseoverlayfs.opaque"
	opaqueValue        = "y"
)

// OriginXattr records a copied-up file's original lower-layer path.
const OriginXattr = "user.fuseoverlayfs.origin"

// IsWhiteoutName reports whether name is a ".wh.<X>" whiteout marker
// for some other name X (as opposed to the opaque sentinel itself,
// which callers should check for separately with name == OpaqueSentinel).
func IsWhiteoutName(name string) bool {
	return strings.HasPrefix(name, Prefix) && name != OpaqueSentinel
}

// WhiteoutName returns the ".wh.<name>" marker filename for name.
func WhiteoutName(name string) string { return Prefix + name }

// TargetName returns the name a ".wh.<X>" marker refers to.
func TargetName(whiteoutName string) string {
	return strings.TrimPrefix(whiteoutName, Prefix)
}

// IsWhiteoutDevice reports whether a stat_t describes the character
// device (major=0, minor=0) whiteout encoding.
func IsWhiteoutDevice(st *syscall.Stat_t) bool {
	if st.Mode&syscall.S_IFMT != syscall.S_IFCHR {
		return false
	}
	rdev := uint64(st.Rdev)
	return unix.Major(rdev) == 0 && unix.Minor(rdev) == 0
}

// Capabilities tracks, per process, whether mknod and xattr-based opaque
// marking are still available. Once either is denied it is remembered so
// subsequent calls go straight to the fallback encoding.
type Capabilities struct {
	mu           sync.Mutex
	canMknod     bool
	canSetOpaque bool
	probed       bool
}

// NewCapabilities returns a Capabilities that assumes both mechanisms
// work until proven otherwise.
func NewCapabilities() *Capabilities {
	return &Capabilities{canMknod: true, canSetOpaque: true}
}

// Whiteout creates a whiteout for name inside dir (an upper-layer
// directory path), preferring the character-device encoding and falling
// back to a ".wh.<name>" regular file once mknod has been observed to
// fail.
func (c *Capabilities) Whiteout(dir, name string) error {
	c.mu.Lock()
	tryMknod := c.canMknod
	c.mu.Unlock()

	if tryMknod {
		path := filepath.Join(dir, name)
		_ = unix.Unlink(path)
		err := unix.Mknod(path, unix.S_IFCHR|0o000, 0)
		if err == nil {
			return nil
		}
		if err == unix.EPERM || err == unix.ENOSYS || err == unix.EACCES {
			c.mu.Lock()
			c.canMknod = false
			c.mu.Unlock()
		} else {
			return err
		}
	}
	path := filepath.Join(dir, WhiteoutName(name))
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, 0o000)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// SetOpaque marks dir opaque, preferring the trusted-namespace xattr,
// falling back to the user namespace, falling back to the sentinel file
// once xattrs are known unsupported.
func (c *Capabilities) SetOpaque(dir string) error {
	c.mu.Lock()
	trySet := c.canSetOpaque
	c.mu.Unlock()

	if trySet {
		if err := unix.Setxattr(dir, OpaqueXattrTrusted, []byte(opaqueValue), 0); err == nil {
			return nil
		}
		if err := unix.Setxattr(dir, OpaqueXattrUser, []byte(opaqueValue), 0); err == nil {
			return nil
		}
		c.mu.Lock()
		c.canSetOpaque = false
		c.mu.Unlock()
	}
	path := filepath.Join(dir, OpaqueSentinel)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, 0o000)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// IsOpaque reports whether dir is marked opaque by either xattr fallback
// or the sentinel file.
func IsOpaque(getxattr func(name string) ([]byte, error), hasSentinel func() bool) bool {
	if v, err := getxattr(OpaqueXattrTrusted); err == nil && string(v) == opaqueValue {
		return true
	}
	if v, err := getxattr(OpaqueXattrUser); err == nil && string(v) == opaqueValue {
		return true
	}
	return hasSentinel()
}
