// Package copyup lazily materializes a lower-layer entry into the upper
// layer the first time a mutating operation touches it, via the working
// directory's staged-then-renamed protocol so a concurrent reader never
// observes a partially-copied file. It copies the entry's extended
// attributes and stamps an origin marker, and copies up a directory or
// symlink's parent chain first.
package copyup

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sandboxfs/overlayfs/internal/blockcrypto"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/wd"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
	"github.com/sandboxfs/overlayfs/internal/xattrfilter"
)

// ErrNoUpper is returned when a copy-up is attempted on a read-only mount
// (no upper layer configured).
var ErrNoUpper = errors.New("copyup: no upper layer configured")

// Engine performs copy-up against a layer stack's upper layer, staging
// through a working directory. Crypto, when set, is the mount's block
// codec manager: regular-file content is read from the lower layer in
// plaintext and block-encrypted into the staging file, so the upper
// layer holds the same ciphertext a later keyed write would produce.
type Engine struct {
	Stack  *layer.Stack
	WD     *wd.Dir
	Crypto *blockcrypto.Manager
}

// New constructs a copy-up Engine. crypto may be nil for an unkeyed mount.
func New(stack *layer.Stack, workDir *wd.Dir, crypto *blockcrypto.Manager) *Engine {
	return &Engine{Stack: stack, WD: workDir, Crypto: crypto}
}

// Up ensures n, and every ancestor of n, has upper-layer storage,
// recursively copying content up from each node's originating lower
// layer as needed, parent directories first. After Up returns nil,
// n.Layer equals the stack's upper index.
func (e *Engine) Up(n *node.Node) error {
	if n == nil {
		return nil
	}
	upperIdx := e.Stack.UpperIndex()
	if upperIdx < 0 {
		return ErrNoUpper
	}
	if n.Parent != nil {
		if err := e.Up(n.Parent); err != nil {
			return err
		}
	}
	if n.Layer == upperIdx || n.Path() == "/" {
		n.Layer = upperIdx
		return nil
	}

	rel := relPath(n)
	origin := e.Stack.At(n.Layer).Store
	upper := e.Stack.Upper()

	st, err := origin.Stat(rel)
	if err != nil {
		return err
	}

	stage := e.WD.Stage()
	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		err = e.copyUpDir(stage, st)
	case syscall.S_IFLNK:
		err = e.copyUpSymlink(origin, stage, rel, st)
	default:
		err = e.copyUpRegular(origin, stage, rel, st)
	}
	if err != nil {
		wd.Discard(stage)
		return err
	}

	if err := copyXattrs(origin, stage, rel); err != nil {
		wd.Discard(stage)
		return err
	}
	if err := unix.Lsetxattr(stage, whiteout.OriginXattr, []byte(rel), 0); err != nil && err != unix.ENOTSUP {
		wd.Discard(stage)
		return err
	}

	dest := filepath.Join(upper.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		wd.Discard(stage)
		return err
	}
	if err := os.Rename(stage, dest); err != nil {
		wd.Discard(stage)
		return err
	}

	cleanupStaleWhiteout(upper.Root(), rel)
	n.Layer = upperIdx
	return nil
}

func (e *Engine) copyUpDir(stage string, st syscall.Stat_t) error {
	if err := unix.Mkdir(stage, uint32(st.Mode&0o7777)); err != nil {
		return err
	}
	return unix.Lchown(stage, int(st.Uid), int(st.Gid))
}

func (e *Engine) copyUpSymlink(origin layer.Store, stage, rel string, st syscall.Stat_t) error {
	target, err := origin.Readlink(rel)
	if err != nil {
		return err
	}
	if err := unix.Symlink(target, stage); err != nil {
		return err
	}
	return unix.Lchown(stage, int(st.Uid), int(st.Gid))
}

// copyUpChunkSize is the read buffer used while streaming a lower file's
// content into the staging file; it need not align to the block-crypto
// block size, since NodeCodec.WriteAt re-aligns internally.
const copyUpChunkSize = 256 * 1024

func (e *Engine) copyUpRegular(origin layer.Store, stage, rel string, st syscall.Stat_t) error {
	srcFd, err := origin.Open(rel, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	src := os.NewFile(uintptr(srcFd), rel)
	defer src.Close()

	if e.Crypto == nil {
		dst, err := os.OpenFile(stage, os.O_CREATE|os.O_WRONLY|os.O_EXCL, os.FileMode(st.Mode&0o7777))
		if err != nil {
			return err
		}
		defer dst.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return err
		}
		return unix.Lchown(stage, int(st.Uid), int(st.Gid))
	}

	dst, err := os.OpenFile(stage, os.O_CREATE|os.O_RDWR|os.O_EXCL, os.FileMode(st.Mode&0o7777))
	if err != nil {
		return err
	}
	defer dst.Close()

	codec := e.Crypto.NewCodec()
	defer codec.Close()

	buf := make([]byte, copyUpChunkSize)
	var size int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			newSize, _, werr := codec.WriteAt(dst, size, buf[:n], size)
			if werr != nil {
				return werr
			}
			size = newSize
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return unix.Lchown(stage, int(st.Uid), int(st.Gid))
}

// copyXattrs copies every non-reserved extended attribute from the
// origin entry onto the staged copy.
func copyXattrs(origin layer.Store, stage, rel string) error {
	names, err := origin.Listxattr(rel)
	if err != nil {
		return nil // lower layers that don't support xattrs at all are fine
	}
	for _, name := range xattrfilter.FilterNames(names) {
		v, err := origin.Getxattr(rel, name)
		if err != nil || v == nil {
			continue
		}
		if err := unix.Lsetxattr(stage, name, v, 0); err != nil && err != unix.ENOTSUP {
			return err
		}
	}
	return nil
}

// cleanupStaleWhiteout removes a ".wh.<name>" marker sibling to rel in
// the upper layer, if one is left over from an earlier delete-then-
// recreate cycle; its presence would otherwise shadow the entry just
// placed.
func cleanupStaleWhiteout(upperRoot, rel string) {
	dir, base := filepath.Split(rel)
	marker := filepath.Join(upperRoot, dir, whiteout.WhiteoutName(base))
	_ = unix.Unlink(marker)
}

func relPath(n *node.Node) string {
	if n.Path() == "/" {
		return ""
	}
	return n.Path()[1:]
}
