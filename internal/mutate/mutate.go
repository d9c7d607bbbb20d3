// Package mutate implements every operation that changes the unified
// namespace: Create, Mknod, Mkdir, Symlink, Unlink, Rmdir, Rename, Link,
// and SetAttr. All of them operate on the upper layer only and copy-up
// their target (and its ancestors) first.
package mutate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandboxfs/overlayfs/internal/copyup"
	"github.com/sandboxfs/overlayfs/internal/dirmerge"
	"github.com/sandboxfs/overlayfs/internal/errs"
	"github.com/sandboxfs/overlayfs/internal/hidelist"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/resolve"
	"github.com/sandboxfs/overlayfs/internal/wd"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

// OverrideMode selects how ownership/mode changes under a mode-override
// mount are recorded: written to the real inode, or encoded into an
// extended attribute instead.
type OverrideMode int

const (
	// OverrideNone writes mode/ownership straight to the backing inode.
	OverrideNone OverrideMode = iota
	// OverrideUser encodes into user.containers.override_stat; EPERM on
	// the xattr write is swallowed.
	OverrideUser
	// OverridePrivileged encodes into trusted.overlay.override_stat;
	// any write error is fatal.
	OverridePrivileged
)

func (m OverrideMode) xattrName() string {
	if m == OverridePrivileged {
		return "trusted.overlay.override_stat"
	}
	return "user.containers.override_stat"
}

// Engine performs every mutating operation against a layer stack's
// upper layer.
type Engine struct {
	Stack    *layer.Stack
	WD       *wd.Dir
	Copy     *copyup.Engine
	Caps     *whiteout.Capabilities
	Table    *node.Table
	Resolver *resolve.Resolver
	Hide     *hidelist.List
	Override OverrideMode
}

// New constructs a mutation Engine.
func New(stack *layer.Stack, workDir *wd.Dir, copyEngine *copyup.Engine, caps *whiteout.Capabilities, table *node.Table, resolver *resolve.Resolver, hide *hidelist.List) *Engine {
	return &Engine{Stack: stack, WD: workDir, Copy: copyEngine, Caps: caps, Table: table, Resolver: resolver, Hide: hide}
}

// Create makes a regular file named name under parent.
func (e *Engine) Create(parent *node.Node, name string, mode, uid, gid uint32) (*node.Node, error) {
	if err := e.Copy.Up(parent); err != nil {
		return nil, err
	}
	stage := e.WD.Stage()
	creationMode := mode
	if e.Override != OverrideNone {
		creationMode = 0o755
	}
	fd, err := unix.Open(stage, unix.O_CREAT|unix.O_WRONLY|unix.O_EXCL, creationMode)
	if err != nil {
		return nil, err
	}
	unix.Close(fd)
	if e.Override == OverrideNone {
		_ = unix.Lchown(stage, int(uid), int(gid))
	}
	rel := childRel(parent, name)
	if err := e.place(stage, rel, uid, gid, mode); err != nil {
		return nil, err
	}
	return e.registerNew(parent, name, rel, false)
}

// Mknod creates a device/fifo/socket node.
func (e *Engine) Mknod(parent *node.Node, name string, mode uint32, rdev uint64, uid, gid uint32) (*node.Node, error) {
	if err := e.Copy.Up(parent); err != nil {
		return nil, err
	}
	stage := e.WD.Stage()
	if err := unix.Mknod(stage, mode, int(rdev)); err != nil {
		return nil, err
	}
	_ = unix.Lchown(stage, int(uid), int(gid))
	rel := childRel(parent, name)
	if err := e.place(stage, rel, uid, gid, mode); err != nil {
		return nil, err
	}
	return e.registerNew(parent, name, rel, false)
}

// Symlink creates a symlink named name under parent pointing at target.
func (e *Engine) Symlink(parent *node.Node, name, target string, uid, gid uint32) (*node.Node, error) {
	if err := e.Copy.Up(parent); err != nil {
		return nil, err
	}
	stage := e.WD.Stage()
	if err := unix.Symlink(target, stage); err != nil {
		return nil, err
	}
	_ = unix.Lchown(stage, int(uid), int(gid))
	rel := childRel(parent, name)
	if err := e.place(stage, rel, uid, gid, syscall.S_IFLNK|0o777); err != nil {
		return nil, err
	}
	return e.registerNew(parent, name, rel, false)
}

// Mkdir creates a directory named name under parent.
func (e *Engine) Mkdir(parent *node.Node, name string, mode, uid, gid uint32) (*node.Node, error) {
	if err := e.Copy.Up(parent); err != nil {
		return nil, err
	}
	stage := e.WD.Stage()
	creationMode := mode
	if e.Override != OverrideNone {
		creationMode = 0o755
	}
	if err := unix.Mkdir(stage, creationMode); err != nil {
		return nil, err
	}
	if e.Override == OverrideNone {
		_ = unix.Lchown(stage, int(uid), int(gid))
	}
	rel := childRel(parent, name)
	if err := e.place(stage, rel, uid, gid, mode|syscall.S_IFDIR); err != nil {
		return nil, err
	}
	return e.registerNew(parent, name, rel, true)
}

// place renames a staged entry into its final upper-layer path,
// clearing any stale whiteout marker at the destination and, under a
// mode-override mount, recording the real mode/ownership into the
// override_stat attribute instead of the backing inode.
func (e *Engine) place(stage, rel string, uid, gid, mode uint32) error {
	dest := e.destPath(rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		wd.Discard(stage)
		return err
	}
	if err := os.Rename(stage, dest); err != nil {
		wd.Discard(stage)
		return err
	}
	e.cleanupWhiteout(rel)
	if e.Override != OverrideNone {
		if err := e.writeOverrideStat(dest, uid, gid, mode); err != nil {
			if e.Override == OverridePrivileged {
				return err
			}
		}
	}
	return nil
}

// Unlink removes a non-directory entry.
func (e *Engine) Unlink(parent *node.Node, name string) error {
	n, ok := parent.Children[name]
	if !ok {
		return layer.ErrNotFound
	}
	return e.remove(parent, n, false)
}

// Rmdir removes an empty (in the unified view) directory.
func (e *Engine) Rmdir(parent *node.Node, name string) error {
	n, ok := parent.Children[name]
	if !ok {
		return layer.ErrNotFound
	}
	return e.remove(parent, n, true)
}

// remove implements the shared Unlink/Rmdir procedure: verify, copy-up,
// hide into the working directory, and leave a whiteout behind if a
// lower-layer entry of the same name would otherwise resurface.
func (e *Engine) remove(parent, n *node.Node, isDir bool) error {
	if n.Whiteout {
		return layer.ErrNotFound
	}
	if isDir {
		entries, err := dirmerge.Load(e.Resolver, e.Hide, n)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return errs.ErrNotEmpty
		}
	}

	needsWhiteout := n.LastLayer != n.Layer

	if err := e.Copy.Up(n); err != nil {
		return err
	}
	if isDir {
		if err := e.purgeUpperWhiteouts(n); err != nil {
			return err
		}
	}

	rel := childRel(parent, n.Name)
	dest := e.destPath(rel)
	hidePath := e.WD.Stage()
	if err := os.Rename(dest, hidePath); err != nil {
		return err
	}
	n.Hide(hidePath)

	if needsWhiteout {
		if err := e.Caps.Whiteout(e.destPath(relOfNode(parent)), n.Name); err != nil {
			return err
		}
	}

	if n.NLookup == 0 && n.InReaddir == 0 {
		e.finalizeHidden(n)
	}
	return nil
}

// purgeUpperWhiteouts removes leftover ".wh."/char-device whiteout
// entries from dirNode's upper-layer directory so a physical rmdir (via
// rename into the working directory) does not fail ENOTEMPTY even
// though the directory is logically empty.
func (e *Engine) purgeUpperWhiteouts(dirNode *node.Node) error {
	full := e.destPath(relOfNode(dirNode))
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, de := range entries {
		name := de.Name()
		if name == whiteout.OpaqueSentinel {
			continue
		}
		if whiteout.IsWhiteoutName(name) {
			_ = unix.Unlink(filepath.Join(full, name))
			continue
		}
		if info, err := de.Info(); err == nil {
			if sys, ok := info.Sys().(*syscall.Stat_t); ok && whiteout.IsWhiteoutDevice(sys) {
				_ = unix.Unlink(filepath.Join(full, name))
			}
		}
	}
	return nil
}

func (e *Engine) finalizeHidden(n *node.Node) {
	if n.IsDir() {
		_ = os.RemoveAll(n.HiddenPath)
	} else {
		_ = os.Remove(n.HiddenPath)
	}
	e.Table.Free(n)
}

// RenameExchange implements the exchange rename mode: both endpoints
// must already resolve to the upper layer.
func (e *Engine) RenameExchange(oldParent *node.Node, oldName string, newParent *node.Node, newName string) error {
	a, ok := oldParent.Children[oldName]
	if !ok {
		return layer.ErrNotFound
	}
	b, ok := newParent.Children[newName]
	if !ok {
		return layer.ErrNotFound
	}
	if err := e.Copy.Up(a); err != nil {
		return err
	}
	if err := e.Copy.Up(b); err != nil {
		return err
	}

	pathA := e.destPath(childRel(oldParent, oldName))
	pathB := e.destPath(childRel(newParent, newName))
	if err := unix.Renameat2(unix.AT_FDCWD, pathA, unix.AT_FDCWD, pathB, unix.RENAME_EXCHANGE); err != nil {
		return err
	}

	oldParent.RemoveChild(oldName)
	newParent.RemoveChild(newName)
	a.Rename(newParent, newName)
	b.Rename(oldParent, oldName)
	newParent.Children[newName] = a
	oldParent.Children[oldName] = b

	e.cleanupWhiteout(childRel(newParent, newName))
	e.cleanupWhiteout(childRel(oldParent, oldName))
	return nil
}

// RenameDirect implements the direct rename mode.
func (e *Engine) RenameDirect(oldParent *node.Node, oldName string, newParent *node.Node, newName string, noReplace bool) error {
	src, ok := oldParent.Children[oldName]
	if !ok {
		return layer.ErrNotFound
	}
	if err := e.Copy.Up(src); err != nil {
		return err
	}
	if err := e.Copy.Up(newParent); err != nil {
		return err
	}

	if dst, exists := newParent.Children[newName]; exists && !dst.Whiteout {
		if noReplace {
			return os.ErrExist
		}
		if dst.IsDir() {
			entries, err := dirmerge.Load(e.Resolver, e.Hide, dst)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				return errs.ErrNotEmpty
			}
		}
		if err := e.remove(newParent, dst, dst.IsDir()); err != nil {
			return err
		}
	}

	srcNeedsWhiteout := src.LastLayer != src.Layer
	srcRel := childRel(oldParent, oldName)
	dstRel := childRel(newParent, newName)
	srcPath := e.destPath(srcRel)
	dstPath := e.destPath(dstRel)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}

	switch err := unix.Renameat2(unix.AT_FDCWD, srcPath, unix.AT_FDCWD, dstPath, unix.RENAME_WHITEOUT); err {
	case nil:
		// Kernel left a whiteout at the source automatically.
	case unix.EINVAL, unix.ENOSYS, unix.EOPNOTSUPP:
		if err := os.Rename(srcPath, dstPath); err != nil {
			return err
		}
		if srcNeedsWhiteout {
			if werr := e.Caps.Whiteout(e.destPath(relOfNode(oldParent)), oldName); werr != nil {
				return werr
			}
		}
	default:
		return err
	}
	e.cleanupWhiteout(dstRel)

	if src.IsDir() {
		if err := e.shadowRevealedLowerChildren(src); err != nil {
			return err
		}
	}

	oldParent.RemoveChild(oldName)
	newParent.RemoveChild(newName)
	src.Rename(newParent, newName)
	newParent.Children[newName] = src
	src.Layer = e.Stack.UpperIndex()
	src.LastLayer = src.Layer
	return nil
}

// shadowRevealedLowerChildren marks a moved directory opaque at its new
// location when lower layers exist, so a coincidental lower-layer
// directory of the same new name cannot resurface children the move
// never intended to expose. This takes the form of wholesale opacity
// rather than a per-child whiteout sweep, since the moved directory's
// own whiteout markers already travel with it.
func (e *Engine) shadowRevealedLowerChildren(dirNode *node.Node) error {
	if e.Stack.NumLayers() <= 1 {
		return nil
	}
	return e.Caps.SetOpaque(e.destPath(relOfNode(dirNode)))
}

// Link creates a hard link to srcNode at newParent/newName.
func (e *Engine) Link(srcNode, newParent *node.Node, newName string) (*node.Node, error) {
	if err := e.Copy.Up(srcNode); err != nil {
		return nil, err
	}
	if err := e.Copy.Up(newParent); err != nil {
		return nil, err
	}

	srcPath := e.destPath(relOfNode(srcNode))
	dstRel := childRel(newParent, newName)
	dstPath := e.destPath(dstRel)
	if err := unix.Link(srcPath, dstPath); err != nil {
		return nil, err
	}
	e.cleanupWhiteout(dstRel)

	return e.registerNew(newParent, newName, dstRel, false)
}

// Attr describes a requested attribute change; only the fields with
// their Has* flag set are applied.
type Attr struct {
	HasMode  bool
	Mode     uint32
	HasUID   bool
	UID      uint32
	HasGID   bool
	GID      uint32
	HasSize  bool
	Size     int64
	HasAtime bool
	Atime    time.Time
	HasMtime bool
	Mtime    time.Time
}

// SetAttr applies attr to n, copying up first. Fields are applied in
// order: time, mode, size, ownership. Under a mode-override mount, mode
// and ownership are instead folded into the override_stat attribute.
func (e *Engine) SetAttr(n *node.Node, attr Attr) error {
	if err := e.Copy.Up(n); err != nil {
		return err
	}
	full := e.destPath(relOfNode(n))

	if attr.HasAtime || attr.HasMtime {
		if err := applyTimes(full, attr); err != nil {
			return err
		}
	}

	if e.Override == OverrideNone {
		if attr.HasMode {
			if err := unix.Chmod(full, attr.Mode); err != nil {
				return err
			}
		}
	}

	if attr.HasSize {
		if err := unix.Truncate(full, attr.Size); err != nil {
			return err
		}
	}

	if e.Override == OverrideNone {
		if attr.HasUID || attr.HasGID {
			uid, gid := -1, -1
			if attr.HasUID {
				uid = int(attr.UID)
			}
			if attr.HasGID {
				gid = int(attr.GID)
			}
			if err := unix.Lchown(full, uid, gid); err != nil {
				return err
			}
		}
	} else if attr.HasMode || attr.HasUID || attr.HasGID {
		err := e.applyOverrideStat(full, attr)
		if err != nil {
			if e.Override == OverridePrivileged {
				return err
			}
			if !errors.Is(err, unix.EPERM) {
				return err
			}
		}
	}
	return nil
}

func applyTimes(full string, attr Attr) error {
	now := time.Now()
	atime := attr.Atime
	if !attr.HasAtime {
		atime = now
	}
	mtime := attr.Mtime
	if !attr.HasMtime {
		mtime = now
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, full, ts, unix.AT_SYMLINK_NOFOLLOW)
}

// applyOverrideStat merges attr's set fields into full's existing
// override_stat value (falling back to a real lstat for any unset
// field) and writes the merged triple back.
func (e *Engine) applyOverrideStat(full string, attr Attr) error {
	uid, gid, mode, _ := e.readOverrideStat(full)
	if attr.HasUID {
		uid = attr.UID
	}
	if attr.HasGID {
		gid = attr.GID
	}
	if attr.HasMode {
		mode = attr.Mode
	}
	return e.writeOverrideStat(full, uid, gid, mode)
}

func (e *Engine) readOverrideStat(full string) (uid, gid, mode uint32, err error) {
	buf := make([]byte, 64)
	n, xerr := unix.Lgetxattr(full, e.Override.xattrName(), buf)
	if xerr == nil {
		if u, g, m, derr := decodeOverrideStat(string(buf[:n])); derr == nil {
			return u, g, m, nil
		}
	}
	var st unix.Stat_t
	if err := unix.Lstat(full, &st); err != nil {
		return 0, 0, 0, err
	}
	return st.Uid, st.Gid, st.Mode, nil
}

func (e *Engine) writeOverrideStat(full string, uid, gid, mode uint32) error {
	return unix.Setxattr(full, e.Override.xattrName(), []byte(encodeOverrideStat(uid, gid, mode)), 0)
}

func encodeOverrideStat(uid, gid, mode uint32) string {
	return fmt.Sprintf("%d:%d:%o", uid, gid, mode)
}

func decodeOverrideStat(s string) (uid, gid, mode uint32, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, 0, 0, errors.New("mutate: malformed override_stat attribute")
	}
	u, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	g, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	m, err := strconv.ParseUint(parts[2], 8, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint32(u), uint32(g), uint32(m), nil
}

func (e *Engine) registerNew(parent *node.Node, name, rel string, isDir bool) (*node.Node, error) {
	st, err := e.Stack.Upper().Stat(rel)
	if err != nil {
		return nil, err
	}
	n := node.New(name, parent, isDir)
	n.Layer = e.Stack.UpperIndex()
	n.LastLayer = n.Layer
	n.TmpIno, n.TmpDev = st.Ino, st.Dev
	key := node.Key{Ino: st.Ino, Dev: st.Dev}
	result := e.Table.Register(n, key, st.Mode)
	parent.Children[name] = result
	result.Parent = parent
	result.Name = name
	return result, nil
}

func (e *Engine) destPath(rel string) string {
	return filepath.Join(e.Stack.Upper().Root(), rel)
}

func (e *Engine) cleanupWhiteout(rel string) {
	dir, base := filepath.Split(rel)
	_ = unix.Unlink(filepath.Join(e.Stack.Upper().Root(), dir, whiteout.WhiteoutName(base)))
}

func childRel(parent *node.Node, name string) string {
	if parent.Path() == "/" {
		return name
	}
	return parent.Path()[1:] + "/" + name
}

func relOfNode(n *node.Node) string {
	if n.Path() == "/" {
		return ""
	}
	return n.Path()[1:]
}
