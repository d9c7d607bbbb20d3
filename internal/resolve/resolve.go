// Package resolve implements the name resolver: given a parent node and
// a name, locates the effective entry across layers honoring whiteouts
// and opaques.
package resolve

import (
	"errors"
	"syscall"

	"github.com/sandboxfs/overlayfs/internal/hidelist"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

// ErrReservedName is returned for a lookup of a name beginning with the
// whiteout marker prefix - such names are implementation-internal and
// must never resolve.
var ErrReservedName = errors.New("resolve: reserved whiteout name")

// Resolver resolves names against a layer stack, maintaining the
// process-wide inode table for dedup.
type Resolver struct {
	Stack *layer.Stack
	Hide  *hidelist.List
	Table *node.Table
}

// New constructs a Resolver.
func New(stack *layer.Stack, hide *hidelist.List, table *node.Table) *Resolver {
	return &Resolver{Stack: stack, Hide: hide, Table: table}
}

// Lookup resolves name under parent, walking the layer stack from the
// topmost layer down. parent must be a directory node. A return of
// (nil, nil) - no node, no error - means the name does not exist in
// any layer; it is distinct from a whiteout hit, which returns a
// whiteout node with Whiteout set.
func (r *Resolver) Lookup(parent *node.Node, name string) (*node.Node, error) {
	if whiteout.IsWhiteoutName(name) || name == whiteout.OpaqueSentinel {
		return nil, ErrReservedName
	}
	if name == "" {
		return parent, nil
	}
	if parent.Loaded {
		if n, ok := parent.Children[name]; ok {
			return n, nil
		}
	}

	var result *node.Node
	for i := 0; i < r.Stack.NumLayers(); i++ {
		isFinal := parent.LastLayer == i

		st, err := r.Stack.At(i).Store.Stat(childPath(parent, name))
		if err != nil {
			if !errors.Is(err, syscall.ENOENT) {
				return nil, err
			}
			// Not found at this layer: a ".wh.<name>" sibling
			// shadows any entry further down the stack.
			if r.Stack.At(i).Store.Exists(childPath(parent, whiteout.WhiteoutName(name))) {
				result = node.New(name, parent, false)
				result.Whiteout = true
				result.Layer = i
				result.LastLayer = i
				break
			}
			if isFinal {
				break
			}
			continue
		}

		if result == nil {
			result = r.classify(parent, name, i, st)
		} else {
			result.TmpIno, result.TmpDev = st.Ino, st.Dev
			result.LastLayer = i
		}

		if result.IsDir() {
			opaque, err := r.isOpaque(i, childPath(parent, name))
			if err != nil {
				return nil, err
			}
			if opaque {
				result.LastLayer = i
				break
			}
		}

		if isFinal {
			break
		}
	}

	if result == nil {
		return nil, nil
	}

	if result.Inode == nil && !result.Whiteout {
		key := node.Key{Ino: result.TmpIno, Dev: result.TmpDev}
		collapsed := r.Table.Register(result, key, st2mode(result))
		result = collapsed
	}

	if existing, ok := parent.Children[name]; ok && existing != result {
		return nil, errors.New("resolve: duplicate child collision for " + name)
	}
	if parent.IsDir() {
		parent.Children[name] = result
		result.Parent = parent
		result.Name = name
	}
	return result, nil
}

// classify builds the node for a found, non-whiteout-by-absence stat
// result: either the char-device (0,0) whiteout encoding or a regular
// entry.
func (r *Resolver) classify(parent *node.Node, name string, layerIdx int, st syscall.Stat_t) *node.Node {
	isDir := st.Mode&syscall.S_IFMT == syscall.S_IFDIR
	n := node.New(name, parent, isDir)
	n.Layer = layerIdx
	n.LastLayer = layerIdx
	n.TmpIno, n.TmpDev = st.Ino, st.Dev
	if whiteout.IsWhiteoutDevice(&st) {
		n.Whiteout = true
	}
	return n
}

// isOpaque checks the opaque marker for dir at layer i: the trusted
// xattr, falling back to the user xattr, falling back to the sentinel
// file.
func (r *Resolver) isOpaque(i int, dirPath string) (bool, error) {
	store := r.Stack.At(i).Store
	if v, err := store.Getxattr(dirPath, whiteout.OpaqueXattrTrusted); err == nil && string(v) == "y" {
		return true, nil
	}
	if v, err := store.Getxattr(dirPath, whiteout.OpaqueXattrUser); err == nil && string(v) == "y" {
		return true, nil
	}
	return store.Exists(joinPath(dirPath, whiteout.OpaqueSentinel)), nil
}

func childPath(parent *node.Node, name string) string {
	return joinPath(parent.Path(), name)
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return name
	}
	return dir[1:] + "/" + name
}

func st2mode(n *node.Node) uint32 {
	if n.IsDir() {
		return syscall.S_IFDIR | 0o755
	}
	return syscall.S_IFREG | 0o644
}
