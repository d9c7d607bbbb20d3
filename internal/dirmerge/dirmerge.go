// Package dirmerge produces merged directory listings across a layer
// stack, hiding whited-out and opaque entries and filtering configured
// hide-list paths.
package dirmerge

import (
	"os"
	"sort"
	"syscall"

	"github.com/sandboxfs/overlayfs/internal/hidelist"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/resolve"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

// Entry is one merged, visible directory entry ready to hand to the FUSE
// transport.
type Entry struct {
	Name string
	Mode uint32
	Ino  uint64
}

// Load returns the merged, visible entries of dirNode (a directory
// node), materializing and registering a child node for each one so a
// subsequent Lookup of the same name returns the identical node.
// Results are cached on dirNode.Loaded; call again after any mutation
// invalidates the directory to reload.
func Load(r *resolve.Resolver, hide *hidelist.List, dirNode *node.Node) ([]Entry, error) {
	names, err := visibleNames(r, hide, dirNode)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(names))
	for _, name := range names {
		child, err := r.Lookup(dirNode, name)
		if err != nil {
			return nil, err
		}
		if child == nil || child.Whiteout {
			continue
		}
		out = append(out, Entry{Name: name, Mode: modeOf(child), Ino: child.TmpIno})
	}
	dirNode.Loaded = true
	return out, nil
}

type rawEntry struct {
	whiteout bool
}

// visibleNames walks layers from top down to dirNode.LastLayer (the
// opaque-stop point the resolver already computed, or the bottom of the
// stack if the directory was never opaque), merging entries while
// skipping "." / "..", honoring per-layer hide-list filtering on lower
// layers only, and treating ".wh."-prefixed names and (0,0) character
// devices as whiteouts for the name they shadow.
func visibleNames(r *resolve.Resolver, hide *hidelist.List, dirNode *node.Node) ([]string, error) {
	endLayer := dirNode.LastLayer
	if endLayer < 0 || endLayer >= r.Stack.NumLayers() {
		endLayer = r.Stack.NumLayers() - 1
	}

	seen := map[string]rawEntry{}
	for i := 0; i <= endLayer; i++ {
		l := r.Stack.At(i)
		entries, err := l.Store.Readdir(dirPath(dirNode))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, de := range entries {
			name := de.Name()
			if name == "." || name == ".." || name == whiteout.OpaqueSentinel {
				continue
			}
			target := name
			isWhiteout := false
			if whiteout.IsWhiteoutName(name) {
				target = whiteout.TargetName(name)
				isWhiteout = true
			} else if info, err := de.Info(); err == nil {
				if sys, ok := info.Sys().(*syscall.Stat_t); ok && whiteout.IsWhiteoutDevice(sys) {
					isWhiteout = true
				}
			}

			if !l.Upper && hide.Hidden(joinPath(dirNode.Path(), target)) {
				continue
			}
			if _, exists := seen[target]; exists {
				continue
			}
			seen[target] = rawEntry{whiteout: isWhiteout}
		}
	}

	names := make([]string, 0, len(seen))
	for name, e := range seen {
		if !e.whiteout {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func modeOf(n *node.Node) uint32 {
	if n.IsDir() {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

func dirPath(n *node.Node) string {
	if n.Path() == "/" {
		return ""
	}
	return n.Path()[1:]
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
