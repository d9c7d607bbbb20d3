package mutate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxfs/overlayfs/internal/copyup"
	"github.com/sandboxfs/overlayfs/internal/hidelist"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/resolve"
	"github.com/sandboxfs/overlayfs/internal/wd"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

func newFixture(t *testing.T, upper string, lowers ...string) (*Engine, *resolve.Resolver, *node.Node) {
	t.Helper()
	var lowerStores []layer.Store
	for _, l := range lowers {
		lowerStores = append(lowerStores, layer.NewDir(l))
	}
	stack := layer.NewStack(layer.NewDir(upper), lowerStores)
	table := node.NewTable()
	empty, _ := hidelist.Load("/does/not/exist")
	resolver := resolve.New(stack, empty, table)
	dir, err := wd.Open(filepath.Join(upper, "..", "work"))
	if err != nil {
		t.Fatal(err)
	}
	copyEngine := copyup.New(stack, dir, nil)
	engine := New(stack, dir, copyEngine, whiteout.NewCapabilities(), table, resolver, empty)
	return engine, resolver, node.NewRoot()
}

func TestCreateThenLookupRoundTrips(t *testing.T) {
	upper := t.TempDir()
	engine, resolver, root := newFixture(t, upper)

	n, err := engine.Create(root, "a", 0o644, 1000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n.Layer != engine.Stack.UpperIndex() {
		t.Errorf("Layer = %d, want upper", n.Layer)
	}
	if _, err := os.Stat(filepath.Join(upper, "a")); err != nil {
		t.Errorf("file not created on disk: %v", err)
	}

	got, err := resolver.Lookup(root, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got != n {
		t.Errorf("lookup after create returned a different node")
	}
}

func TestUnlinkLowerFileLeavesWhiteout(t *testing.T) {
	lower := t.TempDir()
	upper := t.TempDir()
	if err := os.WriteFile(filepath.Join(lower, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, resolver, root := newFixture(t, upper, lower)
	n, err := resolver.Lookup(root, "a")
	if err != nil {
		t.Fatal(err)
	}
	if n == nil {
		t.Fatal("expected to find lower file")
	}

	if err := engine.Unlink(root, "a"); err != nil {
		t.Fatal(err)
	}

	// The original content must be gone, replaced by either whiteout
	// encoding: a (0,0) character device at the same name, or a
	// ".wh.a" regular file sibling.
	charSt, charErr := os.Lstat(filepath.Join(upper, "a"))
	_, fileErr := os.Lstat(filepath.Join(upper, whiteout.WhiteoutName("a")))

	isCharWhiteout := charErr == nil && charSt.Mode()&os.ModeCharDevice != 0
	isFileWhiteout := fileErr == nil
	if !isCharWhiteout && !isFileWhiteout {
		t.Error("expected a whiteout (character device or .wh. file) at the destination")
	}
	if charErr == nil && !isCharWhiteout {
		t.Error("original content still present at upper layer after unlink")
	}
}

func TestRmdirNonEmptyFailsWithNotEmpty(t *testing.T) {
	upper := t.TempDir()
	engine, resolver, root := newFixture(t, upper)

	if _, err := engine.Mkdir(root, "d", 0o755, 0, 0); err != nil {
		t.Fatal(err)
	}
	dirNode, err := resolver.Lookup(root, "d")
	if err != nil || dirNode == nil {
		t.Fatal(err)
	}
	if _, err := engine.Create(dirNode, "f", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := engine.Rmdir(root, "d"); err == nil {
		t.Error("expected ENOTEMPTY-equivalent error for a non-empty directory")
	}
}

func TestRenameDirectMovesNode(t *testing.T) {
	lower := t.TempDir()
	upper := t.TempDir()
	if err := os.MkdirAll(filepath.Join(lower, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lower, "d", "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, resolver, root := newFixture(t, upper, lower)
	dirNode, err := resolver.Lookup(root, "d")
	if err != nil || dirNode == nil {
		t.Fatal(err)
	}
	if _, err := engine.Mkdir(root, "d2", 0o755, 0, 0); err != nil {
		t.Fatal(err)
	}
	d2, err := resolver.Lookup(root, "d2")
	if err != nil {
		t.Fatal(err)
	}

	if err := engine.RenameDirect(dirNode, "a", d2, "a", false); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(upper, "d2", "a")); err != nil {
		t.Errorf("renamed file missing at destination: %v", err)
	}
	if got, ok := d2.Children["a"]; !ok || got.Path() != "/d2/a" {
		t.Errorf("destination node not registered correctly: %+v", got)
	}
}

func TestSetAttrTruncatesSize(t *testing.T) {
	upper := t.TempDir()
	engine, resolver, root := newFixture(t, upper)
	n, err := engine.Create(root, "a", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = resolver

	if err := engine.SetAttr(n, Attr{HasSize: true, Size: 5}); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(filepath.Join(upper, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 5 {
		t.Errorf("size = %d, want 5", st.Size())
	}
}
