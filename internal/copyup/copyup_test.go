package copyup

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/sandboxfs/overlayfs/internal/blockcrypto"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/wd"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

func newEngine(t *testing.T, upper, lower string) (*Engine, *layer.Stack) {
	t.Helper()
	return newEngineWithCrypto(t, upper, lower, nil)
}

func newEngineWithCrypto(t *testing.T, upper, lower string, crypto *blockcrypto.Manager) (*Engine, *layer.Stack) {
	t.Helper()
	stack := layer.NewStack(layer.NewDir(upper), []layer.Store{layer.NewDir(lower)})
	dir, err := wd.Open(filepath.Join(upper, "..", "work"))
	if err != nil {
		t.Fatal(err)
	}
	return New(stack, dir, crypto), stack
}

func TestUpCopiesRegularFileContent(t *testing.T) {
	upper, lower := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(lower, "a"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := unix.Setxattr(filepath.Join(lower, "a"), "user.note", []byte("v"), 0); err != nil {
		t.Skipf("xattrs unsupported on this filesystem: %v", err)
	}

	engine, _ := newEngine(t, upper, lower)
	root := node.NewRoot()
	file := node.New("a", root, false)
	file.Layer = 1
	root.AddChild(file)

	if err := engine.Up(file); err != nil {
		t.Fatal(err)
	}
	if file.Layer != 0 {
		t.Errorf("Layer = %d, want 0 (upper)", file.Layer)
	}

	got, err := os.ReadFile(filepath.Join(upper, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}

	buf := make([]byte, 64)
	if n, err := unix.Lgetxattr(filepath.Join(upper, "a"), "user.note", buf); err != nil || string(buf[:n]) != "v" {
		t.Errorf("xattr not copied up: %v", err)
	}

	buf = make([]byte, 64)
	n, err := unix.Lgetxattr(filepath.Join(upper, "a"), whiteout.OriginXattr, buf)
	if err != nil {
		t.Fatalf("origin xattr missing: %v", err)
	}
	if string(buf[:n]) != "a" {
		t.Errorf("origin xattr = %q, want %q", buf[:n], "a")
	}
}

func TestUpCopiesParentChainFirst(t *testing.T) {
	upper, lower := t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(lower, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lower, "d", "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, _ := newEngine(t, upper, lower)
	root := node.NewRoot()
	dir := node.New("d", root, true)
	dir.Layer = 1
	root.AddChild(dir)
	file := node.New("f", dir, false)
	file.Layer = 1
	dir.AddChild(file)

	if err := engine.Up(file); err != nil {
		t.Fatal(err)
	}
	if dir.Layer != 0 || file.Layer != 0 {
		t.Errorf("dir.Layer=%d file.Layer=%d, want both 0", dir.Layer, file.Layer)
	}
	if _, err := os.Stat(filepath.Join(upper, "d", "f")); err != nil {
		t.Errorf("copied-up file missing: %v", err)
	}
}

func TestUpEncryptsRegularFileContentUnderKeyedMount(t *testing.T) {
	upper, lower := t.TempDir(), t.TempDir()
	plain := []byte("hello, overlayfs")
	if err := os.WriteFile(filepath.Join(lower, "a"), plain, 0o644); err != nil {
		t.Fatal(err)
	}

	mgr, err := blockcrypto.NewManager(blockcrypto.DefaultConfig(), "test-password", []byte("test-salt"), 1)
	if err != nil {
		t.Fatal(err)
	}
	engine, _ := newEngineWithCrypto(t, upper, lower, mgr)
	root := node.NewRoot()
	file := node.New("a", root, false)
	file.Layer = 1
	root.AddChild(file)

	if err := engine.Up(file); err != nil {
		t.Fatal(err)
	}

	onDisk, err := os.ReadFile(filepath.Join(upper, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) == string(plain) {
		t.Error("upper-layer content is still plaintext after copy-up under a keyed mount")
	}

	dst, err := os.Open(filepath.Join(upper, "a"))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	codec := mgr.NewCodec()
	defer codec.Close()

	got := make([]byte, len(plain))
	n, err := codec.ReadAt(dst, int64(len(onDisk)), got, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:n]) != string(plain) {
		t.Errorf("decrypted content = %q, want %q", got[:n], plain)
	}
}

func TestUpNoUpperReturnsError(t *testing.T) {
	lower := t.TempDir()
	stack := layer.NewStack(nil, []layer.Store{layer.NewDir(lower)})
	d, err := wd.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := New(stack, d, nil)

	root := node.NewRoot()
	file := node.New("a", root, false)
	file.Layer = 0
	root.AddChild(file)

	if err := engine.Up(file); err != ErrNoUpper {
		t.Errorf("err = %v, want ErrNoUpper", err)
	}
}
