package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/sandboxfs/overlayfs/internal/config"
	"github.com/sandboxfs/overlayfs/internal/copyup"
	"github.com/sandboxfs/overlayfs/internal/hidelist"
	"github.com/sandboxfs/overlayfs/internal/idmap"
	"github.com/sandboxfs/overlayfs/internal/layer"
	"github.com/sandboxfs/overlayfs/internal/mutate"
	"github.com/sandboxfs/overlayfs/internal/node"
	"github.com/sandboxfs/overlayfs/internal/resolve"
	"github.com/sandboxfs/overlayfs/internal/wd"
	"github.com/sandboxfs/overlayfs/internal/whiteout"
)

func newFixture(t *testing.T, upper string, lowers ...string) fuse.RawFileSystem {
	t.Helper()
	var lowerStores []layer.Store
	for _, l := range lowers {
		lowerStores = append(lowerStores, layer.NewDir(l))
	}
	stack := layer.NewStack(layer.NewDir(upper), lowerStores)
	table := node.NewTable()
	hide, _ := hidelist.Load("/does/not/exist")
	resolver := resolve.New(stack, hide, table)
	workDir, err := wd.Open(filepath.Join(upper, "..", "work"))
	if err != nil {
		t.Fatal(err)
	}
	copyEng := copyup.New(stack, workDir, nil)
	caps := whiteout.NewCapabilities()
	mutEng := mutate.New(stack, workDir, copyEng, caps, table, resolver, hide)
	ids := idmap.Identity()
	log := logrus.NewEntry(logrus.New())
	return New(config.Default(), stack, table, resolver, hide, copyEng, mutEng, nil, nil, ids, ids, caps, workDir, log)
}

func lookup(t *testing.T, fs fuse.RawFileSystem, parent uint64, name string) *fuse.EntryOut {
	t.Helper()
	var out fuse.EntryOut
	status := fs.Lookup(nil, &fuse.InHeader{NodeId: parent}, name, &out)
	if status != fuse.OK {
		t.Fatalf("Lookup(%q) = %v", name, status)
	}
	return &out
}

func TestMkdirThenLookupRoundTrips(t *testing.T) {
	upper := t.TempDir()
	fs := newFixture(t, upper)

	var mkdirOut fuse.EntryOut
	status := fs.Mkdir(nil, &fuse.MkdirIn{InHeader: fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, Mode: 0o755}, "d", &mkdirOut)
	if status != fuse.OK {
		t.Fatalf("Mkdir = %v", status)
	}

	out := lookup(t, fs, fuse.FUSE_ROOT_ID, "d")
	if out.NodeId != mkdirOut.NodeId {
		t.Errorf("NodeId mismatch: lookup=%d mkdir=%d", out.NodeId, mkdirOut.NodeId)
	}
	if _, err := os.Stat(filepath.Join(upper, "d")); err != nil {
		t.Errorf("directory not created on disk: %v", err)
	}
}

func TestCreateWriteReadRoundTrips(t *testing.T) {
	upper := t.TempDir()
	fs := newFixture(t, upper)

	var createOut fuse.CreateOut
	status := fs.Create(nil, &fuse.CreateIn{InHeader: fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, Mode: 0o644}, "f", &createOut)
	if status != fuse.OK {
		t.Fatalf("Create = %v", status)
	}

	payload := []byte("overlayfs")
	wrote, status := fs.Write(nil, &fuse.WriteIn{Fh: createOut.Fh}, payload)
	if status != fuse.OK {
		t.Fatalf("Write = %v", status)
	}
	if int(wrote) != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", wrote, len(payload))
	}

	buf := make([]byte, len(payload))
	result, status := fs.Read(nil, &fuse.ReadIn{Fh: createOut.Fh}, buf)
	if status != fuse.OK {
		t.Fatalf("Read = %v", status)
	}
	data, status := result.Bytes(buf)
	if status != fuse.OK {
		t.Fatalf("Bytes = %v", status)
	}
	if string(data) != string(payload) {
		t.Errorf("read back %q, want %q", data, payload)
	}

	fs.Release(nil, &fuse.ReleaseIn{Fh: createOut.Fh})
}

func TestUnlinkRemovesEntry(t *testing.T) {
	upper := t.TempDir()
	fs := newFixture(t, upper)

	var createOut fuse.CreateOut
	if status := fs.Create(nil, &fuse.CreateIn{InHeader: fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, Mode: 0o644}, "f", &createOut); status != fuse.OK {
		t.Fatalf("Create = %v", status)
	}
	fs.Release(nil, &fuse.ReleaseIn{Fh: createOut.Fh})

	if status := fs.Unlink(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "f"); status != fuse.OK {
		t.Fatalf("Unlink = %v", status)
	}

	var out fuse.EntryOut
	if status := fs.Lookup(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "f", &out); status != fuse.ENOENT {
		t.Errorf("Lookup after Unlink = %v, want ENOENT", status)
	}
}

func TestOpenDirMergesLowerAndUpperEntries(t *testing.T) {
	lower := t.TempDir()
	upper := t.TempDir()
	if err := os.WriteFile(filepath.Join(lower, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs := newFixture(t, upper, lower)

	var createOut fuse.CreateOut
	if status := fs.Create(nil, &fuse.CreateIn{InHeader: fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, Mode: 0o644}, "b", &createOut); status != fuse.OK {
		t.Fatalf("Create = %v", status)
	}
	fs.Release(nil, &fuse.ReleaseIn{Fh: createOut.Fh})

	var openOut fuse.OpenOut
	if status := fs.OpenDir(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}}, &openOut); status != fuse.OK {
		t.Fatalf("OpenDir = %v", status)
	}
	defer fs.ReleaseDir(&fuse.ReleaseIn{Fh: openOut.Fh})

	h := fs.(*overlayFS).handleByFh(openOut.Fh)
	if h == nil {
		t.Fatal("handle not registered")
	}
	names := map[string]bool{}
	for _, e := range h.entries {
		names[e.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("merged listing = %v, want both \"a\" (lower) and \"b\" (upper)", names)
	}
}
