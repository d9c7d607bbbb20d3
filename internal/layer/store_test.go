package layer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirStatAndReaddir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := NewDir(root)

	st, err := d.Stat("a")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 5 {
		t.Errorf("size = %d, want 5", st.Size)
	}

	entries, err := d.Readdir("")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["a"] || !names["d"] {
		t.Errorf("Readdir = %v, want a and d", names)
	}
}

func TestDirXattrRoundTrip(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDir(root)

	if b, err := d.Getxattr("f", "user.test"); err != nil || b != nil {
		t.Fatalf("Getxattr on absent attr = %v, %v", b, err)
	}
}

func TestDirExists(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "present"), nil, 0o644)
	d := NewDir(root)
	if !d.Exists("present") {
		t.Error("Exists(present) = false")
	}
	if d.Exists("absent") {
		t.Error("Exists(absent) = true")
	}
}

func TestStackOrdering(t *testing.T) {
	upper := NewDir(t.TempDir())
	l1 := NewDir(t.TempDir())
	l2 := NewDir(t.TempDir())

	s := NewStack(upper, []Store{l1, l2})
	if !s.HasUpper() {
		t.Fatal("HasUpper() = false")
	}
	if s.NumLayers() != 3 {
		t.Fatalf("NumLayers() = %d, want 3", s.NumLayers())
	}
	if s.At(0).Store != upper {
		t.Error("layer 0 is not the upper store")
	}
	if s.At(1).Store != l1 || s.At(2).Store != l2 {
		t.Error("lower ordering not preserved")
	}

	noUpper := NewStack(nil, []Store{l1})
	if noUpper.HasUpper() {
		t.Error("HasUpper() = true with nil upper")
	}
}
