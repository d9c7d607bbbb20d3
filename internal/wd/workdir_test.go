package wd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStageNamesAreUniqueAndMonotonic(t *testing.T) {
	dir, err := Open(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		p := dir.Stage()
		if seen[p] {
			t.Fatalf("Stage() produced a repeated path %s", p)
		}
		seen[p] = true
	}
}

func TestDiscardRemovesStagingEntry(t *testing.T) {
	dir, err := Open(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatal(err)
	}
	p := dir.Stage()
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	Discard(p)
	if _, err := os.Lstat(p); !os.IsNotExist(err) {
		t.Errorf("expected staging path removed, got err=%v", err)
	}
}
