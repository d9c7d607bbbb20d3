package whiteout

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestIsWhiteoutName(t *testing.T) {
	if !IsWhiteoutName(".wh.foo") {
		t.Error(".wh.foo should be a whiteout name")
	}
	if IsWhiteoutName(OpaqueSentinel) {
		t.Error("opaque sentinel should not be treated as a per-name whiteout")
	}
	if IsWhiteoutName("foo") {
		t.Error("foo should not be a whiteout name")
	}
	if TargetName(WhiteoutName("foo")) != "foo" {
		t.Error("round trip through WhiteoutName/TargetName failed")
	}
}

func TestWhiteoutFallsBackToRegularFile(t *testing.T) {
	dir := t.TempDir()
	c := NewCapabilities()
	c.canMknod = false // simulate a process lacking CAP_MKNOD

	if err := c.Whiteout(dir, "victim"); err != nil {
		t.Fatalf("Whiteout: %v", err)
	}
	path := filepath.Join(dir, WhiteoutName("victim"))
	if _, err := os.Lstat(path); err != nil {
		t.Errorf("expected whiteout regular file at %s: %v", path, err)
	}
}

func TestSetOpaqueFallsBackToSentinel(t *testing.T) {
	dir := t.TempDir()
	c := NewCapabilities()
	c.canSetOpaque = false // simulate xattrs unsupported

	if err := c.SetOpaque(dir); err != nil {
		t.Fatalf("SetOpaque: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, OpaqueSentinel)); err != nil {
		t.Errorf("expected opaque sentinel file: %v", err)
	}
}

func TestIsWhiteoutDevice(t *testing.T) {
	st := &syscall.Stat_t{Mode: syscall.S_IFCHR, Rdev: 0}
	if !IsWhiteoutDevice(st) {
		t.Error("char device (0,0) should be recognized as a whiteout")
	}
	st.Mode = syscall.S_IFREG
	if IsWhiteoutDevice(st) {
		t.Error("regular file should not be a whiteout device")
	}
}
