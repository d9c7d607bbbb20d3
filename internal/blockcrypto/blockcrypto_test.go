package blockcrypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, "correct horse battery staple", []byte("salt"), 1000)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	m := testManager(t, DefaultConfig())
	c := m.NewCodec()

	plain := bytes.Repeat([]byte("x"), m.cfg.BlockSize)
	ct, err := c.blockEncode(3, plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct, plain) {
		t.Fatal("ciphertext must not equal plaintext")
	}
	pt, err := c.blockDecode(3, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plain) {
		t.Errorf("round trip mismatch")
	}
}

func TestStreamEncodeDecodeRoundTrip(t *testing.T) {
	m := testManager(t, DefaultConfig())
	c := m.NewCodec()

	plain := []byte("a partial trailing block of odd length")
	ct, err := c.streamEncode(7, plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct, plain) {
		t.Fatal("ciphertext must not equal plaintext")
	}
	pt, err := c.streamDecode(7, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plain) {
		t.Errorf("streamDecode(streamEncode(x)) = %q, want %q", pt, plain)
	}
}

func TestHoleOptimizationSkipsDecrypt(t *testing.T) {
	cfg := DefaultConfig()
	m := testManager(t, cfg)
	c := m.NewCodec()

	zeroCipher := make([]byte, cfg.BlockSize)
	plain, err := c.blockDecode(1, zeroCipher)
	if err != nil {
		t.Fatal(err)
	}
	if !allZero(plain) {
		t.Errorf("expected all-zero plaintext for all-zero ciphertext with holes enabled")
	}
}

func openBacking(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadWriteAtRoundTripAcrossBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 64
	m := testManager(t, cfg)
	c := m.NewCodec()
	f := openBacking(t)

	content := bytes.Repeat([]byte("0123456789"), 20) // 200 bytes, spans several 64-byte blocks
	newSize, n, err := c.WriteAt(f, 0, content, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(content) || newSize != int64(len(content)) {
		t.Fatalf("WriteAt n=%d newSize=%d, want %d", n, newSize, len(content))
	}

	out := make([]byte, len(content))
	rn, err := c.ReadAt(f, newSize, out, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rn != len(content) || !bytes.Equal(out, content) {
		t.Errorf("read back = %q (n=%d), want %q", out, rn, content)
	}
}

func TestWriteAtPadsGapWithHoles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 64
	cfg.AllowHoles = true
	m := testManager(t, cfg)
	c := m.NewCodec()
	f := openBacking(t)

	if _, _, err := c.WriteAt(f, 0, []byte("start"), 0); err != nil {
		t.Fatal(err)
	}
	// Write far beyond the current end; the gap must read back as zero.
	newSize, _, err := c.WriteAt(f, 5, []byte("end"), 200)
	if err != nil {
		t.Fatal(err)
	}
	if newSize != 203 {
		t.Fatalf("newSize = %d, want 203", newSize)
	}

	gap := make([]byte, 195)
	n, err := c.ReadAt(f, newSize, gap, 5)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(gap) || !allZero(gap) {
		t.Errorf("gap not all zero: n=%d gap=%v", n, gap)
	}

	tail := make([]byte, 3)
	if _, err := c.ReadAt(f, newSize, tail, 200); err != nil {
		t.Fatal(err)
	}
	if string(tail) != "end" {
		t.Errorf("tail = %q, want %q", tail, "end")
	}
}
