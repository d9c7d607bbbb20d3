// Package blockcrypto implements per-block encryption of upper-layer
// file content, with a full-block CBC path, a partial-block two-pass CFB
// path for the file's final, possibly short, block, and a one-block
// read/write cache per node.
//
// Block-cipher modes are driven with the standard library's
// crypto/cipher (see DESIGN.md for why no third-party block-cipher-mode
// library was adopted instead), plus golang.org/x/crypto/pbkdf2 for the
// startup key derivation and github.com/ncw/directio for page-aligned
// buffers when the backing fd is opened O_DIRECT.
package blockcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/ncw/directio"
	"golang.org/x/crypto/pbkdf2"
)

// ErrNotBlockAligned is returned when the full-block path is given a
// buffer whose length is not a multiple of the cipher's block size.
var ErrNotBlockAligned = errors.New("blockcrypto: buffer is not block-cipher aligned")

// ErrSizeMismatch signals crypto integrity failure: a decoded block came
// back a different length than what was asked for.
var ErrSizeMismatch = errors.New("blockcrypto: decoded size mismatch")

// Config holds the block-size, key-size, and allow-holes tunables.
type Config struct {
	BlockSize  int
	KeySize    int // bytes
	AllowHoles bool
	// ODirect requests page-aligned scratch buffers for use with a
	// backing fd opened O_DIRECT.
	ODirect bool
}

// DefaultConfig returns 1024-byte blocks, 256-bit keys, holes allowed.
func DefaultConfig() Config {
	return Config{BlockSize: 1024, KeySize: 32, AllowHoles: true}
}

// Manager owns the master key material derived once at startup and hands
// out per-node Codecs that share it. One Manager exists per mounted
// filesystem instance.
type Manager struct {
	cfg    Config
	key    []byte
	baseIV []byte
}

// NewManager derives the master key from password via PBKDF2 and
// constructs the shared base IV, once, at startup.
func NewManager(cfg Config, password string, salt []byte, iterations int) (*Manager, error) {
	if cfg.BlockSize <= 0 || cfg.BlockSize%aes.BlockSize != 0 {
		return nil, errors.New("blockcrypto: block size must be a positive multiple of the cipher block size")
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, cfg.KeySize, sha256.New)
	base := hmac.New(sha1.New, key)
	base.Write([]byte("overlayfs-block-base-iv"))
	sum := base.Sum(nil)
	return &Manager{cfg: cfg, key: key, baseIV: sum[:aes.BlockSize]}, nil
}

// NewCodec returns a fresh per-node cryptographic context. It implements
// node.Codec via Close.
func (m *Manager) NewCodec() *NodeCodec {
	return &NodeCodec{mgr: m}
}

// blockIV derives the IV for blockNum's pass-th encryption pass: an
// HMAC-SHA1 of (base IV ‖ block-number) truncated to the IV length. The
// stream path's second pass additionally folds in pass=1, giving it a
// distinct IV from the first.
func (m *Manager) blockIV(blockNum uint64, pass uint64) []byte {
	h := hmac.New(sha1.New, m.key)
	h.Write(m.baseIV)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], blockNum+pass)
	h.Write(n[:])
	sum := h.Sum(nil)
	return sum[:aes.BlockSize]
}

type blockCache struct {
	offset int64
	valid  int
	data   []byte
}

// NodeCodec is the per-node cryptographic context and one-block cache
// held behind node.Node's Codec field. Its mutex is finer-grained than,
// and independent of, the process-wide dispatch lock.
type NodeCodec struct {
	mu    sync.Mutex
	mgr   *Manager
	block cipher.Block
	cache blockCache
}

// Close releases the node's cipher context and clears its cache.
func (c *NodeCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = nil
	c.cache = blockCache{}
}

// InvalidateCache drops the node's single cached plaintext block without
// releasing its cipher context, for callers (SetAttr's truncate path)
// that know the backing content changed out from under the cache but
// will keep using the codec afterward.
func (c *NodeCodec) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCache()
}

func (c *NodeCodec) ensureBlock() (cipher.Block, error) {
	if c.block == nil {
		b, err := aes.NewCipher(c.mgr.key)
		if err != nil {
			return nil, err
		}
		c.block = b
	}
	return c.block, nil
}

func (c *NodeCodec) scratch(n int) []byte {
	if c.mgr.cfg.ODirect {
		return directio.AlignedBlock(n)
	}
	return make([]byte, n)
}

// blockEncode is the full-block path: plain must be a multiple of the
// cipher's block size.
func (c *NodeCodec) blockEncode(blockNum uint64, plain []byte) ([]byte, error) {
	if len(plain)%aes.BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	block, err := c.ensureBlock()
	if err != nil {
		return nil, err
	}
	out := c.scratch(len(plain))
	cipher.NewCBCEncrypter(block, c.mgr.blockIV(blockNum, 0)).CryptBlocks(out, plain)
	return out, nil
}

// blockDecode is the full-block path's inverse, with a hole
// optimization: an all-zero ciphertext block decodes to plaintext zeros
// without running the cipher, when holes are allowed.
func (c *NodeCodec) blockDecode(blockNum uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	if c.mgr.cfg.AllowHoles && allZero(ciphertext) {
		return make([]byte, len(ciphertext)), nil
	}
	block, err := c.ensureBlock()
	if err != nil {
		return nil, err
	}
	out := c.scratch(len(ciphertext))
	cipher.NewCBCDecrypter(block, c.mgr.blockIV(blockNum, 0)).CryptBlocks(out, ciphertext)
	return out, nil
}

// streamEncode is the partial-block path: a two-pass CFB construction,
// with an XOR cascade and a byte-reversal between passes, so the
// ciphertext of every byte depends on every other byte in the block in
// both directions.
func (c *NodeCodec) streamEncode(blockNum uint64, plain []byte) ([]byte, error) {
	block, err := c.ensureBlock()
	if err != nil {
		return nil, err
	}
	buf := append([]byte(nil), plain...)

	cascadeForward(buf)
	cipher.NewCFBEncrypter(block, c.mgr.blockIV(blockNum, 0)).XORKeyStream(buf, buf)
	reverseBytes(buf)
	cascadeForward(buf)
	cipher.NewCFBEncrypter(block, c.mgr.blockIV(blockNum, 1)).XORKeyStream(buf, buf)

	return buf, nil
}

// streamDecode reverses streamEncode's five steps in exact reverse order.
func (c *NodeCodec) streamDecode(blockNum uint64, ciphertext []byte) ([]byte, error) {
	block, err := c.ensureBlock()
	if err != nil {
		return nil, err
	}
	buf := append([]byte(nil), ciphertext...)

	cipher.NewCFBDecrypter(block, c.mgr.blockIV(blockNum, 1)).XORKeyStream(buf, buf)
	cascadeInverse(buf)
	reverseBytes(buf)
	cipher.NewCFBDecrypter(block, c.mgr.blockIV(blockNum, 0)).XORKeyStream(buf, buf)
	cascadeInverse(buf)

	return buf, nil
}

// cascadeForward applies the forward XOR cascade ("shuffle"): each byte
// is XORed with the cascaded value of the byte before it.
func cascadeForward(b []byte) {
	var prev byte
	for i := range b {
		b[i] ^= prev
		prev = b[i]
	}
}

// cascadeInverse undoes cascadeForward.
func cascadeInverse(b []byte) {
	var prev byte
	for i := range b {
		cur := b[i]
		b[i] = cur ^ prev
		prev = cur
	}
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// encodeBlockAt and decodeBlockAt dispatch to the full-block or
// partial-block path by length: every block but the file's last is kept
// full-size, so a short buffer only ever occurs for that final block.
func (c *NodeCodec) encodeBlockAt(blockNum uint64, plain []byte) ([]byte, error) {
	if int64(len(plain)) == int64(c.mgr.cfg.BlockSize) {
		return c.blockEncode(blockNum, plain)
	}
	return c.streamEncode(blockNum, plain)
}

func (c *NodeCodec) decodeBlockAt(blockNum uint64, ciphertext []byte) ([]byte, error) {
	if int64(len(ciphertext)) == int64(c.mgr.cfg.BlockSize) {
		return c.blockDecode(blockNum, ciphertext)
	}
	return c.streamDecode(blockNum, ciphertext)
}

// fetch loads blockNum's plaintext, consulting and refreshing the
// one-block cache. It assumes the block already exists in the backing
// store; callers extending a file past its old size must not call fetch
// for newly-introduced blocks (see WriteAt).
func (c *NodeCodec) fetch(backing io.ReaderAt, blockNum uint64) ([]byte, int, error) {
	bs := int64(c.mgr.cfg.BlockSize)
	blockStart := int64(blockNum) * bs

	c.mu.Lock()
	if c.cache.valid > 0 && c.cache.offset == blockStart {
		data, valid := c.cache.data, c.cache.valid
		c.mu.Unlock()
		return data, valid, nil
	}
	c.mu.Unlock()

	raw := c.scratch(int(bs))
	n, err := backing.ReadAt(raw, blockStart)
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	raw = raw[:n]
	if n == 0 {
		return nil, 0, nil
	}

	plain, err := c.decodeBlockAt(blockNum, raw)
	if err != nil {
		return nil, 0, err
	}
	if len(plain) != len(raw) {
		return nil, 0, ErrSizeMismatch
	}

	c.mu.Lock()
	c.cache = blockCache{offset: blockStart, valid: len(plain), data: plain}
	c.mu.Unlock()
	return plain, len(plain), nil
}

// store encrypts plain and writes it at blockNum's backing offset,
// updating the cache to match what was persisted, or clearing it on
// write failure.
func (c *NodeCodec) store(backing io.WriterAt, blockNum uint64, plain []byte) error {
	blockStart := int64(blockNum) * int64(c.mgr.cfg.BlockSize)
	ciphertext, err := c.encodeBlockAt(blockNum, plain)
	if err != nil {
		c.clearCache()
		return err
	}
	if _, err := backing.WriteAt(ciphertext, blockStart); err != nil {
		c.clearCache()
		return err
	}
	c.mu.Lock()
	c.cache = blockCache{offset: blockStart, valid: len(plain), data: append([]byte(nil), plain...)}
	c.mu.Unlock()
	return nil
}

func (c *NodeCodec) clearCache() {
	c.mu.Lock()
	c.cache = blockCache{}
	c.mu.Unlock()
}
