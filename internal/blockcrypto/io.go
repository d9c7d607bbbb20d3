package blockcrypto

import "io"

// Backing is what WriteAt needs from the upper-layer file descriptor: a
// byte-addressable, truncatable random-access file.
type Backing interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
}

// ReadAt decrypts fileSize bytes of backing starting at off into p. It
// never reads past fileSize.
func (c *NodeCodec) ReadAt(backing io.ReaderAt, fileSize int64, p []byte, off int64) (int, error) {
	bs := int64(c.mgr.cfg.BlockSize)
	total := 0
	for total < len(p) {
		curOff := off + int64(total)
		if curOff >= fileSize {
			break
		}
		blockNum := uint64(curOff / bs)
		plain, valid, err := c.fetch(backing, blockNum)
		if err != nil {
			return total, err
		}
		inOff := int(curOff - int64(blockNum)*bs)
		if inOff >= valid {
			break
		}
		n := copy(p[total:], plain[inOff:valid])
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

// WriteAt encrypts p into backing at off: if the write extends past
// currentSize, the gap is padded first (extending the prior last block
// to full size, then a hole or explicit zero-block region up to off),
// then p is merged into the blocks it touches, re-encoding each in full.
// It returns the file's new logical size.
func (c *NodeCodec) WriteAt(backing Backing, currentSize int64, p []byte, off int64) (newSize int64, n int, err error) {
	endOff := off + int64(len(p))
	newSize = currentSize
	if endOff > currentSize {
		if err := c.padGap(backing, currentSize, off); err != nil {
			return currentSize, 0, err
		}
		newSize = endOff
	}

	bs := int64(c.mgr.cfg.BlockSize)
	written := 0
	for written < len(p) {
		curOff := off + int64(written)
		blockNum := uint64(curOff / bs)
		blockStart := int64(blockNum) * bs
		inOff := int(curOff - blockStart)

		chunkLen := int(bs) - inOff
		if remain := len(p) - written; chunkLen > remain {
			chunkLen = remain
		}

		plain, valid, err := c.existingPlain(backing, blockNum, blockStart, currentSize)
		if err != nil {
			return newSize, written, err
		}
		need := inOff + chunkLen
		if need > len(plain) {
			grown := make([]byte, need)
			copy(grown, plain[:valid])
			plain = grown
		}
		copy(plain[inOff:inOff+chunkLen], p[written:written+chunkLen])
		validLen := need
		if valid > validLen {
			validLen = valid
		}
		// Never exceed the file's new logical block extent.
		if blockStart+int64(validLen) > newSize {
			validLen = int(newSize - blockStart)
		}

		if err := c.store(backing, blockNum, plain[:validLen]); err != nil {
			return newSize, written, err
		}
		written += chunkLen
	}
	return newSize, written, nil
}

// existingPlain returns the plaintext already on disk for blockNum, or a
// zero-length buffer if blockNum lies at or beyond the file's size
// before this write began (a block padGap has already zero-filled or
// truncated into existence, never encoded, so there is nothing to
// decode).
func (c *NodeCodec) existingPlain(backing io.ReaderAt, blockNum uint64, blockStart, currentSize int64) ([]byte, int, error) {
	if blockStart >= currentSize {
		return nil, 0, nil
	}
	return c.fetch(backing, blockNum)
}

// padGap fills the region [currentSize, target) ahead of a write that
// starts beyond the file's current end: the previous last block (if
// partial) is re-encoded at full size, and the remainder is either left
// a sparse hole (AllowHoles) or written out as explicit zero blocks.
func (c *NodeCodec) padGap(backing Backing, currentSize, target int64) error {
	if target <= currentSize {
		return nil
	}
	bs := int64(c.mgr.cfg.BlockSize)

	if currentSize > 0 && currentSize%bs != 0 {
		lastBlockNum := uint64(currentSize / bs)
		lastBlockStart := int64(lastBlockNum) * bs
		plain, valid, err := c.fetch(backing, lastBlockNum)
		if err != nil {
			return err
		}
		full := make([]byte, bs)
		copy(full, plain[:valid])
		if err := c.store(backing, lastBlockNum, full); err != nil {
			return err
		}
		_ = lastBlockStart
	}

	if c.mgr.cfg.AllowHoles {
		return backing.Truncate(target)
	}

	start := currentSize
	if start%bs != 0 {
		start = (start/bs + 1) * bs
	}
	for pos := start; pos < target; pos += bs {
		blockNum := uint64(pos / bs)
		size := bs
		if pos+size > target {
			size = target - pos
		}
		if err := c.store(backing, blockNum, make([]byte, size)); err != nil {
			return err
		}
	}
	return nil
}
