package crypt

import (
	"crypto/aes"
	"errors"
	"io"
)

// Stream errors
var (
	// ErrStreamError reports a failed or short backing-store write. The
	// stream must be discarded by the caller.
	ErrStreamError = errors.New("protected stream write failed")
	// ErrNegativeOffset reports a negative logical offset.
	ErrNegativeOffset = errors.New("negative stream offset")
)

// BlockStream is a random-access plaintext view layered over an
// encrypted backing store. Logical offsets are in plaintext space; the
// stream translates them to ciphertext block ranges, decrypting and
// re-encrypting whole blocks as needed.
//
// The stream keeps a single cached block. Operations on one stream must
// be serialized by the caller; the stream itself does not lock.
type BlockStream struct {
	provider     CryptoProvider
	store        Store
	contentStart int64
	contentSize  int64
	blockSize    int64

	cache      []byte
	cacheBlock int64
	cacheDirty bool
}

// NewBlockStream creates a plaintext view over store. contentSize is the
// current logical plaintext size (zero for a fresh stream). The stream
// block size is 512 when the provider's block size is 512, 4096
// otherwise.
func NewBlockStream(provider CryptoProvider, store Store, contentStart, contentSize int64) *BlockStream {
	return &BlockStream{
		provider:     provider,
		store:        store,
		contentStart: contentStart,
		contentSize:  contentSize,
		blockSize:    streamBlockSize(provider),
		cacheBlock:   -1,
	}
}

// NewBlockStreamReader creates a read view over an existing ciphertext
// region of cipherSize bytes starting at contentStart. The logical
// plaintext size is recovered from the final block's padding (CBC) or
// equals the ciphertext size (ECB).
func NewBlockStreamReader(provider CryptoProvider, store Store, contentStart, cipherSize int64) (*BlockStream, error) {
	bs := &BlockStream{
		provider:     provider,
		store:        store,
		contentStart: contentStart,
		blockSize:    streamBlockSize(provider),
		cacheBlock:   -1,
	}
	if cipherSize == 0 {
		return bs, nil
	}
	if cipherSize < 0 || cipherSize%aes.BlockSize != 0 {
		return nil, ErrCipherFailure
	}
	if provider.Mode() == CipherModeECB {
		bs.contentSize = cipherSize
		return bs, nil
	}
	// Ciphertext layout: all blocks but the last are exactly blockSize;
	// the remainder (or a trailing full block) is the padded final block.
	finalCipher := cipherSize % bs.blockSize
	if finalCipher == 0 {
		finalCipher = bs.blockSize
	}
	finalBlock := (cipherSize - finalCipher) / bs.blockSize
	buf := make([]byte, finalCipher)
	if _, err := store.ReadAt(buf, contentStart+finalBlock*bs.blockSize); err != nil {
		return nil, ErrCipherFailure
	}
	plain, err := provider.DecryptBlock(buf, uint64(finalBlock), true)
	if err != nil {
		return nil, err
	}
	bs.contentSize = finalBlock*bs.blockSize + int64(len(plain))
	bs.cache = plain
	bs.cacheBlock = finalBlock
	return bs, nil
}

// streamBlockSize maps a provider block size to the stream block size.
func streamBlockSize(provider CryptoProvider) int64 {
	if provider.BlockSize() == 512 {
		return 512
	}
	return 4096
}

// Size returns the current logical plaintext size.
func (bs *BlockStream) Size() int64 {
	return bs.contentSize
}

// Clone returns a second handle over the same backing store with an
// independent block cache. Flush the original first if it has pending
// writes.
func (bs *BlockStream) Clone() *BlockStream {
	return &BlockStream{
		provider:     bs.provider.Clone(),
		store:        bs.store,
		contentStart: bs.contentStart,
		contentSize:  bs.contentSize,
		blockSize:    bs.blockSize,
		cacheBlock:   -1,
	}
}

// ReadAt reads up to len(p) plaintext bytes at logical offset off.
// Reads past the logical end return a short count and io.EOF.
func (bs *BlockStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= bs.contentSize {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > bs.contentSize {
		want = bs.contentSize - off
	}
	var n int64
	for n < want {
		block := (off + n) / bs.blockSize
		if err := bs.loadBlock(block); err != nil {
			return int(n), err
		}
		inOff := (off + n) - block*bs.blockSize
		c := copy(p[n:want], bs.cache[inOff:])
		n += int64(c)
	}
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt writes len(p) plaintext bytes at logical offset off, growing
// the stream when the write extends past the current end.
func (bs *BlockStream) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	var n int64
	total := int64(len(p))
	for n < total {
		pos := off + n
		block := pos / bs.blockSize
		inOff := pos - block*bs.blockSize
		chunk := bs.blockSize - inOff
		if rem := total - n; rem < chunk {
			chunk = rem
		}

		if inOff == 0 && chunk == bs.blockSize {
			// Whole-block overwrite, no need to decrypt the old content.
			if bs.cacheBlock != block {
				if err := bs.flushCache(); err != nil {
					return int(n), err
				}
			}
			bs.cache = append(bs.cache[:0], p[n:n+chunk]...)
			bs.cacheBlock = block
		} else {
			if err := bs.loadBlock(block); err != nil {
				return int(n), err
			}
			if need := inOff + chunk; int64(len(bs.cache)) < need {
				bs.cache = append(bs.cache, make([]byte, need-int64(len(bs.cache)))...)
			}
			copy(bs.cache[inOff:], p[n:n+chunk])
		}
		bs.cacheDirty = true
		if end := pos + chunk; end > bs.contentSize {
			bs.contentSize = end
		}
		n += chunk
	}
	return int(n), nil
}

// Flush forces any cached block through the cipher to the backing
// store, finalizing the stream's last block. The stream remains usable;
// later writes re-open the final block.
func (bs *BlockStream) Flush() error {
	if err := bs.flushCache(); err != nil {
		return err
	}
	if bs.provider.Mode() == CipherModeECB {
		return nil
	}
	// CBC streams whose size is block-aligned carry a trailing pad-only
	// final block so the plaintext size is recoverable on read.
	if bs.contentSize%bs.blockSize == 0 && bs.contentSize > 0 {
		block := bs.contentSize / bs.blockSize
		ct, err := bs.provider.EncryptBlock(nil, uint64(block), true)
		if err != nil {
			return ErrCipherFailure
		}
		return bs.writeCipher(ct, block)
	}
	return nil
}

// loadBlock brings the given block into the cache, flushing the
// previously cached block first.
func (bs *BlockStream) loadBlock(block int64) error {
	if bs.cacheBlock == block {
		return nil
	}
	if err := bs.flushCache(); err != nil {
		return err
	}
	plainLen := bs.contentSize - block*bs.blockSize
	if plainLen > bs.blockSize {
		plainLen = bs.blockSize
	}
	if plainLen <= 0 {
		bs.cache = bs.cache[:0]
		bs.cacheBlock = block
		return nil
	}
	final := bs.isFinal(block, plainLen)
	cipherLen := bs.cipherLen(plainLen, final)
	buf := make([]byte, cipherLen)
	if _, err := bs.store.ReadAt(buf, bs.contentStart+block*bs.blockSize); err != nil {
		return ErrCipherFailure
	}
	plain, err := bs.provider.DecryptBlock(buf, uint64(block), final)
	if err != nil {
		return err
	}
	if int64(len(plain)) > plainLen {
		plain = plain[:plainLen]
	}
	bs.cache = plain
	bs.cacheBlock = block
	return nil
}

// flushCache encrypts and writes the cached block if it is dirty.
func (bs *BlockStream) flushCache() error {
	if !bs.cacheDirty || bs.cacheBlock < 0 {
		bs.cacheDirty = false
		return nil
	}
	final := bs.isFinal(bs.cacheBlock, int64(len(bs.cache)))
	ct, err := bs.provider.EncryptBlock(bs.cache, uint64(bs.cacheBlock), final)
	if err != nil {
		return ErrCipherFailure
	}
	if err := bs.writeCipher(ct, bs.cacheBlock); err != nil {
		return err
	}
	bs.cacheDirty = false
	return nil
}

// isFinal reports whether a block of plainLen bytes is the stream's
// padded final block. Full blocks are never final; a block-aligned
// stream ends with a separate pad-only block.
func (bs *BlockStream) isFinal(block, plainLen int64) bool {
	if bs.provider.Mode() == CipherModeECB {
		return plainLen%aes.BlockSize != 0
	}
	return plainLen < bs.blockSize && block == (bs.contentSize-1)/bs.blockSize
}

// cipherLen returns the on-store ciphertext length of a block holding
// plainLen plaintext bytes.
func (bs *BlockStream) cipherLen(plainLen int64, final bool) int64 {
	if !final || bs.provider.Mode() == CipherModeECB {
		return (plainLen + aes.BlockSize - 1) &^ (aes.BlockSize - 1)
	}
	return (plainLen + aes.BlockSize) &^ (aes.BlockSize - 1)
}

// writeCipher writes one encrypted block at its store offset.
func (bs *BlockStream) writeCipher(ct []byte, block int64) error {
	n, err := bs.store.WriteAt(ct, bs.contentStart+block*bs.blockSize)
	if err != nil || n != len(ct) {
		return ErrStreamError
	}
	return nil
}

// EncryptedSize returns the ciphertext size a stream of contentSize
// plaintext bytes occupies after Flush.
func EncryptedSize(provider CryptoProvider, contentSize int64) int64 {
	if contentSize == 0 {
		return 0
	}
	if provider.Mode() == CipherModeECB {
		return (contentSize + aes.BlockSize - 1) &^ (aes.BlockSize - 1)
	}
	blockSize := streamBlockSize(provider)
	rem := contentSize % blockSize
	return contentSize - rem + ((rem + aes.BlockSize) &^ (aes.BlockSize - 1))
}
