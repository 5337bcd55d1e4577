// Package crypt provides the symmetric ciphers and the block-based
// protected stream used to encrypt document content.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Common errors
var (
	ErrKeySize        = errors.New("invalid key size")
	ErrBlockAlignment = errors.New("input is not a multiple of the cipher block size")
	ErrCipherFailure  = errors.New("cipher operation failed")
)

// CipherMode selects the symmetric cipher configuration of a provider.
type CipherMode int

const (
	// CipherModeECB is AES-128 ECB. Deprecated algorithm, kept for
	// compatibility with content protected by older clients.
	CipherModeECB CipherMode = iota
	// CipherModeCBC512 is AES-128 CBC over 512-byte stream blocks.
	CipherModeCBC512
	// CipherModeCBC4K is AES-128 CBC over 4096-byte stream blocks.
	CipherModeCBC4K
)

// String returns the mode name.
func (m CipherMode) String() string {
	switch m {
	case CipherModeECB:
		return "AES128-ECB"
	case CipherModeCBC512:
		return "AES128-CBC512"
	case CipherModeCBC4K:
		return "AES128-CBC4K"
	}
	return "unknown"
}

// CryptoProvider encrypts and decrypts one stream block at a time.
// Block numbers are logical indexes into the protected stream; CBC modes
// use them to derive the block IV, ECB ignores them.
//
// A provider must be cloneable: the stream layer never locks around it.
type CryptoProvider interface {
	// Mode returns the cipher configuration.
	Mode() CipherMode
	// BlockSize returns the cipher block granularity in bytes:
	// 512 for CBC-512, 4096 for CBC-4K and 16 for ECB.
	BlockSize() int
	// EncryptBlock encrypts one stream block. Non-final blocks must be a
	// multiple of 16 bytes. The final block of a stream is padded by the
	// provider: CBC modes apply PKCS#7 (always at least one pad byte),
	// ECB zero-pads to the AES block size.
	EncryptBlock(plain []byte, blockNumber uint64, final bool) ([]byte, error)
	// DecryptBlock decrypts one stream block, stripping the final-block
	// padding when final is set. len(cipherText) must be a multiple of 16.
	DecryptBlock(cipherText []byte, blockNumber uint64, final bool) ([]byte, error)
	// Clone returns an independent provider over the same key material.
	Clone() CryptoProvider
}

// AESProvider implements CryptoProvider with AES-128.
type AESProvider struct {
	key   []byte
	mode  CipherMode
	block cipher.Block
}

// NewAESProvider creates a provider for the given 16-byte key and mode.
func NewAESProvider(key []byte, mode CipherMode) (*AESProvider, error) {
	if len(key) != 16 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &AESProvider{key: k, mode: mode, block: block}, nil
}

// Mode implements CryptoProvider.
func (p *AESProvider) Mode() CipherMode {
	return p.mode
}

// BlockSize implements CryptoProvider.
func (p *AESProvider) BlockSize() int {
	switch p.mode {
	case CipherModeCBC512:
		return 512
	case CipherModeCBC4K:
		return 4096
	default:
		return aes.BlockSize
	}
}

// EncryptBlock implements CryptoProvider.
func (p *AESProvider) EncryptBlock(plain []byte, blockNumber uint64, final bool) ([]byte, error) {
	if final {
		plain = p.padFinal(plain)
	}
	if len(plain)%aes.BlockSize != 0 {
		return nil, ErrBlockAlignment
	}
	out := make([]byte, len(plain))
	if p.mode == CipherModeECB {
		for i := 0; i < len(plain); i += aes.BlockSize {
			p.block.Encrypt(out[i:i+aes.BlockSize], plain[i:i+aes.BlockSize])
		}
		return out, nil
	}
	iv, err := p.blockIV(blockNumber)
	if err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(p.block, iv).CryptBlocks(out, plain)
	return out, nil
}

// DecryptBlock implements CryptoProvider.
func (p *AESProvider) DecryptBlock(cipherText []byte, blockNumber uint64, final bool) ([]byte, error) {
	if len(cipherText)%aes.BlockSize != 0 {
		return nil, ErrBlockAlignment
	}
	out := make([]byte, len(cipherText))
	if p.mode == CipherModeECB {
		for i := 0; i < len(cipherText); i += aes.BlockSize {
			p.block.Decrypt(out[i:i+aes.BlockSize], cipherText[i:i+aes.BlockSize])
		}
		// ECB keeps its zero padding; the caller recovers the exact
		// plaintext length from the outer length prefix.
		return out, nil
	}
	iv, err := p.blockIV(blockNumber)
	if err != nil {
		return nil, err
	}
	cipher.NewCBCDecrypter(p.block, iv).CryptBlocks(out, cipherText)
	if final {
		return stripPKCS7(out)
	}
	return out, nil
}

// padFinal applies the final-block padding for the provider's mode.
func (p *AESProvider) padFinal(plain []byte) []byte {
	if p.mode == CipherModeECB {
		rem := len(plain) % aes.BlockSize
		if rem == 0 {
			return plain
		}
		padded := make([]byte, len(plain)+aes.BlockSize-rem)
		copy(padded, plain)
		return padded
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := make([]byte, len(plain)+pad)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

// stripPKCS7 removes and validates PKCS#7 padding.
func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrCipherFailure
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(data) {
		return nil, ErrCipherFailure
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrCipherFailure
		}
	}
	return data[:len(data)-pad], nil
}

// Clone implements CryptoProvider.
func (p *AESProvider) Clone() CryptoProvider {
	clone, _ := NewAESProvider(p.key, p.mode)
	return clone
}

// blockIV derives the CBC IV for a stream block from the content key and
// the block number.
func (p *AESProvider) blockIV(blockNumber uint64) ([]byte, error) {
	info := make([]byte, 16)
	copy(info, "IRM-BLOCK-IV")
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], blockNumber)
	iv := make([]byte, aes.BlockSize)
	r := hkdf.New(sha256.New, p.key, num[:], info)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, ErrCipherFailure
	}
	return iv, nil
}
