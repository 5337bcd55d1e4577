// Package keys provides loading and saving of the Ed25519 signing keys
// used to issue publishing licenses.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Common errors
var (
	ErrNoKeyFound      = errors.New("no private key found in data")
	ErrUnknownKeyType  = errors.New("unknown private key type")
	ErrInvalidPEMBlock = errors.New("invalid PEM block")
)

// LoadSigningKey loads an Ed25519 private key from a PEM encoded file.
func LoadSigningKey(filename string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadSigningKeyData(data)
}

// LoadSigningKeyData loads an Ed25519 private key from PEM encoded data.
// The key must be in PKCS#8 form ("PRIVATE KEY" block).
func LoadSigningKeyData(data []byte) (ed25519.PrivateKey, error) {
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "PRIVATE KEY" {
			continue
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, ErrUnknownKeyType
		}
		return key, nil
	}
	return nil, ErrNoKeyFound
}

// GenerateSigningKey generates a fresh Ed25519 signing key.
func GenerateSigningKey() (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// SaveSigningKey writes an Ed25519 private key to a PEM encoded file in
// PKCS#8 form.
func SaveSigningKey(filename string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(filename, pem.EncodeToMemory(block), 0o600)
}
