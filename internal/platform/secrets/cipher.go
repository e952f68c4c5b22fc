// Package secrets encrypts OAuth tokens before they are persisted.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedPrefix = "enc:v1:"

var ErrNotSealed = errors.New("value is not sealed")

// Cipher seals and opens secrets. associated binds a ciphertext to its owner
// (for tokens, the connection ID) so it cannot be moved to another row.
type Cipher interface {
	Seal(plaintext, associated string) (string, error)
	Open(sealed, associated string) (string, error)
}

// AESCipher is AES-256-GCM with a random nonce prepended to the ciphertext.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher creates a cipher from a 32-byte key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token cipher: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token cipher: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token cipher: create GCM: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

// NewAESCipherFromHex decodes a 64-character hex key.
func NewAESCipherFromHex(hexKey string) (*AESCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("token cipher: key is not valid hex: %w", err)
	}
	return NewAESCipher(key)
}

// Seal encrypts plaintext. The empty string stays empty so absent refresh
// tokens remain recognisable.
func (c *AESCipher) Seal(plaintext, associated string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("token seal: generate nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associated))
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func (c *AESCipher) Open(sealed, associated string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrNotSealed
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("token open: base64 decode: %w", err)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("token open: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, data[:n], data[n:], []byte(associated))
	if err != nil {
		return "", fmt.Errorf("token open: %w", err)
	}
	return string(plaintext), nil
}

// Plaintext stores values unchanged. It is used in development when no
// encryption key is configured.
type Plaintext struct{}

func (Plaintext) Seal(plaintext, _ string) (string, error) { return plaintext, nil }

// Open also accepts sealed values so a misconfigured deployment fails loudly
// instead of sending ciphertext as a bearer token.
func (Plaintext) Open(sealed, _ string) (string, error) {
	if strings.HasPrefix(sealed, sealedPrefix) {
		return "", fmt.Errorf("token open: value is encrypted but no key is configured")
	}
	return sealed, nil
}
