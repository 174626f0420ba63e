// Package crypto seals tool credentials and deployment snapshots at rest.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks values written by Seal so rows stored before
// encryption was enabled still load.
var sealedPrefix = []byte("agd1:")

const hkdfInfo = "agentdeck at-rest secrets"

// Cipher handles AES-256-GCM encryption/decryption.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a configured key. A 64-character hex
// string is used as the raw 32-byte key; any other value is treated as a
// passphrase and stretched with HKDF-SHA256.
// Returns nil if key is empty (encryption disabled).
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, nil
	}

	raw, err := deriveKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

func deriveKey(key string) ([]byte, error) {
	if len(key) == 64 {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, nil
		}
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("passphrase must be at least 16 characters, got %d", len(key))
	}
	raw := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, []byte(hkdfInfo)), raw); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return raw, nil
}

// Seal encrypts plaintext and returns prefixed ciphertext with the nonce
// prepended. If Cipher is nil, returns plaintext unchanged.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedPrefix)+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, sealedPrefix...)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal. Values without the sealed prefix are returned
// unchanged; a sealed value read without a cipher is an error.
func (c *Cipher) Open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, sealedPrefix) {
		return data, nil
	}
	if c == nil {
		return nil, fmt.Errorf("value is sealed but no encryption key is configured")
	}

	data = data[len(sealedPrefix):]
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}

// Enabled reports whether values are being sealed.
func (c *Cipher) Enabled() bool {
	return c != nil
}
