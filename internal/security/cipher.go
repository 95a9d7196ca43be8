// Package security seals critical device-store fields with AES-256-GCM.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	keyLength     = 32
	formatVersion = byte(1)
)

var (
	ErrInvalidKey     = errors.New("store key must be 32 bytes for AES-256")
	ErrMalformed      = errors.New("sealed value is malformed")
	ErrAuthentication = errors.New("sealed value failed authentication")
)

// FieldCipher encrypts individual column values. The associated data binds
// a ciphertext to the row and column it was written for.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher creates a cipher from a raw 32 byte key
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != keyLength {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &FieldCipher{aead: gcm}, nil
}

// KeyFromHex decodes a hex encoded store key
func KeyFromHex(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid store key format: %w", err)
	}
	if len(key) != keyLength {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// DeriveKey stretches a device passphrase into a store key with Argon2id
func DeriveKey(passphrase, salt string) []byte {
	return argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, keyLength)
}

// Seal encrypts plaintext. Empty input stays empty.
func (c *FieldCipher) Seal(plaintext []byte, aad string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, formatVersion)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, []byte(aad)), nil
}

// Open reverses Seal
func (c *FieldCipher) Open(sealed []byte, aad string) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < 1+nonceSize+c.aead.Overhead() || sealed[0] != formatVersion {
		return nil, ErrMalformed
	}

	nonce := sealed[1 : 1+nonceSize]
	plaintext, err := c.aead.Open(nil, nonce, sealed[1+nonceSize:], []byte(aad))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// SealString is Seal for text values
func (c *FieldCipher) SealString(plaintext, aad string) ([]byte, error) {
	return c.Seal([]byte(plaintext), aad)
}

// OpenString is Open for text values
func (c *FieldCipher) OpenString(sealed []byte, aad string) (string, error) {
	plaintext, err := c.Open(sealed, aad)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
