// Package crypto provides the primitives shared by the auth substrate and
// the plugin-config encryption layer: AES-256-GCM sealing, opaque token
// generation, and hash-only credential storage helpers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM standard nonce length in bytes.
	NonceSize = 12
	// KeySize is the key length required for AES-256-GCM.
	KeySize = 32
)

var (
	ErrInvalidKeySize     = fmt.Errorf("crypto: key must be exactly %d bytes", KeySize)
	ErrCiphertextTooShort = errors.New("crypto: ciphertext shorter than nonce")
)

// Encrypt seals plaintext with AES-256-GCM under the given 32-byte key.
// The nonce is generated fresh and prepended: [nonce(12)][sealed].
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same key.
// Authentication failure (wrong key, tampered bytes) returns an error.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm, nil
}
