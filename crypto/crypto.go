// Package crypto seals secrets stored at rest, currently the OAuth tokens of
// the chat bot and the YouTube Data API, with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrKey is returned for a missing or malformed key.
	ErrKey = errors.New("invalid encryption key")
	// ErrSealed is returned when a sealed value fails authentication or is
	// truncated. It carries no detail about which.
	ErrSealed = errors.New("sealed value rejected")
)

// Sealer encrypts short strings into base64 text suitable for a TEXT column.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
	// KeyID names the key so rows sealed under an older key can be found
	// after rotation.
	KeyID() string
}

// AESGCM is a Sealer over a single 256-bit key. The output is
// base64(nonce || ciphertext || tag).
type AESGCM struct {
	aead cipher.AEAD
	id   string
}

// NewAESGCM builds a sealer from a base64-encoded 32-byte key, such as the
// output of `openssl rand -base64 32`.
func NewAESGCM(base64Key string) (*AESGCM, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("%w: empty", ErrKey)
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes, got %d", ErrKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESGCM{aead: aead, id: hex.EncodeToString(sum[:4])}, nil
}

func (a *AESGCM) KeyID() string { return a.id }

// Seal encrypts plaintext under a fresh random nonce. Empty input stays empty
// so absent tokens remain distinguishable in the database.
func (a *AESGCM) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (a *AESGCM) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrSealed)
	}
	n := a.aead.NonceSize()
	if len(raw) < n+a.aead.Overhead() {
		return "", ErrSealed
	}
	plain, err := a.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrSealed
	}
	return string(plain), nil
}
