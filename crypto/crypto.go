// Package crypto seals OAuth tokens before they are written to the database, using AES-256-GCM
// with a per-key identifier so rows written under an older key can be recognised.
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
	"os"
)

// EnvKey names the variable holding the base64-encoded 32-byte key.
const EnvKey = "ENCRYPTION_KEY"

// ErrKeyMismatch is returned by Open for values sealed under a different key.
var ErrKeyMismatch = errors.New("sealed with a different key")

// Sealer turns secrets into opaque strings and back.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed, keyID string) (string, error)
	KeyID() string
}

// AESSealer implements Sealer with AES-256-GCM. Output is base64(nonce || ciphertext || tag).
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer builds a sealer from a base64-encoded 32-byte key (openssl rand -base64 32).
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESSealer{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// FromEnv returns the sealer configured by ENCRYPTION_KEY, or nil when the variable is unset.
func FromEnv() (Sealer, error) {
	v := os.Getenv(EnvKey)
	if v == "" {
		return nil, nil
	}
	s, err := NewAESSealer(v)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// KeyID is a short fingerprint of the key, stored next to sealed values.
func (s *AESSealer) KeyID() string { return s.keyID }

// Seal encrypts plain. The empty string seals to itself.
func (s *AESSealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. keyID is the fingerprint stored with the value; empty skips the check.
func (s *AESSealer) Open(sealed, keyID string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if keyID != "" && keyID != s.keyID {
		return "", fmt.Errorf("key %s: %w", keyID, ErrKeyMismatch)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		// no detail: it would only help an attacker
		return "", errors.New("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
