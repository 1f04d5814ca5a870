// Package secret seals provider tokens before they reach the accounts table.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrBadKey is returned when the configured key is not 32 bytes of hex.
var ErrBadKey = errors.New("secret: encryption key must be 64 hex chars (32 bytes)")

// Codec seals and opens token strings with XChaCha20-Poly1305. The random
// nonce is prepended to the ciphertext and the whole blob is base64-encoded
// for storage in a text column. A zero-value Codec passes strings through
// unchanged, for deployments that have not configured a key yet.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from a 64-char hex key.
func NewCodec(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Plaintext returns a pass-through codec.
func Plaintext() *Codec {
	return &Codec{}
}

// Seal encrypts a token for storage. Empty input stays empty.
func (c *Codec) Seal(plaintext string) (string, error) {
	if c.aead == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored blob. Empty input stays empty.
func (c *Codec) Open(stored string) (string, error) {
	if c.aead == nil || stored == "" {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("secret: decode: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("secret: sealed blob too short")
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret: open: %w", err)
	}
	return string(plain), nil
}
