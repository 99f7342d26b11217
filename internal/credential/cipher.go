// Package credential stores exchange API credentials encrypted at rest.
// Secrets are sealed with AES-256-GCM; a record that fails authentication
// on open is reported as tampered, never silently returned.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCipherTampered reports ciphertext that failed GCM authentication.
var ErrCipherTampered = errors.New("密文校验失败, 数据可能被篡改")

// Cipher seals and opens credential secrets with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from the configured secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("加密密钥不能为空")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Empty input stays empty so
// optional fields round-trip without special cases.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipherTampered, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrCipherTampered
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrCipherTampered
	}
	return string(plain), nil
}
