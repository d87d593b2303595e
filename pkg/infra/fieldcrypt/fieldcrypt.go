package fieldcrypt

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

// Encryptor seals individual form field values with AES-256-GCM under a
// session-scoped key.
type Encryptor struct {
	aead cipher.AEAD

	// Degraded is true when the encryptor runs on the placeholder key
	// because the backend key endpoint was unavailable. Values sealed in
	// this mode are obfuscated, not protected.
	Degraded bool
}

func NewEncryptor(key []byte, degraded bool) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead, Degraded: degraded}, nil
}

// DeriveFallbackKey stretches the configured non-secret placeholder into a
// usable key length. Callers must log this degradation.
func DeriveFallbackKey(placeholder string) []byte {
	sum := sha256.Sum256([]byte("formgate-fallback:" + placeholder))
	return sum[:]
}

// Encrypt returns base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(value string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(data) < e.aead.NonceSize() {
		return "", errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:e.aead.NonceSize()], data[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
