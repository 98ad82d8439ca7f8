package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Credentials encryption at rest: AES-256-GCM, serialised as
// "iv:authTag:ciphertext" with each segment base64-encoded. The colon
// layout guarantees the stored value is never valid JSON, so plaintext
// credentials cannot be mistaken for encrypted ones.

const credentialSegments = 3

// Cipher encrypts and decrypts exchange credentials with a fixed key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key.
func NewCipher(keyB64 Secret) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64.Reveal())
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a random IV. Two encryptions of the same
// plaintext produce different ciphertexts.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	tagSize := c.aead.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens an "iv:authTag:ciphertext" value. Any malformed segment or
// authentication failure is an error; callers treat it as fatal at account load.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != credentialSegments {
		return "", fmt.Errorf("malformed credential blob: expected %d segments, got %d", credentialSegments, len(parts))
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed iv segment: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed auth tag segment: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext segment: %w", err)
	}
	if len(iv) != c.aead.NonceSize() {
		return "", fmt.Errorf("iv must be %d bytes, got %d", c.aead.NonceSize(), len(iv))
	}

	plaintext, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("credential decryption failed: %w", err)
	}
	return string(plaintext), nil
}
