package signature

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Cipher encrypts a subscription's plaintext secret for storage and
// decrypts it again when a delivery needs to sign a payload. Grounded
// on outpost's internal/tenantstore/redistenantstore aesCipher, which
// encrypts destination credentials the same way before writing them to
// Redis; the key derivation here uses sha256 rather than outpost's md5
// so the derived key is the full 32 bytes AES-256-GCM wants.
type Cipher struct {
	key [32]byte
}

// NewCipher derives an AES-256-GCM key from masterKey. masterKey itself
// is never stored; only its derived key lives in memory.
func NewCipher(masterKey string) *Cipher {
	return &Cipher{key: sha256.Sum256([]byte(masterKey))}
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns a base64-encoded nonce||ciphertext string, suitable
// for a text column.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead, err := c.aead()
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	aead, err := c.aead()
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding stored secret: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("stored secret too short to contain a nonce")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting stored secret: %w", err)
	}
	return string(plaintext), nil
}
