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

	"golang.org/x/crypto/hkdf"
)

// kdfInfo binds derived keys to this use so the master secret can be
// shared with other subsystems without nonce-reuse concerns.
const kdfInfo = "spendgate/provider-credentials/v1"

// Cipher seals provider API keys with AES-256-GCM. The 32-byte data key
// is derived from the configured master secret via HKDF-SHA256, so the
// master secret itself never touches the cipher.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the data key and prepares the AEAD.
func NewCipher(masterKey string) (*Cipher, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("credential: master key must be at least 16 characters")
	}

	derived := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(kdfInfo))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("credential: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("credential: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext key, returning base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credential: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("credential: decode ciphertext: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", errors.New("credential: ciphertext too short")
	}
	nonce, ct := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errors.New("credential: decryption failed")
	}
	return string(pt), nil
}
