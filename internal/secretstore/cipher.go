// Package secretstore seals custodial wallet credentials before they are
// written to storage. Private key material is never persisted or logged in
// the clear.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltLength = 16
	keyLength  = 32

	// argon2id cost factors for deriving the sealing key from the
	// configured secret.
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
)

// Cipher seals and opens credential strings with AES-256-GCM. The AES key is
// derived per Cipher from a configured secret via argon2id over a random
// salt, so two deployments with the same secret still produce distinct
// ciphertexts.
type Cipher struct {
	aead cipher.AEAD
	salt []byte
}

// NewCipher derives a sealing key from secret. The secret must be non-empty;
// there is no safe default for key material.
func NewCipher(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("secretstore: sealing secret is required")
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("secretstore: generate salt: %w", err)
	}
	return newCipherWithSalt(secret, salt)
}

// NewCipherWithSalt reconstructs a Cipher for a previously used salt, so
// credentials sealed by an earlier process can be opened after a restart.
// The salt is expected base64-encoded, as produced by (*Cipher).Salt.
func NewCipherWithSalt(secret, encodedSalt string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("secretstore: sealing secret is required")
	}
	salt, err := base64.StdEncoding.DecodeString(encodedSalt)
	if err != nil {
		return nil, fmt.Errorf("secretstore: decode salt: %w", err)
	}
	if len(salt) != saltLength {
		return nil, fmt.Errorf("secretstore: salt must be %d bytes", saltLength)
	}
	return newCipherWithSalt(secret, salt)
}

func newCipherWithSalt(secret string, salt []byte) (*Cipher, error) {
	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, keyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: init gcm: %w", err)
	}
	return &Cipher{aead: aead, salt: salt}, nil
}

// Salt returns the base64-encoded KDF salt for persistence alongside the
// sealed credentials.
func (c *Cipher) Salt() string {
	return base64.StdEncoding.EncodeToString(c.salt)
}

// Seal encrypts plaintext and returns a base64 token of nonce||ciphertext.
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretstore: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal.
func (c *Cipher) Open(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("secretstore: decode token: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("secretstore: token too short")
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secretstore: open token: %w", err)
	}
	return string(plaintext), nil
}
