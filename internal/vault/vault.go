// Package vault encrypts session credential blobs for storage at rest.
//
// Ciphertexts use AES-256-GCM and are encoded as "iv_b64:tag_b64:ciphertext_b64".
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeyLength is the number of secret bytes used as the AES-256 key.
	KeyLength = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrSecretTooShort is returned when the configured secret cannot supply a full key.
	ErrSecretTooShort = errors.New("encryption secret must be at least 32 characters")
	// ErrMalformedCiphertext is returned for input not in iv:tag:ciphertext form.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Vault seals and opens credential material with a key taken from a configured secret.
// The secret is checked on every call, not at construction.
type Vault struct {
	secret string
}

// New returns a Vault for the given secret.
func New(secret string) *Vault {
	return &Vault{secret: secret}
}

func (v *Vault) aead() (cipher.AEAD, error) {
	if len(v.secret) < KeyLength {
		return nil, ErrSecretTooShort
	}
	block, err := aes.NewCipher([]byte(v.secret[:KeyLength]))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt. Tampered or truncated input fails.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, ErrMalformedCiphertext
	}
	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrMalformedCiphertext)
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad tag", ErrMalformedCiphertext)
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrMalformedCiphertext)
	}
	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate ciphertext: %w", err)
	}
	return plaintext, nil
}
