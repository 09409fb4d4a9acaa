// Package crypto provides AES-256-GCM encryption for sensitive rows stored in
// the database: the contact mediums the two parties of a session exchange and
// registered mobile-push tokens.
//
// Encrypted values are prefixed with "enc:" followed by base64-encoded
// ciphertext (nonce + sealed data), so encrypted values are trivially
// distinguishable from legacy plaintext on read.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// Encrypt encrypts plaintext using AES-256-GCM and returns a string with the
// format "enc:<base64(nonce + ciphertext)>". The key must be exactly 32 bytes.
// Empty strings pass through unchanged.
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, giving nonce+ciphertext in one slice.
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a value previously produced by Encrypt. Values without the
// "enc:" prefix are returned as-is (plaintext passthrough).
func Decrypt(ciphertext string, key []byte) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether the value carries the "enc:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// EncryptMediums encrypts every value of a contact-medium map. Keys (channel
// names) stay in the clear so consumers can branch on them; only the handles
// are sealed. A nil key disables encryption.
func EncryptMediums(mediums map[string]string, key []byte) (map[string]string, error) {
	if key == nil || len(mediums) == 0 {
		return mediums, nil
	}

	out := make(map[string]string, len(mediums))
	for k, v := range mediums {
		enc, err := Encrypt(v, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt medium %q: %w", k, err)
		}
		out[k] = enc
	}

	return out, nil
}

// DecryptMediums reverses EncryptMediums. Plaintext values pass through, so
// rows written before encryption was enabled still read correctly.
func DecryptMediums(mediums map[string]string, key []byte) (map[string]string, error) {
	if len(mediums) == 0 {
		return mediums, nil
	}

	out := make(map[string]string, len(mediums))
	for k, v := range mediums {
		dec, err := Decrypt(v, key)
		if err != nil {
			return nil, fmt.Errorf("decrypt medium %q: %w", k, err)
		}
		out[k] = dec
	}

	return out, nil
}

// DeriveKey derives a 32-byte AES-256 key from an arbitrary-length passphrase
// by hashing it with SHA-256. Returns an error if the input is empty.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("encryption key must not be empty")
	}

	hash := sha256.Sum256([]byte(passphrase))

	return hash[:], nil
}
