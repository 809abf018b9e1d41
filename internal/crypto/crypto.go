// Package crypto envelopes SMTP passwords at rest and hashes user
// passwords. The symmetric key is loaded once at startup; key rotation is
// not supported.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Box performs symmetric encryption with AES-256-GCM under a key derived
// from the configured passphrase. Safe for concurrent use.
type Box struct {
	key [32]byte
}

// NewBox derives the AES key from the passphrase. The passphrase must be
// non-empty; the engine refuses to start without one.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	return &Box{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Encrypt seals the plaintext and returns nonce||ciphertext hex-encoded.
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", fmt.Errorf("encrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("encrypt: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens a hex-encoded nonce||ciphertext blob. The caller must not
// log or persist the returned plaintext.
func (b *Box) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("decrypt: empty ciphertext")
	}
	data, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt: decode: %w", err)
	}
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", fmt.Errorf("decrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("decrypt: new gcm: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("decrypt: ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: open: %w", err)
	}
	return string(plaintext), nil
}

// HashPassword returns the bcrypt hash of a user password.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// CheckPassword reports whether the password matches the bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
