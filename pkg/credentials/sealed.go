package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Sealing scheme: a 256-bit key is derived from the master key with
// PBKDF2-SHA256, then the credential is encrypted with AES-256-GCM. The wire
// form is base64(nonce || ciphertext). The salt is fixed so that independently
// deployed components can unseal credentials provisioned elsewhere with only
// the master key.
const (
	sealSalt       = "xiaozhi_ice_salt_2024"
	sealIterations = 100000
	sealKeyLen     = 32
)

func deriveKey(masterKey string) []byte {
	return pbkdf2.Key([]byte(masterKey), []byte(sealSalt), sealIterations, sealKeyLen, sha256.New)
}

func newGCM(masterKey string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(masterKey))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts a credential with the master key.
func Seal(credential, masterKey string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("credential is empty")
	}
	if masterKey == "" {
		return "", fmt.Errorf("master key is empty")
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(credential), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed credential. It fails if the master key is wrong or
// the sealed data has been tampered with.
func Open(sealed, masterKey string) (string, error) {
	if masterKey == "" {
		return "", fmt.Errorf("master key is empty")
	}

	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("invalid sealed credential encoding: %w", err)
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed credential too short")
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}

	return string(plain), nil
}
