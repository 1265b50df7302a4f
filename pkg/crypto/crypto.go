package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length shared by all roles of a job.
const KeySize = 32

var errKeySize = fmt.Errorf("key must be %d bytes (AES-256)", KeySize)

// ParseKey decodes a hex workload key. An empty string means no encryption.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workload key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w, got %d", errKeySize, len(key))
	}

	return key, nil
}

// Encrypt encrypts data using AES-GCM, prefixing the random nonce.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}
