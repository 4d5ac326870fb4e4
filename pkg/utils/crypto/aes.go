package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SealedPrefix marks a config value that holds AES-256-GCM ciphertext.
const SealedPrefix = "enc:"

var (
	ErrInvalidKey        = errors.New("crypto: invalid encryption key")
	ErrEncryptionFailed  = errors.New("crypto: encryption failed")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCipherText = errors.New("crypto: invalid cipher text")
)

// deriveKey creates a 32-byte key from any string using SHA-256
func deriveKey(key string) []byte {
	hash := sha256.Sum256([]byte(key))
	return hash[:]
}

func newGCM(key string) (cipher.AEAD, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts plainText and returns "enc:<base64(nonce|ciphertext)>".
func Seal(plainText string, key string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return "", err
		}
		return "", ErrEncryptionFailed
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryptionFailed
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plainText), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The prefix is optional.
func Open(sealed string, key string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return "", err
		}
		return "", ErrDecryptionFailed
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCipherText
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCipherText
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plainText, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plainText), nil
}
