package keygen

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const secretCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateUUID generates a random UUID v4
func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateSecret returns a random alphanumeric string of the given length.
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	result := make([]byte, length)
	for i := range result {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(secretCharset))))
		if err != nil {
			return "", err
		}
		result[i] = secretCharset[num.Int64()]
	}
	return string(result), nil
}
