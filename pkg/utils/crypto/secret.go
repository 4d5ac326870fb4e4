package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrNoSecretConfigured = errors.New("crypto: no shared secret configured")

// SecretMatcher checks a presented shared secret against either a bcrypt hash
// or a plain value. An unconfigured matcher rejects everything.
type SecretMatcher struct {
	plain []byte
	hash  []byte
}

func NewSecretMatcher(plain, bcryptHash string) *SecretMatcher {
	m := &SecretMatcher{}
	if bcryptHash != "" {
		m.hash = []byte(bcryptHash)
	} else if plain != "" {
		m.plain = []byte(plain)
	}
	return m
}

func (m *SecretMatcher) Configured() bool {
	return len(m.hash) > 0 || len(m.plain) > 0
}

func (m *SecretMatcher) Match(presented string) bool {
	if presented == "" {
		return false
	}
	if len(m.hash) > 0 {
		return bcrypt.CompareHashAndPassword(m.hash, []byte(presented)) == nil
	}
	if len(m.plain) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(m.plain, []byte(presented)) == 1
}

// HashSecret produces a bcrypt hash suitable for auth.shared_secret_hash.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecretConfigured
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
