// Package auth hashes and checks the admin API key.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for admin key hashes.
	BcryptCost = 12

	// MinKeyLength is the shortest admin key accepted for hashing.
	MinKeyLength = 16
)

// HashKey generates a bcrypt hash of an admin API key.
func HashKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckKeyHash compares a presented key with a bcrypt hash.
func CheckKeyHash(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ValidateKey rejects keys too short to be worth protecting.
func ValidateKey(key string) error {
	if len(strings.TrimSpace(key)) < MinKeyLength {
		return fmt.Errorf("admin key must be at least %d characters long", MinKeyLength)
	}
	return nil
}

// KeyChecker verifies presented admin keys against a bcrypt hash or,
// when no hash is configured, a plain key.
type KeyChecker struct {
	plain string
	hash  string
}

// NewKeyChecker returns a checker. The hash takes precedence over the plain key.
func NewKeyChecker(plain, hash string) *KeyChecker {
	return &KeyChecker{plain: strings.TrimSpace(plain), hash: strings.TrimSpace(hash)}
}

// Enabled reports whether any key is configured.
func (c *KeyChecker) Enabled() bool {
	return c != nil && (c.plain != "" || c.hash != "")
}

// Check reports whether key is the configured admin key.
func (c *KeyChecker) Check(key string) bool {
	if !c.Enabled() || key == "" {
		return false
	}
	if c.hash != "" {
		return CheckKeyHash(key, c.hash)
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(c.plain)) == 1
}
