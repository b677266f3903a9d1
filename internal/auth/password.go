// Package auth holds credential hashing and verification for the admin
// surface.
package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for bcrypt hashing.
	BcryptCost = 12

	// MinPasswordLength is the minimum required password length.
	MinPasswordLength = 12
)

// HashPassword generates a bcrypt hash from a plain text password.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plain text password with a hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// ValidatePasswordComplexity checks if a password meets the length floor.
func ValidatePasswordComplexity(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	return nil
}

// CredentialStore verifies admin credentials configured via the environment.
// A store with no configured user rejects everything.
type CredentialStore struct {
	user     string
	passHash string
}

// NewCredentialStore creates a credential store for the configured admin.
func NewCredentialStore(user, passHash string) *CredentialStore {
	return &CredentialStore{user: user, passHash: passHash}
}

// Enabled reports whether admin credentials are configured at all.
func (c *CredentialStore) Enabled() bool {
	return c.user != "" && c.passHash != ""
}

// Verify checks a username/password pair. Constant-time on the username;
// bcrypt comparison on the password.
func (c *CredentialStore) Verify(user, password string) bool {
	if !c.Enabled() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.user)) == 1
	passOK := CheckPasswordHash(password, c.passHash)
	return userOK && passOK
}
