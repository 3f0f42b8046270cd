package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credentials decides how passwords are stored and compared.
type Credentials interface {
	// Hash returns the stored form of password.
	Hash(password string) (string, error)

	// Compare reports whether password matches the stored form.
	Compare(stored, password string) bool
}

// Plaintext stores passwords as given and compares them exactly. It keeps
// accounts created by older clients usable.
type Plaintext struct{}

// Hash implements Credentials.
func (Plaintext) Hash(password string) (string, error) {
	return password, nil
}

// Compare implements Credentials.
func (Plaintext) Compare(stored, password string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// Bcrypt stores bcrypt hashes. Cost 0 means bcrypt.DefaultCost.
type Bcrypt struct {
	Cost int
}

// Hash implements Credentials.
func (b Bcrypt) Hash(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare implements Credentials.
func (Bcrypt) Compare(stored, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// CredentialsByName returns the scheme configured as "plaintext" or "bcrypt".
func CredentialsByName(name string) (Credentials, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "plaintext":
		return Plaintext{}, nil
	case "bcrypt":
		return Bcrypt{}, nil
	default:
		return nil, fmt.Errorf("unknown credential scheme %q (want plaintext or bcrypt)", name)
	}
}
