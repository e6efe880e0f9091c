// Package auth is the Auth Gateway: credential verification, Argon2id
// password hashing, fixed-window rate limiting, opaque session tokens with
// idle/absolute timeouts, and the one-time ADMIN_SECRET onboarding flow.
// Grounded on the teacher's cache_redis.go RateLimitStore pattern and
// relay/session key-generation idioms (crypto/rand token generation in
// nip46.go's generateSessionID), generalized from bunker-session cookies to
// a credential-backed operator auth model the teacher does not have.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// ErrWeakPassword is returned when a password fails the onboarding policy.
var ErrWeakPassword = errors.New("password must be at least 8 characters and include upper, lower, digit, and symbol")

// HashPassword derives an Argon2id hash with a fresh random salt, encoded as
// "argon2id$<salt-b64>$<hash-b64>".
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks password against an encoded hash produced by HashPassword.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ValidatePasswordPolicy enforces spec §4.8's onboarding password policy:
// >=8 chars, upper, lower, digit, and symbol.
func ValidatePasswordPolicy(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSymbol {
		return ErrWeakPassword
	}
	return nil
}

// DeriveUserKey derives the ephemeral per-user key used to unwrap a
// persisted FROSTR share, from the credentials that just authenticated the
// session (spec §3 "Derived user key"). Using Argon2id keeps the derivation
// tied to the same memory-hard KDF as password storage.
func DeriveUserKey(username, password string) []byte {
	salt := []byte("igloo-broker-derived-user-key:" + username)
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
