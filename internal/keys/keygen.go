package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SecretPrefix is the fixed literal every API key secret starts with. It is
// disjoint from JWT session tokens by construction, which lets the resolver
// classify a bearer string without touching the store.
const SecretPrefix = "sk-abcd-"

// PrefixLen is how much of the secret is kept for display after creation.
const PrefixLen = 12

// NewSecret generates a fresh API key secret: the fixed prefix plus 48 hex
// characters of entropy.
func NewSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("keys: reading entropy: " + err.Error())
	}
	return SecretPrefix + hex.EncodeToString(buf)
}

// HashSecret returns the hex SHA-256 digest of a secret. The digest is the
// only form the store ever sees; it doubles as the lookup key, which is why
// a salted hash cannot be used here.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsSecret reports whether a bearer string is an API key secret rather than
// a session token.
func IsSecret(bearer string) bool {
	return strings.HasPrefix(bearer, SecretPrefix)
}

// DisplayPrefix returns the part of a secret safe to store and show.
func DisplayPrefix(secret string) string {
	if len(secret) < PrefixLen {
		return secret
	}
	return secret[:PrefixLen]
}
