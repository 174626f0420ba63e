// Package auth authenticates admin requests and extracts the caller context
// that execution depends on.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Caller context headers.
const (
	HeaderOrganization = "X-Organization-ID"
	HeaderCaller       = "X-Caller-ID"
	HeaderEnvironment  = "X-Environment"
	HeaderTier         = "X-Caller-Tier"
)

// Defaults applied when a header is absent.
const (
	DefaultOrganization = "default"
	DefaultEnvironment  = "production"
	DefaultTier         = "free"
)

// keyPrefix marks keys generated by GenerateAPIKey.
const keyPrefix = "adk_"

// Caller identifies who is making a request.
type Caller struct {
	OrganizationID string
	CallerID       string
	Environment    string
	Tier           string
}

// GenerateAPIKey creates a new admin key with the "adk_" prefix followed by
// 32 URL-safe random characters. It returns the plaintext key and its hash.
func GenerateAPIKey() (plaintext, hash string, err error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return plaintext, HashKey(plaintext), nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// KeyMatcher checks presented keys against a configured admin key. The key
// may be configured in plaintext or as "sha256:<hex>".
type KeyMatcher struct {
	hash string
}

// NewKeyMatcher creates a KeyMatcher. An empty key matches nothing.
func NewKeyMatcher(configured string) *KeyMatcher {
	configured = strings.TrimSpace(configured)
	switch {
	case configured == "":
		return &KeyMatcher{}
	case strings.HasPrefix(configured, "sha256:"):
		return &KeyMatcher{hash: strings.ToLower(strings.TrimPrefix(configured, "sha256:"))}
	default:
		return &KeyMatcher{hash: HashKey(configured)}
	}
}

// Match reports whether presented is the admin key.
func (k *KeyMatcher) Match(presented string) bool {
	if k.hash == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashKey(presented)), []byte(k.hash)) == 1
}

// Configured reports whether an admin key is set.
func (k *KeyMatcher) Configured() bool { return k.hash != "" }
