// Package auth guards the local MCP endpoint with static API keys.
// Keys are configured at startup and held only as SHA-256 hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// APIKeyPrefix distinguishes morse API keys from other bearer tokens.
	APIKeyPrefix = "mk_"

	// APIKeyMinLen is the prefix plus 32 hex characters (128 bits).
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is one configured key.
type APIKey struct {
	UserID string
	Key    string
}

type keyEntry struct {
	hash   [sha256.Size]byte
	userID string
}

// KeyStore validates bearer API keys.
type KeyStore struct {
	keys []keyEntry
}

// NewKeyStore hashes keys for validation. The plaintext keys are not
// retained.
func NewKeyStore(keys []APIKey) (*KeyStore, error) {
	s := &KeyStore{keys: make([]keyEntry, 0, len(keys))}
	seen := make(map[[sha256.Size]byte]struct{}, len(keys))
	for _, k := range keys {
		if k.UserID == "" || k.Key == "" {
			return nil, fmt.Errorf("empty user or key")
		}
		h := sha256.Sum256([]byte(k.Key))
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("API key for %q is configured twice", k.UserID)
		}
		seen[h] = struct{}{}
		s.keys = append(s.keys, keyEntry{hash: h, userID: k.UserID})
	}
	return s, nil
}

// Validate returns the user a key belongs to. Every configured hash is
// compared so the time taken does not depend on which key matched.
func (s *KeyStore) Validate(key string) (string, bool) {
	if s == nil || key == "" {
		return "", false
	}
	h := sha256.Sum256([]byte(key))

	var userID string
	for _, e := range s.keys {
		if subtle.ConstantTimeCompare(h[:], e.hash[:]) == 1 {
			userID = e.userID
		}
	}
	return userID, userID != ""
}

// Len returns the number of configured keys.
func (s *KeyStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// GenerateAPIKey returns a new random key with APIKeyPrefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(16)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
