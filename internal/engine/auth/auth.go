package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	apiKeyPrefix   = "bl_"
	botTokenPrefix = "blt_"
	secretBytes    = 32
)

// GenerateAPIKey returns a new plaintext API key and its hash. The plaintext
// is shown to the caller exactly once; only the hash is stored.
func GenerateAPIKey() (plaintext, hash string, err error) {
	return generate(apiKeyPrefix)
}

// GenerateBotToken returns a new plaintext bot token and its hash.
func GenerateBotToken() (plaintext, hash string, err error) {
	return generate(botTokenPrefix)
}

func generate(prefix string) (string, string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	plaintext := prefix + hex.EncodeToString(buf)
	return plaintext, HashKey(plaintext), nil
}

// HashKey returns a stable SHA-256 hex digest for the provided secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// Verify compares a presented secret against a stored hash in constant time.
func Verify(secret, storedHash string) bool {
	presented := HashKey(secret)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}
