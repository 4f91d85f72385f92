package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

const (
	// RecommendedSecretLength is the length below which a secret is reported as weak.
	RecommendedSecretLength = 32

	// MinEntropy is the Shannon entropy below which a secret is reported as weak.
	MinEntropy = 3.5
)

var forbiddenSecrets = map[string]bool{
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
}

// ValidateSecret rejects secrets that cannot authenticate anything:
// empty values and well-known placeholders. Weak but real secrets pass;
// use IsWeakSecret to warn about them.
func ValidateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("secret cannot be empty")
	}

	if forbiddenSecrets[strings.ToLower(secret)] {
		return fmt.Errorf("secret appears to be a placeholder value, please use a real secret")
	}

	return nil
}

// GenerateSecret creates a cryptographically secure random secret.
// Returns a 48-character base64-encoded string.
func GenerateSecret() (string, error) {
	// Generate 36 bytes which will encode to 48 characters in base64
	bytes := make([]byte, 36)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// calculateEntropy computes the Shannon entropy of a string.
// Higher entropy indicates more randomness/unpredictability.
// Returns a value between 0 (completely predictable) and ~8 (maximum entropy for byte strings).
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	// Count frequency of each character
	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	// Calculate Shannon entropy: H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	length := float64(len(s))

	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// IsWeakSecret performs a quick check if a secret is obviously weak.
// This can be used for warning messages without failing validation.
func IsWeakSecret(secret string) bool {
	if len(secret) < RecommendedSecretLength {
		return true
	}

	// All same character
	if len(strings.Trim(secret, string(secret[0]))) == 0 {
		return true
	}

	// Sequential characters (e.g., "12345678...")
	if isSequential(secret) {
		return true
	}

	if calculateEntropy(secret) < MinEntropy {
		return true
	}

	return false
}

// isSequential checks if a string consists of sequential characters.
func isSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	sequential := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			sequential++
		}
	}

	// If more than 70% of characters are sequential, it's weak
	return float64(sequential) > float64(len(s))*0.7
}
