package security

import (
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr string
	}{
		{"random secret", "k3J9xQ2mP7vR4tY8wZ1aB5cD6eF0gH3j", ""},
		{"short but real", "s3cr3t-x9", ""},
		{"empty", "", "cannot be empty"},
		{"placeholder", "changeme", "placeholder"},
		{"placeholder uppercase", "SECRET", "placeholder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecret(tt.secret)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateSecret(%q) unexpected error: %v", tt.secret, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateSecret(%q) error = %v, want containing %q", tt.secret, err, tt.wantErr)
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		secret, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error: %v", err)
		}
		if len(secret) != 48 {
			t.Errorf("GenerateSecret() length = %d, want 48", len(secret))
		}
		if IsWeakSecret(secret) {
			t.Errorf("generated secret reported weak: %q", secret)
		}
		if seen[secret] {
			t.Fatalf("GenerateSecret() returned a duplicate: %q", secret)
		}
		seen[secret] = true
	}
}

func TestIsWeakSecret(t *testing.T) {
	tests := []struct {
		secret string
		weak   bool
	}{
		{"short", true},
		{strings.Repeat("a", 40), true},
		{"abcdefghijklmnopqrstuvwxyzabcdefghijkl", true},
		{"k3J9xQ2mP7vR4tY8wZ1aB5cD6eF0gH3jL9nM", false},
	}

	for _, tt := range tests {
		t.Run(tt.secret, func(t *testing.T) {
			if got := IsWeakSecret(tt.secret); got != tt.weak {
				t.Errorf("IsWeakSecret(%q) = %v, want %v", tt.secret, got, tt.weak)
			}
		})
	}
}

func TestCalculateEntropy(t *testing.T) {
	if got := calculateEntropy(""); got != 0 {
		t.Errorf("calculateEntropy(\"\") = %f, want 0", got)
	}
	if got := calculateEntropy("aaaa"); got != 0 {
		t.Errorf("calculateEntropy(\"aaaa\") = %f, want 0", got)
	}
	if got := calculateEntropy("abab"); got != 1 {
		t.Errorf("calculateEntropy(\"abab\") = %f, want 1", got)
	}
}
