package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	branchPattern   = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
)

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents option injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}

	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}

	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}

	return nil
}

// ValidateRepoName ensures a repository full name has the "owner/name" form.
func ValidateRepoName(name string) error {
	if name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}

	if !repoNamePattern.MatchString(name) {
		return fmt.Errorf("repository name must be in 'owner/name' form (a-z, A-Z, 0-9, _, ., - allowed)")
	}

	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, "-") || strings.HasPrefix(part, ".") {
			return fmt.Errorf("repository owner and name cannot start with '-' or '.'")
		}
	}

	return nil
}

// SanitizePath ensures a path is absolute and doesn't contain traversal attempts.
func SanitizePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	// Check for .. before cleaning (filepath.Clean removes them)
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path contains traversal elements: %s", path)
	}

	return filepath.Clean(path), nil
}

// JoinWithin joins rel onto base and rejects results that escape base.
// The check is lexical; rel does not need to exist.
func JoinWithin(base, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("relative path cannot be empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to %s, got %s", base, rel)
	}

	joined := filepath.Join(base, rel)
	relPath, err := filepath.Rel(filepath.Clean(base), joined)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: '%s' is outside '%s'", joined, base)
	}

	return joined, nil
}
