package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hookrelay/internal/security"
)

// Validate validates a single repository entry and returns one line per problem.
func Validate(name string, entry Entry) []string {
	var errors []string

	if err := security.ValidateRepoName(name); err != nil {
		errors = append(errors, fmt.Sprintf("  - Repository '%s': %v", name, err))
	}

	if entry.Path == "" {
		errors = append(errors, fmt.Sprintf("  - Repository '%s': missing required 'path' field", name))
	} else if _, err := security.SanitizePath(entry.Path); err != nil {
		errors = append(errors, fmt.Sprintf("  - Repository '%s': %v", name, err))
	} else {
		realPath, err := filepath.EvalSymlinks(entry.Path)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  - Repository '%s': cannot resolve path '%s': %v", name, entry.Path, err))
		} else if info, err := os.Stat(realPath); err != nil {
			errors = append(errors, fmt.Sprintf("  - Repository '%s': cannot stat path '%s': %v", name, realPath, err))
		} else if !info.IsDir() {
			errors = append(errors, fmt.Sprintf("  - Repository '%s': path is not a directory: '%s'", name, realPath))
		}
	}

	if err := security.ValidateSecret(entry.Secret); err != nil {
		errors = append(errors, fmt.Sprintf("  - Repository '%s': %v", name, err))
	}

	if entry.Branch != "" {
		if err := security.ValidateBranchName(entry.Branch); err != nil {
			errors = append(errors, fmt.Sprintf("  - Repository '%s': %v", name, err))
		}
	}

	if entry.Descriptor != "" && entry.Path != "" {
		if _, err := security.JoinWithin(entry.Path, entry.Descriptor); err != nil {
			errors = append(errors, fmt.Sprintf("  - Repository '%s': invalid descriptor: %v", name, err))
		}
	}

	if entry.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("  - Repository '%s': timeout must be a positive integer, got %d", name, entry.Timeout))
	}

	return errors
}

// FromEntry builds a Config from an entry that passed Validate.
// The path is resolved to its real location.
func FromEntry(name string, entry Entry) (*Config, error) {
	realPath, err := filepath.EvalSymlinks(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path for repository '%s': %w", name, err)
	}

	return &Config{
		Name:       name,
		Path:       realPath,
		Secret:     entry.Secret,
		Branch:     entry.Branch,
		Descriptor: entry.Descriptor,
		Timeout:    time.Duration(entry.Timeout) * time.Second,
	}, nil
}
