package repo

import "time"

// Config is a validated repository configuration, keyed by the repository
// full name ("owner/name"). It is read-only once loaded.
type Config struct {
	Name   string
	Path   string
	Secret string

	// Branch restricts deployments to pushes on this branch. Empty deploys
	// on every push.
	Branch string

	// Descriptor is the deployment descriptor file, relative to Path.
	// Empty means the executor default.
	Descriptor string

	// Timeout overrides the overall deployment timeout. Zero means the
	// executor default.
	Timeout time.Duration
}

// Entry represents the YAML configuration for a repository
type Entry struct {
	Path       string `yaml:"path"`
	Secret     string `yaml:"secret"`
	Branch     string `yaml:"branch"`
	Descriptor string `yaml:"descriptor"`
	Timeout    int    `yaml:"timeout"`
}
