package repo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a repository is not configured.
var ErrNotFound = errors.New("repository not configured")

// Registry holds the configured repositories. Readers never block each
// other; Replace swaps in a whole new snapshot.
type Registry struct {
	mu    sync.RWMutex
	repos map[string]*Config
}

// NewRegistry creates a new repository registry
func NewRegistry(repos map[string]*Config) *Registry {
	return &Registry{repos: copyRepos(repos)}
}

// Lookup returns the configuration for a repository full name.
func (r *Registry) Lookup(name string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.repos[name]
	return cfg, ok
}

// Get is Lookup with an error for unknown names.
func (r *Registry) Get(name string) (*Config, error) {
	cfg, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cfg, nil
}

// List returns all repository names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.repos))
	for name := range r.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of repositories
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.repos)
}

// Replace installs a new set of repositories. Requests already holding a
// *Config keep using it until they finish.
func (r *Registry) Replace(repos map[string]*Config) {
	next := copyRepos(repos)

	r.mu.Lock()
	r.repos = next
	r.mu.Unlock()
}

func copyRepos(repos map[string]*Config) map[string]*Config {
	out := make(map[string]*Config, len(repos))
	for name, cfg := range repos {
		out[name] = cfg
	}
	return out
}
