// Package config loads the hookrelay configuration file: deployment
// settings, notification channels and the repository table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hookrelay/internal/repo"
	"hookrelay/internal/security"
	"hookrelay/pkg/cmdutil"
)

const (
	// DefaultFileName is searched for when no --config flag is given.
	DefaultFileName = "hookrelay.yaml"

	DefaultDeployTimeout  = 600
	DefaultSettleDelay    = 10
	DefaultDescriptor     = "docker-compose.yml"
	DefaultComposeCommand = "docker compose"
	DefaultTextField      = "content"
	DefaultNotifyTimeout  = 10
)

// File represents the root configuration structure
type File struct {
	Deploy Deploy                `yaml:"deploy"`
	Notify Notify                `yaml:"notify"`
	Repos  map[string]repo.Entry `yaml:"repos"`
}

// Deploy holds executor settings shared by all repositories.
type Deploy struct {
	Timeout        int    `yaml:"timeout"`
	SettleDelay    *int   `yaml:"settle_delay"`
	Descriptor     string `yaml:"descriptor"`
	ComposeCommand string `yaml:"compose_command"`
	Async          bool   `yaml:"async"`

	// AllowCommands extends the built-in binary allowlist, e.g. for a
	// wrapper script used as compose_command.
	AllowCommands []string `yaml:"allow_commands"`
}

// Notify configures the outbound notification channels. Every channel is
// optional; an empty URL or token disables it.
type Notify struct {
	WebhookURL      string `yaml:"webhook_url"`
	TextField       string `yaml:"text_field"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	GitHubToken     string `yaml:"github_token"`
	Timeout         int    `yaml:"timeout"`
}

// TimeoutDuration returns the overall deployment timeout.
func (d Deploy) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// SettleDuration returns the delay before running-service verification.
func (d Deploy) SettleDuration() time.Duration {
	if d.SettleDelay == nil {
		return DefaultSettleDelay * time.Second
	}
	return time.Duration(*d.SettleDelay) * time.Second
}

// ComposeArgs splits the compose command into an argument vector.
func (d Deploy) ComposeArgs() ([]string, error) {
	return cmdutil.ParseCommandString(d.ComposeCommand)
}

// Policy returns the command policy with AllowCommands added.
func (d Deploy) Policy() *security.CommandPolicy {
	policy := security.NewCommandPolicy()
	for _, cmd := range d.AllowCommands {
		policy.Allow(cmd)
	}
	return policy
}

// TimeoutDuration returns the per-delivery notification timeout.
func (n Notify) TimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}

// Load reads, defaults and validates the configuration file, returning the
// validated repositories keyed by full name.
func Load(path string) (*File, map[string]*repo.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*File, map[string]*repo.Config, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	file.applyDefaults()

	if errs := file.validate(); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	// Validate in a stable order so error output is reproducible.
	names := make([]string, 0, len(file.Repos))
	for name := range file.Repos {
		names = append(names, name)
	}
	sort.Strings(names)

	repos := make(map[string]*repo.Config, len(names))
	for _, name := range names {
		entry := file.Repos[name]
		if errs := repo.Validate(name, entry); len(errs) > 0 {
			return nil, nil, fmt.Errorf("invalid configuration for repository '%s':\n%s",
				name, strings.Join(errs, "\n"))
		}

		cfg, err := repo.FromEntry(name, entry)
		if err != nil {
			return nil, nil, err
		}
		repos[name] = cfg
	}

	return &file, repos, nil
}

func (f *File) applyDefaults() {
	if f.Repos == nil {
		f.Repos = make(map[string]repo.Entry)
	}

	if f.Deploy.Timeout == 0 {
		f.Deploy.Timeout = DefaultDeployTimeout
	}
	if f.Deploy.Descriptor == "" {
		f.Deploy.Descriptor = DefaultDescriptor
	}
	if f.Deploy.ComposeCommand == "" {
		f.Deploy.ComposeCommand = DefaultComposeCommand
	}

	if f.Notify.WebhookURL == "" {
		f.Notify.WebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	}
	if f.Notify.GitHubToken == "" {
		f.Notify.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}
	if f.Notify.TextField == "" {
		f.Notify.TextField = DefaultTextField
	}
	if f.Notify.Timeout == 0 {
		f.Notify.Timeout = DefaultNotifyTimeout
	}
}

func (f *File) validate() []string {
	var errors []string

	if f.Deploy.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("  - deploy.timeout must be a positive integer, got %d", f.Deploy.Timeout))
	}
	if f.Deploy.SettleDelay != nil && *f.Deploy.SettleDelay < 0 {
		errors = append(errors, fmt.Sprintf("  - deploy.settle_delay cannot be negative, got %d", *f.Deploy.SettleDelay))
	}
	if _, err := security.JoinWithin("/repo", f.Deploy.Descriptor); err != nil {
		errors = append(errors, fmt.Sprintf("  - deploy.descriptor: %v", err))
	}

	for _, cmd := range f.Deploy.AllowCommands {
		if cmd == "" || cmd != filepath.Base(cmd) {
			errors = append(errors, fmt.Sprintf("  - deploy.allow_commands: %q must be a bare binary name", cmd))
		}
	}

	args, err := f.Deploy.ComposeArgs()
	if err != nil {
		errors = append(errors, fmt.Sprintf("  - deploy.compose_command: %v", err))
	} else if err := f.Deploy.Policy().Validate(args); err != nil {
		errors = append(errors, fmt.Sprintf("  - deploy.compose_command: %v", err))
	}

	if f.Notify.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("  - notify.timeout must be a positive integer, got %d", f.Notify.Timeout))
	}
	if strings.TrimSpace(f.Notify.TextField) == "" {
		errors = append(errors, "  - notify.text_field cannot be blank")
	}

	return errors
}
