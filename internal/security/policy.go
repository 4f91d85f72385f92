package security

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultAllowedCommands is the set of binaries the deployment protocol may spawn.
var DefaultAllowedCommands = map[string]bool{
	"git":            true,
	"docker":         true,
	"docker-compose": true,
	"podman":         true,
	"podman-compose": true,
	"nerdctl":        true,
}

// CommandPolicy validates argument vectors before they are handed to exec.
// Commands never pass through a shell, so the metacharacter check guards
// against configuration values that only make sense to one.
type CommandPolicy struct {
	// AllowedCommands is the map of binaries (by base name) permitted to run.
	AllowedCommands map[string]bool
}

// NewCommandPolicy creates a policy with the default allowlist.
func NewCommandPolicy() *CommandPolicy {
	allowed := make(map[string]bool, len(DefaultAllowedCommands))
	for cmd := range DefaultAllowedCommands {
		allowed[cmd] = true
	}
	return &CommandPolicy{AllowedCommands: allowed}
}

// Validate checks that the command is allowlisted and that no argument
// carries shell metacharacters.
func (p *CommandPolicy) Validate(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	baseCmd := filepath.Base(cmdParts[0])
	if !p.AllowedCommands[baseCmd] {
		return fmt.Errorf("command not allowed: %s (must be one of: %s)",
			baseCmd, strings.Join(p.allowedList(), ", "))
	}

	for i, arg := range cmdParts[1:] {
		if containsShellMetachars(arg) {
			return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
		}
	}

	return nil
}

// Allow adds a command to the allowlist.
func (p *CommandPolicy) Allow(cmd string) {
	if p.AllowedCommands == nil {
		p.AllowedCommands = make(map[string]bool)
	}
	p.AllowedCommands[cmd] = true
}

func (p *CommandPolicy) allowedList() []string {
	commands := make([]string, 0, len(p.AllowedCommands))
	for cmd := range p.AllowedCommands {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}

// containsShellMetachars checks if a string contains shell metacharacters.
func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n><(){}*?[]\\'\"")
}
