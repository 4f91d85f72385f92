package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to close after
// the process has been killed (children that inherited stdout can hold them open).
const DefaultWaitDelay = 5 * time.Second

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, only the context deadline applies.
	Timeout time.Duration

	// Env contains extra environment variables for the command, appended to
	// the parent environment. Each entry should be in the form "KEY=value".
	Env []string

	// CombinedOutput writes stdout and stderr into Result.Output as well.
	CombinedOutput bool
}

// Result contains the result of a command execution.
type Result struct {
	// Stdout is the standard output.
	Stdout []byte

	// Stderr is the standard error.
	Stderr []byte

	// Output is the interleaved stdout and stderr (only if CombinedOutput is true).
	Output []byte

	// ExitCode is the exit code of the command, -1 if it was killed or never started.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration
}

// OK reports whether the command exited with status zero.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Run executes a command with the given options.
// The command is provided as a slice of arguments (command and its arguments);
// no shell is involved. A non-zero exit, a kill on timeout or a failure to
// start are all returned as errors, with whatever output was captured.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return &Result{ExitCode: -1}, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.WaitDelay = DefaultWaitDelay
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdout, stderr, combined bytes.Buffer
	if opts.CombinedOutput {
		cmd.Stdout = &teeWriter{&stdout, &combined}
		cmd.Stderr = &teeWriter{&stderr, &combined}
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		ExitCode: -1,
	}
	if opts.CombinedOutput {
		result.Output = combined.Bytes()
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("command killed: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, fmt.Errorf("command exited with code %d: %w", result.ExitCode, err)
		}
		return result, fmt.Errorf("command failed: %w", err)
	}

	return result, nil
}

// teeWriter writes to both buffers; exec serialises writes per stream.
type teeWriter struct {
	primary, combined *bytes.Buffer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.combined.Write(p)
	return w.primary.Write(p)
}

// ParseCommandString parses a shell-quoted command string into parts.
// This is useful when commands are stored as strings with proper quoting.
//
// Example:
//
//	"docker compose --ansi never" -> ["docker", "compose", "--ansi", "never"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}

	return parts, nil
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "commit", "-m", "my message"] -> "git commit -m 'my message'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}

// SanitizeOutput removes sensitive information from command output.
// This is useful for logging command output without exposing secrets.
func SanitizeOutput(output []byte, secrets []string) []byte {
	sanitized := string(output)
	for _, secret := range secrets {
		if secret != "" {
			sanitized = strings.ReplaceAll(sanitized, secret, "***REDACTED***")
		}
	}
	return []byte(sanitized)
}

// Tail returns at most the last n lines of s, trimmed of surrounding whitespace.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
