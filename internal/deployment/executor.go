package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"hookrelay/internal/repo"
	"hookrelay/internal/security"
	"hookrelay/pkg/cmdutil"
	"hookrelay/pkg/fileutil"
)

const (
	// DefaultTimeout bounds the whole six-step protocol.
	DefaultTimeout = 10 * time.Minute

	// DefaultSettleDelay is the pause between starting services and
	// checking that they are running.
	DefaultSettleDelay = 10 * time.Second

	// DefaultDescriptor is the compose file looked up in the repository root.
	DefaultDescriptor = "docker-compose.yml"

	// VersionEnv carries the deployment version into the compose run.
	VersionEnv = "DEPLOYMENT_VERSION"
)

// Runner spawns one external process. cmdutil.Run satisfies it.
type Runner interface {
	Run(ctx context.Context, opts cmdutil.ExecOptions, cmdParts []string) (*cmdutil.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, opts cmdutil.ExecOptions, cmdParts []string) (*cmdutil.Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, opts cmdutil.ExecOptions, cmdParts []string) (*cmdutil.Result, error) {
	return f(ctx, opts, cmdParts)
}

// CommandRunner runs real processes.
var CommandRunner Runner = RunnerFunc(cmdutil.Run)

// Executor runs the deployment protocol for one repository at a time:
// check the path, pull, check the descriptor, validate it, rebuild and
// restart the services, then verify they are running. The first failing
// step aborts the rest.
type Executor struct {
	Runner Runner
	Policy *security.CommandPolicy
	Logger *slog.Logger

	// Compose is the compose CLI prefix, e.g. ["docker", "compose"].
	Compose []string

	// Descriptor is used when the repository does not override it.
	Descriptor string

	// Timeout is used when the repository does not override it.
	Timeout time.Duration

	SettleDelay time.Duration

	now         func() time.Time
	lastVersion atomic.Int64
}

// NewExecutor creates an executor with the default protocol settings.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Runner:      CommandRunner,
		Policy:      security.NewCommandPolicy(),
		Logger:      logger,
		Compose:     []string{"docker", "compose"},
		Descriptor:  DefaultDescriptor,
		Timeout:     DefaultTimeout,
		SettleDelay: DefaultSettleDelay,
		now:         time.Now,
	}
}

type step struct {
	name    string
	failure string
	run     func(ctx context.Context, a *attempt) error
}

// attempt is the per-deployment state threaded through the steps.
type attempt struct {
	cfg        *repo.Config
	descriptor string
	version    int64
	services   []string
	detail     string
	stdout     strings.Builder
	stderr     strings.Builder
}

func (e *Executor) steps(descriptor string) []step {
	composeName := strings.Join(e.Compose, " ")
	return []step{
		{name: "chdir", failure: "Repository path is not accessible", run: e.checkPath},
		{name: "pull", failure: "git pull failed", run: e.pull},
		{name: "descriptor", failure: descriptor + " not found", run: e.checkDescriptor},
		{name: "validate", failure: "Invalid " + descriptor, run: e.validate},
		{name: "up", failure: composeName + " up failed", run: e.up},
		{name: "verify", failure: "Deployment verification failed", run: e.verify},
	}
}

// Deploy runs the protocol for cfg and returns its outcome. It never
// returns nil. The context bounds the run together with the configured
// timeout; processes still running when it expires are killed.
func (e *Executor) Deploy(ctx context.Context, cfg *repo.Config) *Outcome {
	timeout := e.Timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	descriptor := e.Descriptor
	if cfg.Descriptor != "" {
		descriptor = cfg.Descriptor
	}

	a := &attempt{cfg: cfg, descriptor: descriptor, version: e.nextVersion()}
	outcome := &Outcome{
		RepoName:  cfg.Name,
		Path:      cfg.Path,
		Version:   a.version,
		StartedAt: e.clock(),
	}

	logger := e.Logger.With("repo", cfg.Name, "version", a.version)
	logger.Info("deployment started", "path", cfg.Path, "descriptor", descriptor)

	for _, s := range e.steps(descriptor) {
		err := ctx.Err()
		if err == nil {
			start := time.Now()
			err = s.run(ctx, a)
			logger.Debug("deployment step finished", "step", s.name, "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
		}
		if err == nil {
			continue
		}

		outcome.FailedStep = s.name
		outcome.Error = s.failure
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome.Error += fmt.Sprintf(": timed out after %s", timeout)
		case a.detail != "":
			outcome.Error += ": " + a.detail
		}
		logger.Warn("deployment step failed", "step", s.name, "error", err)
		break
	}

	outcome.Success = outcome.FailedStep == ""
	outcome.Stdout = redact(a.stdout.String(), cfg.Secret)
	outcome.Stderr = redact(a.stderr.String(), cfg.Secret)
	outcome.FinishedAt = e.clock()

	if outcome.Success {
		logger.Info("deployment succeeded", "duration_ms", outcome.Duration().Milliseconds())
	} else {
		logger.Error("deployment failed", "step", outcome.FailedStep, "error", outcome.Error,
			"duration_ms", outcome.Duration().Milliseconds())
	}
	return outcome
}

func (e *Executor) checkPath(_ context.Context, a *attempt) error {
	if !fileutil.DirExists(a.cfg.Path) {
		a.detail = a.cfg.Path
		return fmt.Errorf("not a directory: %s", a.cfg.Path)
	}
	return nil
}

func (e *Executor) pull(ctx context.Context, a *attempt) error {
	args := []string{"git", "pull"}
	if a.cfg.Branch != "" {
		args = append(args, "origin", a.cfg.Branch)
	}
	_, err := e.exec(ctx, a, nil, args)
	return err
}

func (e *Executor) checkDescriptor(_ context.Context, a *attempt) error {
	path, err := security.JoinWithin(a.cfg.Path, a.descriptor)
	if err != nil {
		return err
	}
	if !fileutil.FileExists(path) {
		return fmt.Errorf("descriptor missing: %s", path)
	}
	return nil
}

// validate runs the compose config check and records the declared services.
func (e *Executor) validate(ctx context.Context, a *attempt) error {
	res, err := e.exec(ctx, a, nil, e.compose(a, "config", "--services"))
	if err != nil {
		return err
	}
	a.services = splitLines(string(res.Stdout))
	return nil
}

func (e *Executor) up(ctx context.Context, a *attempt) error {
	env := []string{VersionEnv + "=" + strconv.FormatInt(a.version, 10)}
	_, err := e.exec(ctx, a, env, e.compose(a, "up", "-d", "--build"))
	return err
}

func (e *Executor) verify(ctx context.Context, a *attempt) error {
	if e.SettleDelay > 0 {
		timer := time.NewTimer(e.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	res, err := e.exec(ctx, a, nil, e.compose(a, "ps", "--services", "--filter", "status=running"))
	if err != nil {
		return err
	}

	running := make(map[string]bool)
	for _, name := range splitLines(string(res.Stdout)) {
		running[name] = true
	}

	if len(a.services) == 0 {
		if len(running) == 0 {
			a.detail = "no services running"
			return errors.New(a.detail)
		}
		return nil
	}

	var missing []string
	for _, name := range a.services {
		if !running[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		a.detail = "services not running: " + strings.Join(missing, ", ")
		return errors.New(a.detail)
	}
	return nil
}

// exec validates and runs one command in the repository directory, appending
// its output to the attempt.
func (e *Executor) exec(ctx context.Context, a *attempt, env []string, args []string) (*cmdutil.Result, error) {
	if err := e.Policy.Validate(args); err != nil {
		return nil, fmt.Errorf("command rejected: %w", err)
	}

	e.Logger.Debug("running command", "repo", a.cfg.Name, "command", cmdutil.FormatCommand(args))

	res, err := e.Runner.Run(ctx, cmdutil.ExecOptions{Dir: a.cfg.Path, Env: env}, args)
	if res == nil {
		res = &cmdutil.Result{ExitCode: -1}
	}
	a.stdout.Write(res.Stdout)
	a.stderr.Write(res.Stderr)

	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, fmt.Errorf("command exited with code %d", res.ExitCode)
	}
	return res, nil
}

func (e *Executor) compose(a *attempt, args ...string) []string {
	cmd := make([]string, 0, len(e.Compose)+2+len(args))
	cmd = append(cmd, e.Compose...)
	cmd = append(cmd, "-f", a.descriptor)
	return append(cmd, args...)
}

// nextVersion returns the current time in milliseconds, bumped past the
// previous version if the clock has not advanced.
func (e *Executor) nextVersion() int64 {
	ms := e.clock().UnixMilli()
	for {
		last := e.lastVersion.Load()
		v := ms
		if v <= last {
			v = last + 1
		}
		if e.lastVersion.CompareAndSwap(last, v) {
			return v
		}
	}
}

func (e *Executor) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return string(cmdutil.SanitizeOutput([]byte(s), []string{secret}))
}
