package deployment

import "time"

// Outcome is the terminal result of one deployment attempt.
type Outcome struct {
	RepoName string
	Path     string
	Success  bool

	// Version tags the attempt; it is exported to the deployment as
	// DEPLOYMENT_VERSION and strictly increases within a process.
	Version int64

	// Stdout and Stderr concatenate every executed step's output, with the
	// repository secret redacted.
	Stdout string
	Stderr string

	// Error describes the failing step. Empty on success.
	Error string

	// FailedStep names the step that aborted the protocol.
	FailedStep string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the attempt ran.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
