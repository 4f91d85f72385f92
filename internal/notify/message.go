// Package notify reports deployment outcomes to external channels.
//
// A Message is built once per outcome and handed to a Dispatcher, which
// delivers it to every configured Notifier in the background. Delivery is
// fire-and-forget: failures are logged and never retried.
package notify

import (
	"fmt"
	"strings"
	"time"

	"hookrelay/internal/deployment"
	"hookrelay/pkg/cmdutil"
)

// outputTailLines is how much captured stderr a failure message carries.
const outputTailLines = 10

// Message is the channel-neutral notification payload.
type Message struct {
	Repo      string
	Path      string
	Success   bool
	Error     string
	Timestamp time.Time

	// Optional context.
	Step    string
	Version int64
	Commit  string
	Sender  string
	Output  string
}

// NewSuccessMessage reports a completed deployment.
func NewSuccessMessage(repoName, path string, at time.Time) Message {
	return Message{Repo: repoName, Path: path, Success: true, Timestamp: at}
}

// NewFailureMessage reports a failed deployment.
func NewFailureMessage(repoName, path, errMsg string, at time.Time) Message {
	return Message{Repo: repoName, Path: path, Error: errMsg, Timestamp: at}
}

// FromOutcome builds the success or failure message for a deployment outcome.
func FromOutcome(o *deployment.Outcome) Message {
	var msg Message
	if o.Success {
		msg = NewSuccessMessage(o.RepoName, o.Path, o.FinishedAt)
	} else {
		msg = NewFailureMessage(o.RepoName, o.Path, o.Error, o.FinishedAt)
		msg.Step = o.FailedStep
		msg.Output = cmdutil.Tail(o.Stderr, outputTailLines)
	}
	msg.Version = o.Version
	return msg
}

// Title is the one-line summary used as a heading or status description.
func (m Message) Title() string {
	if m.Success {
		return "Deployment successful for " + m.Repo
	}
	return "Deployment failed for " + m.Repo
}

// Text renders the message as plain text.
func (m Message) Text() string {
	var b strings.Builder
	if m.Success {
		b.WriteString("✅ ")
	} else {
		b.WriteString("❌ ")
	}
	b.WriteString(m.Title())
	fmt.Fprintf(&b, "\nPath: %s", m.Path)

	if m.Success {
		fmt.Fprintf(&b, "\nTimestamp: %s", m.Timestamp.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "\nError: %s", m.Error)
	}

	if m.Version != 0 {
		fmt.Fprintf(&b, "\nVersion: %d", m.Version)
	}
	if m.Commit != "" {
		fmt.Fprintf(&b, "\nCommit: %s", shortSHA(m.Commit))
	}
	if m.Output != "" {
		fmt.Fprintf(&b, "\nOutput:\n%s", m.Output)
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
