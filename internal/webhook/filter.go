package webhook

import (
	"strings"

	"hookrelay/internal/repo"
)

// Decision is the outcome of the event filter.
type Decision int

const (
	Deploy Decision = iota
	IgnoreEvent
	IgnoreBranch
)

// PushEvent is the only event type that triggers a deployment.
const PushEvent = "push"

const branchRefPrefix = "refs/heads/"

func (d Decision) String() string {
	switch d {
	case Deploy:
		return "deploy"
	case IgnoreEvent:
		return "ignore_event"
	case IgnoreBranch:
		return "ignore_branch"
	default:
		return "unknown"
	}
}

// ShouldDeploy decides whether a verified delivery deploys. Non-push events
// are ignored; when the repository pins a branch, pushes to other branches
// are ignored too.
func ShouldDeploy(eventType, ref string, cfg *repo.Config) Decision {
	if eventType != PushEvent {
		return IgnoreEvent
	}
	if cfg != nil && cfg.Branch != "" && BranchFromRef(ref) != cfg.Branch {
		return IgnoreBranch
	}
	return Deploy
}

// BranchFromRef strips a leading "refs/heads/" from ref.
func BranchFromRef(ref string) string {
	return strings.TrimPrefix(ref, branchRefPrefix)
}
