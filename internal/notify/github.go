package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

const (
	// StatusContext labels the commit status on GitHub.
	StatusContext = "hookrelay/deploy"

	// GitHub rejects longer status descriptions.
	maxStatusDescription = 140
)

// GitHubStatusNotifier sets a commit status on the pushed commit. Messages
// without a commit are skipped.
type GitHubStatusNotifier struct {
	Client  *github.Client
	Context string
}

// NewGitHubStatusNotifier creates a notifier authenticated with a personal
// access token. base is the http.Client whose transport the oauth2 client
// wraps; nil means the default.
func NewGitHubStatusNotifier(token string, base *http.Client) *GitHubStatusNotifier {
	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	return &GitHubStatusNotifier{
		Client:  github.NewClient(oauth2.NewClient(ctx, ts)),
		Context: StatusContext,
	}
}

func (n *GitHubStatusNotifier) Name() string { return "github" }

func (n *GitHubStatusNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.Commit == "" {
		return nil
	}

	owner, name, ok := strings.Cut(msg.Repo, "/")
	if !ok {
		return fmt.Errorf("invalid repository name: %s", msg.Repo)
	}

	state := "success"
	description := msg.Title()
	if !msg.Success {
		state = "failure"
		description = msg.Error
	}
	if r := []rune(description); len(r) > maxStatusDescription {
		description = string(r[:maxStatusDescription-3]) + "..."
	}

	status := &github.RepoStatus{
		State:       github.String(state),
		Description: github.String(description),
		Context:     github.String(n.Context),
	}
	if _, _, err := n.Client.Repositories.CreateStatus(ctx, owner, name, msg.Commit, status); err != nil {
		return fmt.Errorf("failed to create commit status: %w", err)
	}
	return nil
}
