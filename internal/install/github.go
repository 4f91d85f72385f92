// Package install holds the one-time setup steps run by "hookrelay init":
// registering the push webhook on GitHub.
package install

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// WebhookPath is where the server receives deliveries.
const WebhookPath = "/webhook"

// NewGitHubClient creates a GitHub client authenticated with token. base is
// the http.Client the oauth2 transport wraps; nil means the default.
func NewGitHubClient(token string, base *http.Client) *github.Client {
	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// HookURL returns the delivery URL for a server reachable at baseURL.
func HookURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, WebhookPath) {
		return baseURL
	}
	return baseURL + WebhookPath
}

// EnsureWebhook registers a push webhook for fullName ("owner/name")
// delivering to hookURL signed with secret. It reports false when a hook
// with the same URL already exists; that hook is left untouched.
func EnsureWebhook(ctx context.Context, client *github.Client, fullName, hookURL, secret string) (bool, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return false, fmt.Errorf("invalid owner/repo format: %s", fullName)
	}

	hooks, _, err := client.Repositories.ListHooks(ctx, owner, name, nil)
	if err != nil {
		return false, fmt.Errorf("listing webhooks: %w", err)
	}

	for _, hook := range hooks {
		if hook.Config == nil {
			continue
		}
		if url, ok := hook.Config["url"].(string); ok && url == hookURL {
			return false, nil
		}
	}

	hookReq := &github.Hook{
		Events: []string{"push"},
		Active: github.Bool(true),
		Config: map[string]interface{}{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}

	if _, _, err := client.Repositories.CreateHook(ctx, owner, name, hookReq); err != nil {
		return false, fmt.Errorf("creating webhook: %w", err)
	}
	return true, nil
}
