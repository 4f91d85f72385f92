package notify

import (
	"log/slog"
	"net/http"

	"hookrelay/internal/config"
)

// FromConfig builds a dispatcher with a notifier for every configured channel.
func FromConfig(cfg config.Notify, client *http.Client, logger *slog.Logger) *Dispatcher {
	var notifiers []Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, NewWebhookNotifier(cfg.WebhookURL, cfg.TextField, client))
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhookURL, client))
	}
	if cfg.GitHubToken != "" {
		notifiers = append(notifiers, NewGitHubStatusNotifier(cfg.GitHubToken, client))
	}
	return NewDispatcher(logger, cfg.TimeoutDuration(), notifiers...)
}
