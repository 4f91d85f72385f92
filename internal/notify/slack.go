package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/slack-go/slack"
)

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	URL    string
	Client *http.Client
}

// NewSlackNotifier creates a Slack incoming-webhook notifier.
func NewSlackNotifier(url string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackNotifier{URL: url, Client: client}
}

func (n *SlackNotifier) Name() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	color := "good"
	if !msg.Success {
		color = "danger"
	}

	fields := []slack.AttachmentField{
		{Title: "Repository", Value: msg.Repo, Short: true},
		{Title: "Path", Value: msg.Path, Short: true},
	}
	if msg.Version != 0 {
		fields = append(fields, slack.AttachmentField{Title: "Version", Value: strconv.FormatInt(msg.Version, 10), Short: true})
	}
	if msg.Commit != "" {
		fields = append(fields, slack.AttachmentField{Title: "Commit", Value: shortSHA(msg.Commit), Short: true})
	}
	if !msg.Success {
		fields = append(fields, slack.AttachmentField{Title: "Error", Value: msg.Error})
	}

	webhookMsg := &slack.WebhookMessage{
		Text: msg.Title(),
		Attachments: []slack.Attachment{{
			Color:    color,
			Fallback: msg.Text(),
			Fields:   fields,
			Ts:       json.Number(strconv.FormatInt(msg.Timestamp.Unix(), 10)),
		}},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, n.URL, n.Client, webhookMsg); err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}
