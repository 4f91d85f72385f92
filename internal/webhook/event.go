package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
)

var (
	// ErrInvalidJSON is returned for bodies that are not a JSON object.
	ErrInvalidJSON = errors.New("invalid JSON payload")

	// ErrMissingRepository is returned when repository.full_name is absent.
	ErrMissingRepository = errors.New("missing repository name")
)

// Event is one incoming delivery. It is immutable once parsed.
type Event struct {
	Body       []byte
	Signature  string
	Type       string
	DeliveryID string
	Payload    *Payload
}

// Payload is the subset of the delivery body the pipeline reads.
type Payload struct {
	Repository string
	Ref        string

	// Filled for push events only.
	Commit  string
	Message string
	Sender  string
}

type rawPayload struct {
	Ref        string `json:"ref"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// NewEvent captures the delivery headers of r together with its body. The
// delivery ID falls back to a random UUID when the sender did not set one.
func NewEvent(r *http.Request, body []byte) *Event {
	delivery := github.DeliveryID(r)
	if delivery == "" {
		delivery = uuid.NewString()
	}
	return &Event{
		Body:       body,
		Signature:  r.Header.Get(SignatureHeader),
		Type:       github.WebHookType(r),
		DeliveryID: delivery,
	}
}

// Parse decodes the body into e.Payload.
func (e *Event) Parse() error {
	payload, err := ParsePayload(e.Type, e.Body)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// ParsePayload extracts the repository name and ref from body. Push events
// are additionally decoded with the GitHub event types for the head commit
// and sender; that enrichment is best effort.
func ParsePayload(eventType string, body []byte) (*Payload, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if raw.Repository == nil || raw.Repository.FullName == "" {
		return nil, ErrMissingRepository
	}

	payload := &Payload{
		Repository: raw.Repository.FullName,
		Ref:        raw.Ref,
	}

	if eventType == PushEvent {
		if parsed, err := github.ParseWebHook(eventType, body); err == nil {
			if push, ok := parsed.(*github.PushEvent); ok {
				payload.Commit = push.GetAfter()
				payload.Message = push.GetHeadCommit().GetMessage()
				payload.Sender = push.GetSender().GetLogin()
				if payload.Commit == "" {
					payload.Commit = push.GetHeadCommit().GetID()
				}
			}
		}
	}

	return payload, nil
}
