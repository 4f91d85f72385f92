package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	"hookrelay/internal/deployment"
	"hookrelay/internal/history"
	"hookrelay/internal/notify"
	"hookrelay/internal/repo"
	"hookrelay/internal/security"
	"hookrelay/internal/webhook"
)

const (
	MaxPayloadBytes        = 1_000_000 // 1 MB
	RecentDeploymentsLimit = 10
)

// HandleWebhook runs one delivery through the pipeline. Every early exit
// answers exactly once; past the lock the response depends on Async.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read payload"})
		return
	}
	if len(body) > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	event := webhook.NewEvent(r, body)
	logger := s.Logger.With("delivery", event.DeliveryID, "event", event.Type)

	if err := event.Parse(); err != nil {
		logger.Warn("Rejected malformed webhook payload", "error", err)
		msg := "Invalid JSON payload"
		if errors.Is(err, webhook.ErrMissingRepository) {
			msg = "Missing repository name"
		}
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	repoName := event.Payload.Repository
	logger = logger.With("repo", repoName)

	cfg, ok := s.Registry.Lookup(repoName)
	if !ok {
		logger.Warn("Webhook for unconfigured repository")
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Repository not configured"})
		return
	}

	if !webhook.VerifySignature(body, event.Signature, []byte(cfg.Secret)) {
		logger.Warn("Webhook signature verification failed", "signature_present", event.Signature != "")
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	switch webhook.ShouldDeploy(event.Type, event.Payload.Ref, cfg) {
	case webhook.IgnoreEvent:
		logger.Info("Ignoring non-push event")
		s.respondJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("OK: Ignored %s event", event.Type)})
		return
	case webhook.IgnoreBranch:
		branch := webhook.BranchFromRef(event.Payload.Ref)
		logger.Info("Ignoring push to other branch", "branch", branch, "configured_branch", cfg.Branch)
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "OK: Ignored push to " + branch})
		return
	}

	release, err := s.Locks.Acquire(repoName)
	if err != nil {
		logger.Warn("Deployment already in progress, rejecting")
		s.recordHistory(r.Context(), &history.Record{
			Repo:       repoName,
			Branch:     cfg.Branch,
			Ref:        event.Payload.Ref,
			Status:     history.StatusRejected,
			DeliveryID: event.DeliveryID,
			Commit:     stringPtrOrNil(event.Payload.Commit),
			Error:      stringPtr("Deployment already in progress"),
		})
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Deployment already in progress"})
		return
	}

	// The deployment outlives the request in async mode, and must not be
	// cancelled by a disconnecting caller in sync mode.
	ctx := context.WithoutCancel(r.Context())

	if s.Async {
		s.deployWg.Add(1)
		go func() {
			defer s.deployWg.Done()
			defer release()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in deployment", "recover", rec, "stack", string(debug.Stack()))
				}
			}()
			s.runDeployment(ctx, logger, event, cfg)
		}()

		s.respondJSON(w, http.StatusAccepted, map[string]string{
			"message":  "Deployment accepted",
			"repo":     repoName,
			"delivery": event.DeliveryID,
		})
		return
	}

	s.deployWg.Add(1)
	outcome := func() *deployment.Outcome {
		defer s.deployWg.Done()
		defer release()
		return s.runDeployment(ctx, logger, event, cfg)
	}()

	if outcome.Success {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"message": "Deployment successful",
			"repo":    repoName,
			"version": outcome.Version,
		})
		return
	}
	s.respondJSON(w, http.StatusInternalServerError, map[string]any{
		"error":   outcome.Error,
		"step":    outcome.FailedStep,
		"repo":    repoName,
		"version": outcome.Version,
	})
}

// runDeployment executes the protocol, records the audit row and hands the
// outcome to the notifier.
func (s *Server) runDeployment(ctx context.Context, logger *slog.Logger, event *webhook.Event, cfg *repo.Config) *deployment.Outcome {
	logger.Info("Deployment starting", "commit", event.Payload.Commit, "sender", event.Payload.Sender)

	outcome := s.Deployer.Deploy(ctx, cfg)

	status := history.StatusSuccess
	if !outcome.Success {
		status = history.StatusFailed
	}
	s.recordHistory(ctx, &history.Record{
		Repo:        cfg.Name,
		Branch:      cfg.Branch,
		Ref:         event.Payload.Ref,
		Status:      status,
		Version:     outcome.Version,
		DeliveryID:  event.DeliveryID,
		StartedAt:   outcome.StartedAt,
		CompletedAt: &outcome.FinishedAt,
		DurationMs:  int64Ptr(outcome.Duration().Milliseconds()),
		Commit:      stringPtrOrNil(event.Payload.Commit),
		Error:       stringPtrOrNil(outcome.Error),
	})

	if s.Notifier != nil {
		msg := notify.FromOutcome(outcome)
		msg.Commit = event.Payload.Commit
		msg.Sender = event.Payload.Sender
		s.Notifier.Dispatch(ctx, msg)
	}

	if outcome.Success {
		logger.Info("Deployment completed", "version", outcome.Version, "duration_ms", outcome.Duration().Milliseconds())
	} else {
		logger.Error("Deployment failed", "version", outcome.Version, "step", outcome.FailedStep, "error", outcome.Error)
	}
	return outcome
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"repos":      s.Registry.List(),
		"repo_count": s.Registry.Count(),
	})
}

// HandleStatus reports the latest and recent deployments of a repository.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	repoName := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")

	if err := security.ValidateRepoName(repoName); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid repository name: %v", err)})
		return
	}

	if _, ok := s.Registry.Lookup(repoName); !ok {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Repository not configured"})
		return
	}

	if s.History == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "History not available"})
		return
	}

	latest, err := s.History.Latest(r.Context(), repoName)
	if err != nil {
		s.Logger.Error("Failed to get latest deployment", "error", err, "repo", repoName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
		return
	}

	recent, err := s.History.Recent(r.Context(), repoName, RecentDeploymentsLimit)
	if err != nil {
		s.Logger.Error("Failed to get deployment history", "error", err, "repo", repoName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"repo":               repoName,
		"deploying":          s.Locks.Locked(repoName),
		"latest_deployment":  latest,
		"recent_deployments": recent,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
}

func (s *Server) recordHistory(ctx context.Context, record *history.Record) {
	if s.History == nil {
		return
	}
	if _, err := s.History.Record(ctx, record); err != nil {
		s.Logger.Error("Failed to record deployment history", "error", err, "repo", record.Repo)
	}
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}

func stringPtr(s string) *string {
	return &s
}

func stringPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func int64Ptr(v int64) *int64 {
	return &v
}
