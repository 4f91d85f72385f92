package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hookrelay/internal/deployment"
	"hookrelay/internal/history"
	"hookrelay/internal/notify"
	"hookrelay/internal/repo"
	"hookrelay/internal/webhook"
	"hookrelay/pkg/cmdutil"
)

const testSecret = "test-secret-at-least-32-chars-long-here"

// recordingNotifier captures dispatched messages synchronously.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *recordingNotifier) Dispatch(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) Wait() {}

func (n *recordingNotifier) received() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.messages...)
}

type testEnv struct {
	server   *Server
	repo     *repo.Config
	notifier *recordingNotifier
	spawns   atomic.Int32
	hold     chan struct{}
	failOn   string
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, deployment.DefaultDescriptor), []byte("services: {}\n"), 0644); err != nil {
		t.Fatalf("Failed to write descriptor: %v", err)
	}

	env := &testEnv{
		repo:     &repo.Config{Name: "owner/app", Path: dir, Secret: testSecret, Branch: "main"},
		notifier: &recordingNotifier{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	executor := deployment.NewExecutor(logger)
	executor.SettleDelay = 0
	executor.Runner = deployment.RunnerFunc(func(ctx context.Context, _ cmdutil.ExecOptions, args []string) (*cmdutil.Result, error) {
		env.spawns.Add(1)
		if env.hold != nil {
			<-env.hold
		}
		joined := strings.Join(args, " ")
		if env.failOn != "" && strings.Contains(joined, env.failOn) {
			return &cmdutil.Result{ExitCode: 1, Stderr: []byte("failure output")}, fmt.Errorf("command exited with code 1")
		}
		switch {
		case strings.Contains(joined, "config --services"):
			return &cmdutil.Result{Stdout: []byte("web\n")}, nil
		case strings.Contains(joined, " ps "):
			return &cmdutil.Result{Stdout: []byte("web\n")}, nil
		}
		return &cmdutil.Result{}, nil
	})

	registry := repo.NewRegistry(map[string]*repo.Config{env.repo.Name: env.repo})
	env.server = NewServer(registry, executor, env.notifier, nil, logger)
	env.server.TestMode = true

	return env
}

func pushBody(repoName, ref string) []byte {
	return []byte(fmt.Sprintf(`{"ref":%q,"after":"0123456789abcdef0123456789abcdef01234567","repository":{"full_name":%q},"sender":{"login":"octocat"}}`, ref, repoName))
}

func newWebhookRequest(body []byte, event, signature string) *http.Request {
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	return req
}

func serve(s *Server, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	var response map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &response)
	return rr, response
}

func TestHandleWebhook_SuccessfulDeployment(t *testing.T) {
	env := setupTestServer(t)
	body := pushBody("owner/app", "refs/heads/main")

	rr, response := serve(env.server, newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret))))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if response["message"] != "Deployment successful" {
		t.Errorf("response = %v", response)
	}
	if env.spawns.Load() != 4 {
		t.Errorf("spawned %d processes, want 4", env.spawns.Load())
	}

	messages := env.notifier.received()
	if len(messages) != 1 {
		t.Fatalf("expected one notification, got %d", len(messages))
	}
	msg := messages[0]
	if !msg.Success || msg.Repo != "owner/app" || msg.Timestamp.IsZero() {
		t.Errorf("notification = %+v", msg)
	}
	if msg.Commit != "0123456789abcdef0123456789abcdef01234567" || msg.Sender != "octocat" {
		t.Errorf("notification should carry push details, got %+v", msg)
	}
	if !strings.Contains(msg.Text(), "owner/app") || !strings.Contains(msg.Text(), "Timestamp: ") {
		t.Errorf("notification text = %s", msg.Text())
	}
}

func TestHandleWebhook_FailedDeployment(t *testing.T) {
	env := setupTestServer(t)
	env.failOn = "git pull"
	body := pushBody("owner/app", "refs/heads/main")

	rr, response := serve(env.server, newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret))))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rr.Code)
	}
	if response["error"] != "git pull failed" || response["step"] != "pull" {
		t.Errorf("response = %v", response)
	}

	messages := env.notifier.received()
	if len(messages) != 1 || messages[0].Success || messages[0].Error != "git pull failed" {
		t.Errorf("notifications = %+v", messages)
	}
}

func TestHandleWebhook_UnknownRepository(t *testing.T) {
	env := setupTestServer(t)
	body := pushBody("owner/unknown", "refs/heads/main")

	rr, response := serve(env.server, newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret))))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
	if response["error"] != "Repository not configured" {
		t.Errorf("response = %v", response)
	}
	if env.spawns.Load() != 0 {
		t.Errorf("spawned %d processes for an unconfigured repository", env.spawns.Load())
	}
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	env := setupTestServer(t)
	body := pushBody("owner/app", "refs/heads/main")

	rr, response := serve(env.server, newWebhookRequest(body, "push", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
	if response["error"] != "Invalid signature" {
		t.Errorf("response = %v", response)
	}
	if env.spawns.Load() != 0 {
		t.Errorf("spawned %d processes without a signature", env.spawns.Load())
	}
	if len(env.notifier.received()) != 0 {
		t.Error("no notification expected for rejected deliveries")
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	env := setupTestServer(t)
	body := pushBody("owner/app", "refs/heads/main")
	wrong := webhook.Sign(body, []byte("wrong-secret-32-chars-long-xxxxxxx"))

	rr, _ := serve(env.server, newWebhookRequest(body, "push", wrong))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
	if env.spawns.Load() != 0 {
		t.Errorf("spawned %d processes with a bad signature", env.spawns.Load())
	}
}

func TestHandleWebhook_MalformedBody(t *testing.T) {
	env := setupTestServer(t)

	testCases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", "{not json", "Invalid JSON payload"},
		{"missing repository", `{"ref":"refs/heads/main"}`, "Missing repository name"},
		{"empty body", "", "Invalid JSON payload"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(tc.body)
			rr, response := serve(env.server, newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret))))

			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rr.Code)
			}
			if response["error"] != tc.wantErr {
				t.Errorf("error = %v, want %q", response["error"], tc.wantErr)
			}
		})
	}
	if env.spawns.Load() != 0 {
		t.Errorf("spawned %d processes for malformed bodies", env.spawns.Load())
	}
}

func TestHandleWebhook_IgnoredBranch(t *testing.T) {
	env := setupTestServer(t)
	body := pushBody("owner/app", "refs/heads/dev")

	rr, response := serve(env.server, newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret))))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if response["message"] != "OK: Ignored push to dev" {
		t.Errorf("response = %v", response)
	}
	if env.spawns.Load() != 0 {
		t.Errorf("spawned %d processes for an ignored branch", env.spawns.Load())
	}
	if len(env.notifier.received()) != 0 {
		t.Error("ignored pushes must not notify")
	}
}

func TestHandleWebhook_IgnoredEvent(t *testing.T) {
	env := setupTestServer(t)
	body := pushBody("owner/app", "refs/heads/main")

	rr, response := serve(env.server, newWebhookRequest(body, "pull_request", webhook.Sign(body, []byte(testSecret))))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(fmt.Sprint(response["message"]), "pull_request") {
		t.Errorf("response = %v", response)
	}
	if env.spawns.Load() != 0 || len(env.notifier.received()) != 0 {
		t.Error("ignored events must not deploy or notify")
	}
}

func TestHandleWebhook_PayloadTooLarge(t *testing.T) {
	env := setupTestServer(t)

	rr, _ := serve(env.server, newWebhookRequest(make([]byte, MaxPayloadBytes+1), "push", ""))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", rr.Code)
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	env := setupTestServer(t)

	for _, method := range []string{"GET", "PUT", "DELETE"} {
		rr, response := serve(env.server, httptest.NewRequest(method, "/webhook", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s /webhook: expected 405, got %d", method, rr.Code)
		}
		if response["error"] != "Method not allowed" {
			t.Errorf("%s /webhook: response = %v", method, response)
		}
	}
}

func TestHandleWebhook_ConcurrentSameRepository(t *testing.T) {
	env := setupTestServer(t)
	env.hold = make(chan struct{})
	body := pushBody("owner/app", "refs/heads/main")
	sig := webhook.Sign(body, []byte(testSecret))

	first := make(chan int, 1)
	go func() {
		rr, _ := serve(env.server, newWebhookRequest(body, "push", sig))
		first <- rr.Code
	}()

	// Wait until the first delivery is inside git pull.
	deadline := time.After(5 * time.Second)
	for env.spawns.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first deployment never started")
		case <-time.After(time.Millisecond):
		}
	}

	rr, response := serve(env.server, newWebhookRequest(body, "push", sig))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rr.Code)
	}
	if response["error"] != "Deployment already in progress" {
		t.Errorf("response = %v", response)
	}
	if env.spawns.Load() != 1 {
		t.Errorf("second delivery spawned processes: %d", env.spawns.Load())
	}

	close(env.hold)
	if code := <-first; code != http.StatusOK {
		t.Errorf("first delivery status = %d, want 200", code)
	}
}

func TestHandleWebhook_Async(t *testing.T) {
	env := setupTestServer(t)
	env.server.Async = true
	body := pushBody("owner/app", "refs/heads/main")

	rr, response := serve(env.server, newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret))))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rr.Code)
	}
	if response["message"] != "Deployment accepted" || response["repo"] != "owner/app" {
		t.Errorf("response = %v", response)
	}

	env.server.WaitForDeployments()

	if env.spawns.Load() != 4 {
		t.Errorf("spawned %d processes, want 4", env.spawns.Load())
	}
	if messages := env.notifier.received(); len(messages) != 1 || !messages[0].Success {
		t.Errorf("notifications = %+v", messages)
	}
	if env.server.Locks.Locked("owner/app") {
		t.Error("lock should be released after the async deployment")
	}
}

func TestShutdown_WaitsForDeployments(t *testing.T) {
	env := setupTestServer(t)
	env.server.Async = true
	env.hold = make(chan struct{})
	body := pushBody("owner/app", "refs/heads/main")

	rr, _ := serve(env.server, newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret))))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rr.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := env.server.Shutdown(ctx); err == nil {
		t.Error("Shutdown() should report the deadline while a deployment is running")
	}

	close(env.hold)
	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error after deployment finished: %v", err)
	}
	if messages := env.notifier.received(); len(messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(messages))
	}
}

func TestHandleWebhook_RecordsHistory(t *testing.T) {
	env := setupTestServer(t)
	hist, err := history.Open(history.MemoryPath)
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	defer hist.Close()
	env.server.History = hist

	body := pushBody("owner/app", "refs/heads/main")
	req := newWebhookRequest(body, "push", webhook.Sign(body, []byte(testSecret)))
	req.Header.Set("X-GitHub-Delivery", "delivery-42")
	serve(env.server, req)

	latest, err := hist.Latest(context.Background(), "owner/app")
	if err != nil || latest == nil {
		t.Fatalf("Latest() = %v, %v", latest, err)
	}
	if latest.Status != history.StatusSuccess || latest.DeliveryID != "delivery-42" || latest.Version == 0 {
		t.Errorf("history record = %+v", latest)
	}
	if latest.Commit == nil || *latest.Commit != "0123456789abcdef0123456789abcdef01234567" {
		t.Errorf("commit = %v", latest.Commit)
	}
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	rr, response := serve(env.server, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if response["status"] != "ok" || response["repo_count"] != float64(1) {
		t.Errorf("response = %v", response)
	}
	repos, _ := response["repos"].([]any)
	if len(repos) != 1 || repos[0] != "owner/app" {
		t.Errorf("repos = %v", response["repos"])
	}
}

func TestHandleStatus(t *testing.T) {
	env := setupTestServer(t)

	rr, _ := serve(env.server, httptest.NewRequest("GET", "/status/owner/app", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("without history: expected 503, got %d", rr.Code)
	}

	rr, _ = serve(env.server, httptest.NewRequest("GET", "/status/owner/unknown", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown repository: expected 404, got %d", rr.Code)
	}

	rr, _ = serve(env.server, httptest.NewRequest("GET", "/status/-owner/app", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid name: expected 400, got %d", rr.Code)
	}

	hist, err := history.Open(history.MemoryPath)
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	defer hist.Close()
	env.server.History = hist
	hist.Record(context.Background(), &history.Record{Repo: "owner/app", Status: history.StatusFailed})
	hist.Record(context.Background(), &history.Record{Repo: "owner/app", Status: history.StatusSuccess})

	rr, response := serve(env.server, httptest.NewRequest("GET", "/status/owner/app", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	latest, _ := response["latest_deployment"].(map[string]any)
	if latest["status"] != history.StatusSuccess {
		t.Errorf("latest = %v", latest)
	}
	recent, _ := response["recent_deployments"].([]any)
	if len(recent) != 2 {
		t.Errorf("recent = %v", recent)
	}
	if response["deploying"] != false {
		t.Errorf("deploying = %v", response["deploying"])
	}
}

func TestNotFound(t *testing.T) {
	env := setupTestServer(t)

	rr, response := serve(env.server, httptest.NewRequest("GET", "/nope", nil))
	if rr.Code != http.StatusNotFound || response["error"] != "Not found" {
		t.Errorf("got %d %v", rr.Code, response)
	}
}
