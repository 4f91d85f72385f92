package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	hist, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	return hist
}

func ptr[T any](v T) *T { return &v }

func TestHistory_Record(t *testing.T) {
	hist := openTestHistory(t)

	started := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	record := &Record{
		Repo:       "owner/app",
		Branch:     "main",
		Ref:        "refs/heads/main",
		Status:     StatusSuccess,
		Version:    1714564800123,
		DeliveryID: "delivery-1",
		StartedAt:  started,
		DurationMs: ptr(int64(5500)),
		Commit:     ptr("abc123def456"),
	}

	id, err := hist.Record(context.Background(), record)
	if err != nil {
		t.Fatalf("Failed to record deployment: %v", err)
	}
	if id == 0 || record.ID != id {
		t.Errorf("Record() id = %d, record.ID = %d", id, record.ID)
	}

	got, err := hist.Latest(context.Background(), "owner/app")
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if got.Version != record.Version || got.DeliveryID != "delivery-1" || got.Branch != "main" {
		t.Errorf("Latest() = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should default to the insert time")
	}
	if got.Commit == nil || *got.Commit != "abc123def456" {
		t.Errorf("Commit = %v", got.Commit)
	}
	if got.Error != nil {
		t.Errorf("Error = %v, want nil", *got.Error)
	}
}

func TestHistory_LatestNoRecords(t *testing.T) {
	hist := openTestHistory(t)

	latest, err := hist.Latest(context.Background(), "owner/none")
	if err != nil {
		t.Fatalf("Expected no error for unknown repository, got: %v", err)
	}
	if latest != nil {
		t.Errorf("Expected nil for unknown repository, got: %v", latest)
	}
}

func TestHistory_Recent(t *testing.T) {
	hist := openTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := hist.Record(ctx, &Record{
			Repo:       "owner/app",
			Status:     StatusSuccess,
			DurationMs: ptr(int64(i)),
		}); err != nil {
			t.Fatalf("Failed to record deployment %d: %v", i, err)
		}
	}
	if _, err := hist.Record(ctx, &Record{Repo: "owner/other", Status: StatusFailed}); err != nil {
		t.Fatal(err)
	}

	records, err := hist.Recent(ctx, "owner/app", 3)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].DurationMs == nil || *records[0].DurationMs != 4 {
		t.Errorf("Expected newest record first, got %+v", records[0])
	}
	for _, r := range records {
		if r.Repo != "owner/app" {
			t.Errorf("Recent() leaked record for %s", r.Repo)
		}
	}

	empty, err := hist.Recent(ctx, "owner/none", 10)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Recent() for unknown repository = %v, %v; want empty slice", empty, err)
	}
}

func TestHistory_LatestPerRepo(t *testing.T) {
	hist := openTestHistory(t)
	ctx := context.Background()

	hist.Record(ctx, &Record{Repo: "owner/one", Status: StatusFailed})
	hist.Record(ctx, &Record{Repo: "owner/one", Status: StatusSuccess})
	hist.Record(ctx, &Record{Repo: "owner/two", Status: StatusRejected, Error: ptr("Deployment already in progress")})

	status, err := hist.LatestPerRepo(ctx)
	if err != nil {
		t.Fatalf("LatestPerRepo() error: %v", err)
	}
	if len(status) != 2 {
		t.Fatalf("Expected 2 repositories, got %d", len(status))
	}
	if status["owner/one"].Status != StatusSuccess {
		t.Errorf("owner/one status = %q, want success", status["owner/one"].Status)
	}
	if status["owner/two"].Error == nil || *status["owner/two"].Error != "Deployment already in progress" {
		t.Errorf("owner/two error = %v", status["owner/two"].Error)
	}
}

func TestHistory_DatabasePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	hist, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer hist.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0007 != 0 {
		t.Errorf("database file is accessible to others: %04o", perm)
	}
}

func TestHistory_Memory(t *testing.T) {
	hist, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	defer hist.Close()

	if _, err := hist.Record(context.Background(), &Record{Repo: "owner/app", Status: StatusSuccess}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	latest, err := hist.Latest(context.Background(), "owner/app")
	if err != nil || latest == nil {
		t.Errorf("Latest() = %v, %v", latest, err)
	}
}
