package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockDeleter はDeleterのモック実装。
type mockDeleter struct {
	calls   atomic.Int32
	cutoff  time.Time
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.calls.Add(1)
	m.cutoff = cutoff
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
}

// lastLogEntry はJSONログの最終行をデコードする。
func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("ログのJSONデコードに失敗: %v", err)
	}
	return entry
}

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{}, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.Retention != DefaultRetention {
		t.Errorf("Retention = %s, want %s", job.Retention, DefaultRetention)
	}
}

func TestCleanupJob_Run_UsesRetentionCutoff(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockDeleter{deleted: 3}
	job := NewCleanupJob(repo, newTestLogger(&buf))
	job.now = fixedNow
	job.Retention = 48 * time.Hour

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := fixedNow().Add(-48 * time.Hour)
	if !repo.cutoff.Equal(want) {
		t.Errorf("cutoff = %s, want %s", repo.cutoff, want)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{deleted: 7}, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	entry := lastLogEntry(t, &buf)
	if got, ok := entry["deleted_count"].(float64); !ok || got != 7 {
		t.Errorf("deleted_count = %v, want 7", entry["deleted_count"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
}

func TestCleanupJob_Run_ZeroRowsIsNotError(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{deleted: 0}, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	entry := lastLogEntry(t, &buf)
	if got, ok := entry["deleted_count"].(float64); !ok || got != 0 {
		t.Errorf("deleted_count = %v, want 0", entry["deleted_count"])
	}
}

func TestCleanupJob_Run_ReturnsAndLogsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	dbErr := errors.New("connection refused")
	job := NewCleanupJob(&mockDeleter{err: dbErr}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, dbErr) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, dbErr)
	}

	entry := lastLogEntry(t, &buf)
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
	if !strings.Contains(entry["error"].(string), "connection refused") {
		t.Errorf("error = %v, want connection refused", entry["error"])
	}
}

func TestCleanupJob_Run_RespectsContext(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{}, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockDeleter{}
	job := NewCleanupJob(repo, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for repo.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("calls = %d, want >= 2", repo.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
