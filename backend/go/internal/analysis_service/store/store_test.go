package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"
)

var created = time.Date(2025, 10, 15, 8, 0, 0, 0, time.UTC)

func sampleTask(id string, offset time.Duration, status models.TaskStatus) models.AnalysisTask {
	t := models.AnalysisTask{
		ID:         id,
		SourcePath: "egg/u/2025-10-15",
		Prompt:     "score",
		Status:     status,
		CreatedAt:  created.Add(offset),
		UpdatedAt:  created.Add(offset),
	}
	switch status {
	case models.TaskStatusCompleted:
		t.Progress = 100
		t.ResultPath = models.StringPtr("/cache/reports/" + id + ".txt")
	case models.TaskStatusFailed:
		t.Error = models.StringPtr("FetchFailure: no images")
	}
	return t
}

type recordingSink struct {
	mu    sync.Mutex
	saved []models.AnalysisTask
	err   error
}

func (s *recordingSink) Save(ctx context.Context, task models.AnalysisTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, task)
	return s.err
}

func (s *recordingSink) snapshot() []models.AnalysisTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AnalysisTask(nil), s.saved...)
}

func TestFileTaskArchive_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tasks.json")
	archive, err := NewFileTaskArchive(path)
	if err != nil {
		t.Fatalf("NewFileTaskArchive() error = %v", err)
	}
	ctx := context.Background()

	second := sampleTask("b", time.Minute, models.TaskStatusPending)
	first := sampleTask("a", 0, models.TaskStatusPending)
	for _, task := range []models.AnalysisTask{second, first} {
		if err := archive.Save(ctx, task); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	if err := archive.Save(ctx, sampleTask("a", 0, models.TaskStatusCompleted)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reopened, err := NewFileTaskArchive(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	tasks, err := reopened.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Errorf("Expected creation order [a b], got [%s %s]", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].Status != models.TaskStatusCompleted || tasks[0].ResultPath == nil {
		t.Errorf("Expected the newest snapshot of a, got %+v", tasks[0])
	}
}

func TestFileTaskArchive_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewFileTaskArchive(filepath.Join(dir, "none.json"))
	if err != nil {
		t.Fatalf("Expected a missing file to be an empty archive, got %v", err)
	}
	if tasks, _ := archive.LoadAll(context.Background()); len(tasks) != 0 {
		t.Errorf("Expected no tasks, got %d", len(tasks))
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("[{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileTaskArchive(corrupt); err == nil {
		t.Error("Expected an error for a corrupt archive")
	}
}

func TestRecorder_CoalescesAndFlushes(t *testing.T) {
	sink := &recordingSink{}
	rec := NewRecorder(logger.Discard(), sink)

	task := sampleTask("t1", 0, models.TaskStatusPending)
	for p := 10; p <= 40; p += 10 {
		task.Status = models.TaskStatusDownloading
		task.Progress = p
		rec.TaskChanged(task)
	}
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	saved := sink.snapshot()
	if len(saved) == 0 {
		t.Fatal("Expected at least one snapshot to be saved")
	}
	if last := saved[len(saved)-1]; last.Progress != 40 {
		t.Errorf("Expected the newest snapshot last, got progress %d", last.Progress)
	}
	for i := 1; i < len(saved); i++ {
		if saved[i].Progress < saved[i-1].Progress {
			t.Errorf("Snapshots saved out of order: %d after %d", saved[i].Progress, saved[i-1].Progress)
		}
	}

	rec.TaskChanged(sampleTask("late", 0, models.TaskStatusPending))
	if err := rec.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestRecorder_FlushReportsSinkErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	healthy := &recordingSink{}
	rec := NewRecorder(logger.Discard(), failing, healthy)
	defer rec.Close(context.Background())

	rec.TaskChanged(sampleTask("t1", 0, models.TaskStatusPending))
	// The background loop may already have written the snapshot.
	_ = rec.Flush(context.Background())
	if len(healthy.snapshot()) != 1 {
		t.Errorf("Expected the healthy sink to get the snapshot despite the failing one, got %d", len(healthy.snapshot()))
	}
}

func TestMySQLRowConversion(t *testing.T) {
	task := sampleTask("row-1", 0, models.TaskStatusFailed)
	task.CacheUsed = true
	row, err := toRow(task)
	if err != nil {
		t.Fatalf("toRow() error = %v", err)
	}
	if row.Status != "failed" || row.SourcePath != task.SourcePath {
		t.Errorf("Unexpected row columns %+v", row)
	}
	back, err := fromRow(row)
	if err != nil {
		t.Fatalf("fromRow() error = %v", err)
	}
	if back.ID != task.ID || !back.CacheUsed || back.Error == nil || *back.Error != *task.Error {
		t.Errorf("Snapshot did not survive the row, got %+v", back)
	}
	if _, err := fromRow(TaskRow{ID: "bad", Snapshot: []byte("{")}); err == nil {
		t.Error("Expected an error for a broken snapshot")
	}
}

func TestMirrorFields(t *testing.T) {
	fields := mirrorFields(sampleTask("m1", 0, models.TaskStatusCompleted))
	if fields["status"] != "completed" || fields["progress"] != "100" {
		t.Errorf("Unexpected status fields %v", fields)
	}
	if fields["result_path"] != "/cache/reports/m1.txt" || fields["error"] != "" {
		t.Errorf("Unexpected optional fields %v", fields)
	}
	mirror := NewRedisStatusMirror(nil, "analysis:task:", time.Hour)
	if got := mirror.Key("m1"); got != "analysis:task:m1" {
		t.Errorf("Key() = %q", got)
	}
}
