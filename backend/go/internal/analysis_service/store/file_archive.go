package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"mahjong_analysis/backend/go/internal/models"
)

// FileTaskArchive keeps every task in one JSON file. The whole file is
// rewritten on each save through a temp file and rename, so a crash leaves
// either the old or the new contents.
type FileTaskArchive struct {
	path  string
	mu    sync.Mutex
	tasks map[string]models.AnalysisTask
}

// NewFileTaskArchive opens the archive at path, reading it if it exists.
func NewFileTaskArchive(path string) (*FileTaskArchive, error) {
	a := &FileTaskArchive{path: path, tasks: make(map[string]models.AnalysisTask)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task archive: %w", err)
	}
	if len(data) == 0 {
		return a, nil
	}
	var tasks []models.AnalysisTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode task archive %s: %w", path, err)
	}
	for _, t := range tasks {
		a.tasks[t.ID] = t
	}
	return a, nil
}

// Save replaces the stored copy of task.
func (a *FileTaskArchive) Save(ctx context.Context, task models.AnalysisTask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, had := a.tasks[task.ID]
	a.tasks[task.ID] = task
	if err := a.writeLocked(); err != nil {
		if had {
			a.tasks[task.ID] = prev
		} else {
			delete(a.tasks, task.ID)
		}
		return err
	}
	return nil
}

// LoadAll returns the archived tasks in creation order.
func (a *FileTaskArchive) LoadAll(ctx context.Context) ([]models.AnalysisTask, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sortedLocked(), nil
}

func (a *FileTaskArchive) sortedLocked() []models.AnalysisTask {
	out := make([]models.AnalysisTask, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (a *FileTaskArchive) writeLocked() error {
	data, err := json.MarshalIndent(a.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode task archive: %w", err)
	}
	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tasks-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), a.path)
}
