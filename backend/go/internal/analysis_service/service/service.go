package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mahjong_analysis/backend/go/internal/analysis_service/objectstore"
	"mahjong_analysis/backend/go/internal/analysis_service/registry"
	"mahjong_analysis/backend/go/internal/analysis_service/workspace"
	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"
	"mahjong_analysis/backend/go/pkg/util"
)

var (
	// ErrNotCompleted is returned when a result is requested before the task completed.
	ErrNotCompleted = errors.New("task is not completed")
	// ErrResultMissing is returned when a completed task's report is gone from disk.
	ErrResultMissing = errors.New("result file not found")
)

const listingCacheSize = 256

// AnalysisService is what the HTTP layer talks to. It owns no goroutines of
// its own; runs are started through the Scheduler.
type AnalysisService struct {
	registry   *registry.Registry
	scheduler  Scheduler
	gateway    objectstore.Gateway
	workspaces *workspace.Manager
	listings   *util.LRUCache[string, *models.Listing]
	log        *logger.Logger
}

// NewAnalysisService creates the service. A listingTTL of zero disables the
// object listing cache.
func NewAnalysisService(reg *registry.Registry, scheduler Scheduler, gw objectstore.Gateway, ws *workspace.Manager, listingTTL time.Duration, log *logger.Logger) *AnalysisService {
	s := &AnalysisService{
		registry:   reg,
		scheduler:  scheduler,
		gateway:    gw,
		workspaces: ws,
		log:        log,
	}
	if listingTTL > 0 {
		s.listings, _ = util.NewWithConfig(util.CacheConfig[string, *models.Listing]{
			Capacity: listingCacheSize,
			TTL:      listingTTL,
		})
	}
	return s
}

// Submit validates the request, registers a pending task and schedules it.
func (s *AnalysisService) Submit(req models.CreateAnalysisRequest) (models.AnalysisTask, error) {
	source := strings.TrimSpace(req.SourcePath)
	if source == "" {
		source = strings.TrimSpace(req.CosPath)
	}
	if workspace.NormalizeSourcePath(source) == "" {
		return models.AnalysisTask{}, fmt.Errorf("%w: source_path is required", registry.ErrInvalidTask)
	}
	// Registering a task nothing will run would leave it pending forever.
	if !s.scheduler.Accepting() {
		return models.AnalysisTask{}, ErrSchedulerClosed
	}
	task, err := s.registry.Create(source, strings.TrimSpace(req.Prompt), req.ForceReanalyze)
	if err != nil {
		return models.AnalysisTask{}, err
	}
	if err := s.scheduler.Schedule(task.ID); err != nil {
		return models.AnalysisTask{}, fmt.Errorf("schedule task %s: %w", task.ID, err)
	}
	s.log.WithTask(task.ID).WithPayload(map[string]interface{}{
		"source_path": task.SourcePath,
		"force":       task.ForceReanalyze,
	}).Info("Task submitted")
	return task, nil
}

// Get returns one task.
func (s *AnalysisService) Get(id string) (models.AnalysisTask, error) {
	return s.registry.Get(id)
}

// List returns tasks in creation order.
func (s *AnalysisService) List(status string, limit int) ([]models.AnalysisTask, error) {
	return s.registry.List(status, limit)
}

// Result reads the merged report of a completed task.
func (s *AnalysisService) Result(id string) (*models.AnalysisResult, error) {
	task, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusCompleted || task.ResultPath == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, task.Status)
	}
	content, err := os.ReadFile(*task.ResultPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrResultMissing, *task.ResultPath)
		}
		return nil, err
	}
	return &models.AnalysisResult{
		TaskID:     task.ID,
		Status:     task.Status,
		ResultPath: *task.ResultPath,
		Content:    string(content),
		Size:       int64(len(content)),
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
	}, nil
}

// ListObjects lists one level of the remote store, cached for a short time.
func (s *AnalysisService) ListObjects(ctx context.Context, path string) (*models.Listing, error) {
	key := objectstore.DirPrefix(path)
	if s.listings != nil {
		if cached, ok := s.listings.Get(key); ok {
			return cached, nil
		}
	}
	listing, err := s.gateway.List(ctx, path)
	if err != nil {
		return nil, err
	}
	if s.listings != nil {
		s.listings.Put(key, listing, 1)
	}
	return listing, nil
}

// Recover loads archived tasks after a restart. Tasks that were mid-run are
// marked failed since their run is gone; pending tasks are scheduled again.
func (s *AnalysisService) Recover(tasks []models.AnalysisTask) (int, error) {
	restored, restoreErr := s.registry.Restore(tasks)

	var errs []error
	if restoreErr != nil {
		errs = append(errs, restoreErr)
	}
	all, err := s.registry.List("", 0)
	if err != nil {
		return restored, err
	}
	for _, task := range all {
		switch {
		case task.Status.IsInFlight():
			_, err := s.registry.Update(task.ID, func(t *models.AnalysisTask) error {
				t.Status = models.TaskStatusFailed
				t.Error = models.StringPtr("interrupted by service restart")
				t.Message = "Task interrupted"
				return nil
			})
			if err != nil {
				errs = append(errs, err)
			}
		case task.Status == models.TaskStatusPending:
			if err := s.scheduler.Schedule(task.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if restored > 0 {
		s.log.WithPayload(map[string]interface{}{"restored": restored}).Info("Tasks restored from archive")
	}
	return restored, errors.Join(errs...)
}

// RunJanitor prunes idle workspaces every interval until ctx is done.
func (s *AnalysisService) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := s.workspaces.Prune(ttl, now)
			if err != nil {
				s.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Workspace pruning incomplete")
			}
			if len(removed) > 0 {
				s.log.WithPayload(map[string]interface{}{"removed": removed}).Info("Pruned idle workspaces")
			}
		}
	}
}
