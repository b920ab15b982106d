package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"mahjong_analysis/backend/go/internal/analysis_service/analyzer"
	"mahjong_analysis/backend/go/internal/analysis_service/objectstore"
	"mahjong_analysis/backend/go/internal/analysis_service/registry"
	"mahjong_analysis/backend/go/internal/analysis_service/workspace"
	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// FailureKind classifies why a run ended in failed.
type FailureKind string

const (
	FetchFailure    FailureKind = "FetchFailure"
	AnalysisFailure FailureKind = "AnalysisFailure"
	MergeFailure    FailureKind = "MergeFailure"
)

// PhaseError is the error recorded on a failed task.
type PhaseError struct {
	Kind FailureKind
	Err  error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ErrNotPending is returned by Run for a task that has already been started.
var ErrNotPending = errors.New("task is not pending")

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithSummarizer enables the free-text summary appended to every report.
func WithSummarizer(s analyzer.Summarizer) EngineOption {
	return func(e *Engine) { e.summarizer = s }
}

// WithDownloadConcurrency bounds parallel fetches within one task.
func WithDownloadConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.downloadConcurrency = n
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// Engine drives one task through download, analysis and merge. Run is
// synchronous; scheduling runs concurrently is the Scheduler's job.
type Engine struct {
	registry            *registry.Registry
	gateway             objectstore.Gateway
	workspaces          *workspace.Manager
	analyzer            analyzer.Analyzer
	summarizer          analyzer.Summarizer
	matcher             *objectstore.Matcher
	downloadConcurrency int
	log                 *logger.Logger
}

// NewEngine wires the pipeline collaborators.
func NewEngine(reg *registry.Registry, gw objectstore.Gateway, ws *workspace.Manager, an analyzer.Analyzer, matcher *objectstore.Matcher, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:            reg,
		gateway:             gw,
		workspaces:          ws,
		analyzer:            an,
		matcher:             matcher,
		downloadConcurrency: 4,
		log:                 logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the task to a terminal state. The returned error is the
// failure recorded on the task, or a registry error if the task could not
// be started or updated.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	task, err := e.registry.Get(taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, taskID, task.Status)
	}
	log := e.log.WithTask(taskID)

	if err := e.advance(taskID, models.TaskStatusDownloading, progressDownloadStart,
		"Downloading images from "+task.SourcePath, nil); err != nil {
		return err
	}
	log.WithPayload(map[string]interface{}{"source_path": task.SourcePath, "force": task.ForceReanalyze}).Info("Task started")

	ws, err := e.workspaces.WorkspaceFor(task.SourcePath)
	if err != nil {
		return e.fail(taskID, &PhaseError{Kind: FetchFailure, Err: err})
	}
	release := e.workspaces.Pin(ws)
	defer release()

	images, err := e.download(ctx, task, ws)
	if err != nil {
		return e.fail(taskID, &PhaseError{Kind: FetchFailure, Err: err})
	}

	if err := e.advance(taskID, models.TaskStatusAnalyzing, progressAnalyzeStart,
		fmt.Sprintf("Analyzing %d images", len(images)), func(t *models.AnalysisTask) {
			t.ImageCount = len(images)
		}); err != nil {
		return err
	}
	if err := e.analyze(ctx, task, ws, images); err != nil {
		return e.fail(taskID, &PhaseError{Kind: AnalysisFailure, Err: err})
	}

	if err := e.advance(taskID, models.TaskStatusMerging, progressMergeStart, "Merging per-image results", nil); err != nil {
		return err
	}
	current, err := e.registry.Get(taskID)
	if err != nil {
		return err
	}
	reportPath, err := e.merge(ctx, current, ws, images)
	if err != nil {
		return e.fail(taskID, &PhaseError{Kind: MergeFailure, Err: err})
	}

	final, err := e.registry.Update(taskID, func(t *models.AnalysisTask) error {
		t.Status = models.TaskStatusCompleted
		t.Progress = progressDone
		t.Message = "Analysis completed"
		t.ResultPath = models.StringPtr(reportPath)
		return nil
	})
	if err != nil {
		return err
	}
	log.WithPayload(map[string]interface{}{
		"images":     final.ImageCount,
		"analyzed":   final.AnalyzedCount,
		"cache_used": final.CacheUsed,
	}).Info("Task completed")
	return nil
}

// download fetches every image under the task's source path plus the remote
// sidecars that belong to those images, unless the task forces re-analysis. Files already present locally with
// matching size and modification time are not fetched again.
func (e *Engine) download(ctx context.Context, task models.AnalysisTask, ws string) ([]string, error) {
	prefix := objectstore.DirPrefix(task.SourcePath)
	objects, err := e.gateway.ListAll(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", task.SourcePath, err)
	}
	images := objectstore.Partition(objects, prefix, e.matcher)
	if len(images) == 0 {
		return nil, fmt.Errorf("no images found under %s", task.SourcePath)
	}

	total := len(images)
	var done int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.downloadConcurrency)
	for _, img := range images {
		img := img
		g.Go(func() error {
			if !e.workspaces.ImageUpToDate(ws, img.Key, img.Object.Size, img.Object.LastModified) {
				data, err := e.gateway.Fetch(gctx, img.Object.Key)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", img.Object.Key, err)
				}
				if err := e.workspaces.WriteImage(ws, img.Key, data, img.Object.LastModified); err != nil {
					return err
				}
			}
			// A forced run rewrites every sidecar, so remote ones are not needed.
			if img.Sidecar != nil && !task.ForceReanalyze && !e.workspaces.SidecarUpToDate(ws, img.Key, img.Sidecar.Size, img.Sidecar.LastModified) {
				data, err := e.gateway.Fetch(gctx, img.Sidecar.Key)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", img.Sidecar.Key, err)
				}
				p, err := e.workspaces.SidecarPath(ws, img.Key)
				if err != nil {
					return err
				}
				if err := e.workspaces.WriteFileAtomic(p, data, img.Sidecar.LastModified); err != nil {
					return err
				}
			}
			n := int(atomic.AddInt32(&done, 1))
			return e.advance(task.ID, "", bandProgress(progressDownloadStart, progressAnalyzeStart, n, total),
				fmt.Sprintf("Downloaded %d/%d images", n, total), nil)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make([]string, len(images))
	for i, img := range images {
		keys[i] = img.Key
	}
	return keys, nil
}

// analyze applies the skip policy to each image in key order and stores
// every fresh finding as the image's sidecar.
func (e *Engine) analyze(ctx context.Context, task models.AnalysisTask, ws string, keys []string) error {
	total := len(keys)
	analyzed := 0
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		reused := !ShouldAnalyze(task.ForceReanalyze, e.workspaces.HasSidecar(ws, key))
		if !reused {
			data, err := e.workspaces.ReadImage(ws, key)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			finding, err := e.analyzer.Analyze(ctx, models.ImageInput{Key: key, Data: data}, task.Prompt)
			if err != nil {
				return fmt.Errorf("analyze %s: %w", key, err)
			}
			out, err := json.MarshalIndent(finding, "", "  ")
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			if err := e.workspaces.WriteSidecar(ws, key, out); err != nil {
				return fmt.Errorf("store %s: %w", key, err)
			}
			analyzed++
		}

		msg := fmt.Sprintf("Analyzed %d/%d: %s", i+1, total, key)
		if reused {
			msg = fmt.Sprintf("Reused stored result %d/%d: %s", i+1, total, key)
		}
		count := analyzed
		if err := e.advance(task.ID, "", bandProgress(progressAnalyzeStart, progressMergeStart, i+1, total), msg,
			func(t *models.AnalysisTask) {
				t.AnalyzedCount = count
				if reused {
					t.CacheUsed = true
				}
			}); err != nil {
			return err
		}
	}
	return nil
}

// advance commits a status and progress step. An empty status keeps the
// current one; progress only ever moves forward.
func (e *Engine) advance(id string, status models.TaskStatus, progress int, message string, edit func(*models.AnalysisTask)) error {
	_, err := e.registry.Update(id, func(t *models.AnalysisTask) error {
		if status != "" {
			t.Status = status
		}
		if progress > t.Progress {
			t.Progress = progress
		}
		t.Message = message
		if edit != nil {
			edit(t)
		}
		return nil
	})
	return err
}

// fail records the phase error on the task and returns it.
func (e *Engine) fail(id string, perr *PhaseError) error {
	e.log.WithTask(id).WithError(models.ErrorInfo{Message: perr.Err.Error(), Type: string(perr.Kind)}).Error("Task failed")
	if _, err := e.registry.Update(id, func(t *models.AnalysisTask) error {
		t.Status = models.TaskStatusFailed
		t.Error = models.StringPtr(perr.Error())
		t.Message = "Task failed during " + phaseName(perr.Kind)
		return nil
	}); err != nil {
		return errors.Join(perr, err)
	}
	return perr
}

func phaseName(kind FailureKind) string {
	switch kind {
	case FetchFailure:
		return "download"
	case AnalysisFailure:
		return "analysis"
	default:
		return "merge"
	}
}
