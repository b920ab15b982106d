package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mahjong_analysis/backend/go/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no task exists for the given id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidStatus is returned by List for an unrecognized status filter.
	ErrInvalidStatus = errors.New("invalid status filter")
	// ErrInvalidTask is returned by Create when a required field is empty.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidTransition is returned when a mutation breaks the state machine.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrTaskFinished is returned when a mutation targets a completed or failed task.
	ErrTaskFinished = errors.New("task already finished")
	// ErrDuplicateID is returned by Restore when an id is already registered.
	ErrDuplicateID = errors.New("duplicate task id")
)

// Observer is notified with a snapshot after every committed change, in commit
// order. Observers must not call Create or Update.
type Observer interface {
	TaskChanged(task models.AnalysisTask)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(task models.AnalysisTask)

// TaskChanged calls f(task).
func (f ObserverFunc) TaskChanged(task models.AnalysisTask) { f(task) }

// Mutator edits a working copy of a task. Returning an error discards the copy.
type Mutator func(task *models.AnalysisTask) error

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers an observer for committed changes.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observers = append(r.observers, o)
	}
}

// WithClock overrides the time source used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator overrides the task id generator.
func WithIDGenerator(next func() string) Option {
	return func(r *Registry) {
		r.newID = next
	}
}

// Registry is the in-memory set of analysis tasks. Records are stored by
// pointer and mutated in place; readers always receive copies.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*models.AnalysisTask
	order     []string
	observers []Observer
	now       func() time.Time
	newID     func() string

	// Commits take a ticket under mu; notify delivers them in ticket order.
	seq      uint64
	turnMu   sync.Mutex
	turnCond *sync.Cond
	turn     uint64
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tasks: make(map[string]*models.AnalysisTask),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	r.turnCond = sync.NewCond(&r.turnMu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new pending task. It does not start the pipeline.
func (r *Registry) Create(sourcePath, prompt string, force bool) (models.AnalysisTask, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return models.AnalysisTask{}, fmt.Errorf("%w: source_path is required", ErrInvalidTask)
	}
	if strings.TrimSpace(prompt) == "" {
		return models.AnalysisTask{}, fmt.Errorf("%w: prompt is required", ErrInvalidTask)
	}

	r.mu.Lock()
	id := r.newID()
	if _, exists := r.tasks[id]; exists {
		r.mu.Unlock()
		return models.AnalysisTask{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	now := r.now()
	task := &models.AnalysisTask{
		ID:             id,
		SourcePath:     sourcePath,
		Prompt:         prompt,
		ForceReanalyze: force,
		Status:         models.TaskStatusPending,
		Message:        "Task created",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.tasks[id] = task
	r.order = append(r.order, id)
	snapshot := task.Clone()
	ticket := r.nextTicket()
	r.mu.Unlock()

	r.notify(ticket, snapshot)
	return snapshot, nil
}

// Get returns a copy of the task with the given id.
func (r *Registry) Get(id string) (models.AnalysisTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return models.AnalysisTask{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Clone(), nil
}

// List returns tasks in creation order. An empty status means all statuses;
// a non-positive limit means no limit.
func (r *Registry) List(status string, limit int) ([]models.AnalysisTask, error) {
	var filter models.TaskStatus
	if status != "" {
		st, ok := models.ParseTaskStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		filter = st
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]models.AnalysisTask, 0)
	for _, id := range r.order {
		if limit > 0 && len(result) >= limit {
			break
		}
		task := r.tasks[id]
		if filter != "" && task.Status != filter {
			continue
		}
		result = append(result, task.Clone())
	}
	return result, nil
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Update applies mutate to a copy of the task and commits it if the result is
// a legal step: a state machine edge (or no status change), non-decreasing
// progress, and consistent result_path/error fields. Immutable fields are
// restored regardless of what the mutator did. updated_at is refreshed on commit.
func (r *Registry) Update(id string, mutate Mutator) (models.AnalysisTask, error) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return models.AnalysisTask{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.Status.IsTerminal() {
		r.mu.Unlock()
		return models.AnalysisTask{}, fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, task.Status)
	}

	next := task.Clone()
	if err := mutate(&next); err != nil {
		r.mu.Unlock()
		return models.AnalysisTask{}, err
	}
	next.ID = task.ID
	next.SourcePath = task.SourcePath
	next.Prompt = task.Prompt
	next.ForceReanalyze = task.ForceReanalyze
	next.CreatedAt = task.CreatedAt

	if err := validateStep(*task, next); err != nil {
		r.mu.Unlock()
		return models.AnalysisTask{}, fmt.Errorf("task %s: %w", id, err)
	}
	next.UpdatedAt = r.now()
	*task = next
	snapshot := task.Clone()
	ticket := r.nextTicket()
	r.mu.Unlock()

	r.notify(ticket, snapshot)
	return snapshot, nil
}

// Restore loads previously archived tasks, keeping their creation order.
// Records that violate an invariant are skipped and reported in the error.
func (r *Registry) Restore(tasks []models.AnalysisTask) (int, error) {
	sorted := make([]models.AnalysisTask, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	restored := 0
	for _, t := range sorted {
		if _, exists := r.tasks[t.ID]; exists || t.ID == "" {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateID, t.ID))
			continue
		}
		if _, ok := models.ParseTaskStatus(string(t.Status)); !ok {
			errs = append(errs, fmt.Errorf("task %s: unknown status %q", t.ID, t.Status))
			continue
		}
		if err := t.CheckInvariants(); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		record := t.Clone()
		r.tasks[t.ID] = &record
		r.order = append(r.order, t.ID)
		restored++
	}
	return restored, errors.Join(errs...)
}

func validateStep(prev, next models.AnalysisTask) error {
	if next.Status != prev.Status && !prev.Status.CanTransitionTo(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Progress < prev.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	if prev.CacheUsed && !next.CacheUsed {
		return fmt.Errorf("%w: cache_used cannot be cleared", ErrInvalidTransition)
	}
	if err := next.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return nil
}

// nextTicket must be called with mu held.
func (r *Registry) nextTicket() uint64 {
	t := r.seq
	r.seq++
	return t
}

// notify waits until every earlier commit has been delivered, so a slow
// observer never lets a newer snapshot overtake an older one.
func (r *Registry) notify(ticket uint64, task models.AnalysisTask) {
	r.turnMu.Lock()
	for r.turn != ticket {
		r.turnCond.Wait()
	}
	r.turnMu.Unlock()

	for _, o := range r.observers {
		o.TaskChanged(task.Clone())
	}

	r.turnMu.Lock()
	r.turn++
	r.turnCond.Broadcast()
	r.turnMu.Unlock()
}
