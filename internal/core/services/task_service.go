package services

import (
	"sort"
	"sync"
	"time"

	"github.com/appforge/backend/internal/domain"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultRunRetention    = 24 * time.Hour
	DefaultMaxFinishedRuns = 1000
)

// TaskService tracks task runs in memory and guards against two runs for the
// same idempotency key being in flight at once. In-flight runs are kept until
// they finish; finished runs stay queryable until they expire or are pushed
// out by newer ones.
type TaskService struct {
	runs     map[string]*domain.TaskRun // in flight
	finished *expirable.LRU[string, domain.TaskRun]
	active   map[string]string // idempotency key -> run id
	watchers map[string][]chan domain.TaskRun
	mu       sync.RWMutex
	now      func() time.Time
}

type TaskServiceConfig struct {
	// Retention is how long a finished run stays queryable.
	Retention time.Duration
	// MaxFinished caps the number of finished runs kept.
	MaxFinished int
}

func NewTaskService() *TaskService {
	return NewTaskServiceWithConfig(TaskServiceConfig{})
}

func NewTaskServiceWithConfig(cfg TaskServiceConfig) *TaskService {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRunRetention
	}
	size := cfg.MaxFinished
	if size <= 0 {
		size = DefaultMaxFinishedRuns
	}
	return &TaskService{
		runs:     make(map[string]*domain.TaskRun),
		finished: expirable.NewLRU[string, domain.TaskRun](size, nil, retention),
		active:   make(map[string]string),
		watchers: make(map[string][]chan domain.TaskRun),
		now:      time.Now,
	}
}

// ==================== Run Lifecycle ====================

// Begin registers an accepted run for the key. When a run for the same key is
// still in flight it returns a copy of that run and false.
func (s *TaskService) Begin(key, task string, round domain.Round) (*domain.TaskRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[key]; ok {
		if run, exists := s.runs[id]; exists {
			runCopy := *run
			return &runCopy, false
		}
	}

	run := s.newRunLocked(uuid.New().String(), key, task, round)
	runCopy := *run
	return &runCopy, true
}

// Ensure returns the run with the given id, registering it as accepted when
// this process has never seen it (e.g. a queued run redelivered after restart).
func (s *TaskService) Ensure(id, key, task string, round domain.Round) *domain.TaskRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.runs[id]; ok {
		runCopy := *run
		return &runCopy
	}
	if run, ok := s.finished.Get(id); ok {
		return &run
	}
	run := s.newRunLocked(id, key, task, round)
	runCopy := *run
	return &runCopy
}

func (s *TaskService) newRunLocked(id, key, task string, round domain.Round) *domain.TaskRun {
	now := s.now()
	run := &domain.TaskRun{
		ID:        id,
		Key:       key,
		Task:      task,
		Round:     round,
		Status:    domain.RunStatusAccepted,
		Message:   "Task accepted",
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.runs[id] = run
	s.active[key] = id
	return run
}

// Discard drops an accepted run that was never dispatched.
func (s *TaskService) Discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return
	}
	if s.active[run.Key] == id {
		delete(s.active, run.Key)
	}
	delete(s.runs, id)
	for _, ch := range s.watchers[id] {
		close(ch)
	}
	delete(s.watchers, id)
}

func (s *TaskService) Start(id, msg string) error {
	return s.update(id, func(run *domain.TaskRun) {
		run.Status = domain.RunStatusRunning
		run.Message = msg
	})
}

// Progress updates the message of a running run.
func (s *TaskService) Progress(id, msg string) error {
	return s.update(id, func(run *domain.TaskRun) {
		run.Message = msg
	})
}

func (s *TaskService) Complete(id string, outcome domain.TaskOutcome, artifacts []domain.ArtifactResult, notified bool) error {
	return s.update(id, func(run *domain.TaskRun) {
		run.Status = domain.RunStatusCompleted
		run.Message = "Task completed"
		run.Outcome = &outcome
		run.Artifacts = artifacts
		run.Notified = notified
	})
}

func (s *TaskService) Fail(id string, errStr string) error {
	return s.update(id, func(run *domain.TaskRun) {
		run.Status = domain.RunStatusFailed
		run.Message = "Task failed"
		run.Error = errStr
	})
}

func (s *TaskService) update(id string, mutate func(run *domain.TaskRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		if s.finished.Contains(id) {
			return ErrRunTerminal
		}
		return ErrRunNotFound
	}

	mutate(run)
	run.UpdatedAt = s.now()

	if run.Status.Terminal() {
		if s.active[run.Key] == id {
			delete(s.active, run.Key)
		}
		delete(s.runs, id)
		s.finished.Add(id, *run)
	}
	s.broadcastLocked(run)
	return nil
}

// ==================== Queries ====================

func (s *TaskService) GetRun(id string) (*domain.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if run, exists := s.runs[id]; exists {
		runCopy := *run
		return &runCopy, nil
	}
	if run, ok := s.finished.Get(id); ok {
		return &run, nil
	}
	return nil, ErrRunNotFound
}

// ListByTask returns the runs for a task id, oldest first.
func (s *TaskService) ListByTask(task string) []domain.TaskRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []domain.TaskRun
	for _, run := range s.runs {
		if run.Task == task {
			runs = append(runs, *run)
		}
	}
	for _, run := range s.finished.Values() {
		if run.Task == task {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs
}

// ==================== Watchers ====================

// Watch streams snapshots of a run. The current state is delivered first and
// the channel is closed once the run reaches a terminal state. The returned
// func unsubscribes.
func (s *TaskService) Watch(id string) (<-chan domain.TaskRun, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan domain.TaskRun, 8)
	run, exists := s.runs[id]
	if !exists {
		done, ok := s.finished.Get(id)
		if !ok {
			return nil, nil, ErrRunNotFound
		}
		ch <- done
		close(ch)
		return ch, func() {}, nil
	}
	ch <- *run

	s.watchers[id] = append(s.watchers[id], ch)
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.watchers[id]
		for i, c := range subs {
			if c == ch {
				s.watchers[id] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(s.watchers[id]) == 0 {
			delete(s.watchers, id)
		}
	}
	return ch, cancel, nil
}

func (s *TaskService) broadcastLocked(run *domain.TaskRun) {
	subs := s.watchers[run.ID]
	for _, ch := range subs {
		select {
		case ch <- *run:
		default:
			// slow watcher: drop its oldest snapshot so the latest always lands
			select {
			case <-ch:
			default:
			}
			ch <- *run
		}
	}
	if run.Status.Terminal() {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.watchers, run.ID)
	}
}
