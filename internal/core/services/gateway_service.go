package services

import (
	"context"
	"fmt"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/infrastructure/metrics"
)

// SecretChecker matches a presented shared secret; crypto.SecretMatcher is the
// production implementation.
type SecretChecker interface {
	Match(secret string) bool
}

type Disposition string

const (
	// DispositionDuplicate: the key was already processed and the stored outcome was re-sent.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionInProgress: a run for the key is still in flight.
	DispositionInProgress Disposition = "in_progress"
	DispositionAccepted   Disposition = "accepted"
	DispositionCompleted  Disposition = "completed"
	DispositionFailed     Disposition = "failed"
)

// SubmitResult describes what the gateway did with a request.
type SubmitResult struct {
	Disposition Disposition
	Run         *domain.TaskRun
	Outcome     *domain.TaskOutcome
	// Err is set for DispositionFailed.
	Err error
}

// GatewayService authenticates task requests, filters duplicates and hands
// new work to the processor in the configured dispatch mode.
type GatewayService struct {
	secrets    SecretChecker
	store      ports.OutcomeStore
	registry   *TaskService
	processor  ports.TaskProcessor
	dispatcher ports.Dispatcher
	runner     *BackgroundRunner
	mode       string
	logger     *logger.Logger
}

type GatewayServiceConfig struct {
	Secrets   SecretChecker
	Store     ports.OutcomeStore
	Registry  *TaskService
	Processor ports.TaskProcessor
	// Dispatcher is used in async and queue modes.
	Dispatcher ports.Dispatcher
	Runner     *BackgroundRunner
	Mode       string
	Logger     *logger.Logger
}

func NewGatewayService(cfg GatewayServiceConfig) *GatewayService {
	mode := cfg.Mode
	if mode == "" {
		mode = config.DispatchModeAsync
	}
	return &GatewayService{
		secrets:    cfg.Secrets,
		store:      cfg.Store,
		registry:   cfg.Registry,
		processor:  cfg.Processor,
		dispatcher: cfg.Dispatcher,
		runner:     cfg.Runner,
		mode:       mode,
		logger:     cfg.Logger,
	}
}

func (s *GatewayService) Mode() string {
	return s.mode
}

// Authenticate checks the shared secret without touching any state.
func (s *GatewayService) Authenticate(secret string) error {
	if !s.secrets.Match(secret) {
		return ErrInvalidSecret
	}
	return nil
}

// Submit authenticates and handles one validated request. Duplicate keys are
// replayed from the store and never reach the generator or the repository host.
func (s *GatewayService) Submit(ctx context.Context, req domain.TaskRequest) (*SubmitResult, error) {
	if err := s.Authenticate(req.Secret); err != nil {
		metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warnw("gateway_secret_rejected", "task", req.Task)
		return nil, err
	}
	return s.SubmitAuthenticated(ctx, req)
}

// SubmitAuthenticated is Submit for callers that already ran Authenticate.
func (s *GatewayService) SubmitAuthenticated(ctx context.Context, req domain.TaskRequest) (*SubmitResult, error) {
	key := req.IdempotencyKey()
	if res, err := s.replayIfStored(ctx, key, req); err != nil || res != nil {
		return res, err
	}

	run, fresh := s.registry.Begin(key, req.Task, req.Round)
	if !fresh {
		metrics.RequestsTotal.WithLabelValues(string(DispositionInProgress)).Inc()
		s.logger.Infow("gateway_in_progress", "task", req.Task, "round", req.Round, "run_id", run.ID)
		return &SubmitResult{Disposition: DispositionInProgress, Run: run}, nil
	}

	// the previous holder of the key may have finished between the lookup and Begin
	if res, err := s.replayIfStored(ctx, key, req); err != nil || res != nil {
		s.registry.Discard(run.ID)
		return res, err
	}

	s.logger.Infow("gateway_accepted", "task", req.Task, "round", req.Round, "run_id", run.ID, "mode", s.mode)

	if s.mode == config.DispatchModeSync {
		outcome, err := s.processor.Process(ctx, run.ID, req)
		snapshot, _ := s.registry.GetRun(run.ID)
		if snapshot == nil {
			snapshot = run
		}
		if err != nil {
			metrics.RequestsTotal.WithLabelValues(string(DispositionFailed)).Inc()
			return &SubmitResult{Disposition: DispositionFailed, Run: snapshot, Err: err}, nil
		}
		metrics.RequestsTotal.WithLabelValues(string(DispositionCompleted)).Inc()
		return &SubmitResult{Disposition: DispositionCompleted, Run: snapshot, Outcome: outcome}, nil
	}

	if err := s.dispatcher.Dispatch(ctx, run, req); err != nil {
		s.registry.Fail(run.ID, err.Error())
		s.logger.Errorw("gateway_dispatch_failed", "task", req.Task, "run_id", run.ID, "error", err)
		return nil, fmt.Errorf("failed to dispatch run: %w", err)
	}
	metrics.RequestsTotal.WithLabelValues(string(DispositionAccepted)).Inc()
	return &SubmitResult{Disposition: DispositionAccepted, Run: run}, nil
}

func (s *GatewayService) replayIfStored(ctx context.Context, key string, req domain.TaskRequest) (*SubmitResult, error) {
	existing, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Errorw("gateway_store_lookup_failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to look up outcome: %w", err)
	}
	if existing == nil {
		return nil, nil
	}

	s.logger.Infow("gateway_duplicate", "task", req.Task, "round", req.Round, "key", key)
	metrics.RequestsTotal.WithLabelValues(string(DispositionDuplicate)).Inc()

	outcome := *existing
	if s.mode == config.DispatchModeSync || s.runner == nil {
		s.processor.Replay(ctx, req, outcome)
	} else {
		s.runner.Go("replay:"+key, func(bg context.Context) {
			s.processor.Replay(bg, req, outcome)
		})
	}
	return &SubmitResult{Disposition: DispositionDuplicate, Outcome: &outcome}, nil
}
