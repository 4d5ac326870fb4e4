package services

import (
	"context"
	"fmt"
	"time"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/infrastructure/metrics"
)

type taskProcessor struct {
	registry              *TaskService
	store                 ports.OutcomeStore
	attachments           ports.AttachmentStore
	host                  ports.RepositoryHost
	generator             ports.Generator
	publisher             ports.PublishWorkflow
	notifier              ports.EvaluationNotifier
	mailer                ports.RequesterNotifier
	logger                *logger.Logger
	requirePreviousReadme bool
	now                   func() time.Time
}

type TaskProcessorConfig struct {
	Registry    *TaskService
	Store       ports.OutcomeStore
	Attachments ports.AttachmentStore
	Host        ports.RepositoryHost
	Generator   ports.Generator
	Publisher   ports.PublishWorkflow
	Notifier    ports.EvaluationNotifier
	// Mailer is optional.
	Mailer                ports.RequesterNotifier
	Logger                *logger.Logger
	RequirePreviousReadme bool
	Now                   func() time.Time
}

func NewTaskProcessor(cfg TaskProcessorConfig) ports.TaskProcessor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &taskProcessor{
		registry:              cfg.Registry,
		store:                 cfg.Store,
		attachments:           cfg.Attachments,
		host:                  cfg.Host,
		generator:             cfg.Generator,
		publisher:             cfg.Publisher,
		notifier:              cfg.Notifier,
		mailer:                cfg.Mailer,
		logger:                cfg.Logger,
		requirePreviousReadme: cfg.RequirePreviousReadme,
		now:                   now,
	}
}

// Process runs attachments -> previous README -> generate -> publish -> notify
// -> persist for one run. The returned error is non-nil only when nothing was
// persisted and the key may be retried in full.
func (p *taskProcessor) Process(ctx context.Context, runID string, req domain.TaskRequest) (outcome *domain.TaskOutcome, err error) {
	started := p.now()
	key := req.IdempotencyKey()
	log := p.logger.With("run_id", runID, "task", req.Task, "round", req.Round)

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("run_panic", "panic", r)
			err = fmt.Errorf("run panicked: %v", r)
			outcome = nil
			p.fail(runID, err)
		}
	}()

	if err := p.registry.Start(runID, fmt.Sprintf("Processing round %d", req.Round)); err != nil {
		log.Warnw("run_start_rejected", "error", err)
		return nil, err
	}

	// a redelivered or raced run must not publish twice
	if existing, err := p.store.Get(ctx, key); err == nil && existing != nil {
		log.Infow("run_outcome_exists", "key", key)
		p.complete(runID, *existing, nil, false, started)
		return existing, nil
	}

	attachments := p.decodeAttachments(ctx, runID, req)

	previousReadme, err := p.previousReadme(ctx, runID, req)
	if err != nil {
		p.fail(runID, err)
		return nil, err
	}

	input := ports.GenerateInput{
		Brief:          req.Brief,
		Round:          req.Round,
		Checks:         req.Checks,
		Attachments:    attachments,
		PreviousReadme: previousReadme,
	}
	p.registry.Progress(runID, "Generating artifacts")
	artifacts := p.generate(ctx, log, input)

	p.registry.Progress(runID, "Publishing repository")
	published, err := p.publisher.Publish(ctx, ports.PublishInput{
		Task:      req.Task,
		Round:     req.Round,
		Brief:     req.Brief,
		Artifacts: artifacts,
	})
	if err != nil {
		log.Errorw("run_publish_failed", "error", err)
		p.fail(runID, err)
		return nil, err
	}

	result := domain.TaskOutcome{
		Key:       key,
		Email:     req.Email,
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		RepoURL:   published.RepoURL,
		CommitSHA: published.CommitSHA,
		PagesURL:  published.PagesURL,
		CreatedAt: p.now(),
	}

	p.registry.Progress(runID, "Notifying evaluation server")
	notified := true
	if err := p.notifier.Notify(ctx, req.EvaluationURL, result); err != nil {
		notified = false
		log.Warnw("run_notify_failed", "error", err)
	}

	if p.mailer != nil {
		if err := p.mailer.NotifyRequester(ctx, req, result); err != nil {
			log.Warnw("run_mail_failed", "error", err)
		}
	}

	written, err := p.store.PutIfAbsent(ctx, key, result)
	switch {
	case err != nil:
		log.Errorw("run_persist_failed", "key", key, "error", fmt.Errorf("%w: %v", ErrOutcomePersist, err))
	case !written:
		log.Warnw("run_persist_skipped", "key", key)
	default:
		log.Infow("run_persist_ok", "key", key)
	}

	p.complete(runID, result, published.Artifacts, notified, started)
	return &result, nil
}

// Replay re-sends a stored outcome to the request's evaluation URL.
func (p *taskProcessor) Replay(ctx context.Context, req domain.TaskRequest, outcome domain.TaskOutcome) error {
	if err := p.notifier.Notify(ctx, req.EvaluationURL, outcome); err != nil {
		p.logger.Warnw("replay_notify_failed", "task", req.Task, "round", req.Round, "error", err)
		return err
	}
	p.logger.Infow("replay_notify_ok", "task", req.Task, "round", req.Round)
	return nil
}

func (p *taskProcessor) decodeAttachments(ctx context.Context, runID string, req domain.TaskRequest) []domain.Attachment {
	if len(req.Attachments) == 0 || p.attachments == nil {
		return nil
	}
	p.registry.Progress(runID, "Decoding attachments")
	scope := fmt.Sprintf("%s/round%d", req.Task, req.Round)
	saved, errs := p.attachments.Decode(ctx, scope, req.Attachments)
	if len(errs) > 0 {
		p.logger.Warnw("run_attachments_skipped", "run_id", runID, "task", req.Task, "skipped", len(errs), "saved", len(saved))
	}
	return saved
}

// previousReadme makes exactly one attempt to read the round 1 README.
func (p *taskProcessor) previousReadme(ctx context.Context, runID string, req domain.TaskRequest) (string, error) {
	if req.Round != domain.RoundRevision {
		return "", nil
	}
	p.registry.Progress(runID, "Reading previous README")

	content, err := p.readReadme(ctx, req.Task)
	if err != nil {
		if p.requirePreviousReadme {
			return "", fmt.Errorf("%w: %v", ErrPreviousReadme, err)
		}
		p.logger.Warnw("run_previous_readme_unavailable", "run_id", runID, "task", req.Task, "error", err)
		return "", nil
	}
	return content, nil
}

func (p *taskProcessor) readReadme(ctx context.Context, task string) (string, error) {
	repo, err := p.host.GetRepository(ctx, task)
	if err != nil {
		return "", err
	}
	return p.host.ReadFile(ctx, repo, domain.FileReadme)
}

// generate never fails: errors and empty results are replaced with the
// fallback templates, and missing core files are back-filled.
func (p *taskProcessor) generate(ctx context.Context, log *logger.Logger, input ports.GenerateInput) domain.ArtifactSet {
	var (
		artifacts domain.ArtifactSet
		err       error
	)
	if p.generator != nil {
		artifacts, err = p.generator.Generate(ctx, input)
	} else {
		err = fmt.Errorf("no generator configured")
	}

	if err != nil || len(artifacts) == 0 {
		if err == nil {
			err = fmt.Errorf("empty artifact set")
		}
		log.Warnw("run_generator_fallback", "error", fmt.Errorf("%w: %v", ErrGenerationFailed, err))
		metrics.GeneratorFallbacksTotal.Inc()
		return FallbackArtifacts(input)
	}

	if !artifacts.Has(domain.FileIndexHTML) {
		log.Warnw("run_artifact_backfilled", "file", domain.FileIndexHTML)
		artifacts[domain.FileIndexHTML] = FallbackIndexHTML(input)
	}
	if !artifacts.Has(domain.FileReadme) {
		log.Warnw("run_artifact_backfilled", "file", domain.FileReadme)
		artifacts[domain.FileReadme] = FallbackReadme(input)
	}
	return artifacts
}

func (p *taskProcessor) complete(runID string, outcome domain.TaskOutcome, artifacts []domain.ArtifactResult, notified bool, started time.Time) {
	if err := p.registry.Complete(runID, outcome, artifacts, notified); err != nil {
		p.logger.Warnw("run_complete_rejected", "run_id", runID, "error", err)
	}
	metrics.RunsTotal.WithLabelValues(string(domain.RunStatusCompleted)).Inc()
	metrics.RunDuration.Observe(p.now().Sub(started).Seconds())
}

func (p *taskProcessor) fail(runID string, err error) {
	if ferr := p.registry.Fail(runID, err.Error()); ferr != nil {
		p.logger.Warnw("run_fail_rejected", "run_id", runID, "error", ferr)
	}
	metrics.RunsTotal.WithLabelValues(string(domain.RunStatusFailed)).Inc()
}
