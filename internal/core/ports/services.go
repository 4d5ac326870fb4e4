package ports

import (
	"context"
	"errors"

	"github.com/appforge/backend/internal/domain"
)

var ErrRepositoryExists = errors.New("host: repository already exists")

// RepositoryHost is the version-control/hosting provider.
type RepositoryHost interface {
	// Namespace is the user or organization the repositories live under.
	Namespace() string
	// CreateRepository returns an error wrapping ErrRepositoryExists when the name is taken.
	CreateRepository(ctx context.Context, name, description string) (*domain.Repository, error)
	GetRepository(ctx context.Context, name string) (*domain.Repository, error)
	ReadFile(ctx context.Context, repo *domain.Repository, path string) (string, error)
	// PutFile creates the file or updates it in place.
	PutFile(ctx context.Context, repo *domain.Repository, path, content, message string) error
	HeadCommit(ctx context.Context, repo *domain.Repository, branch string) (string, error)
	EnablePages(ctx context.Context, repo *domain.Repository, branch string) error
}

type GenerateInput struct {
	Brief          string
	Round          domain.Round
	Checks         []string
	Attachments    []domain.Attachment
	PreviousReadme string
}

// Generator produces an artifact set from a brief. Errors are returned as-is;
// callers decide whether to substitute fallback content.
type Generator interface {
	Generate(ctx context.Context, input GenerateInput) (domain.ArtifactSet, error)
}

// AttachmentStore decodes inline payloads to disk. Per-attachment failures are
// returned alongside the successfully decoded attachments.
type AttachmentStore interface {
	Decode(ctx context.Context, scope string, inputs []domain.AttachmentInput) ([]domain.Attachment, []error)
}

// EvaluationNotifier delivers an outcome to the caller's evaluation endpoint.
type EvaluationNotifier interface {
	Notify(ctx context.Context, callbackURL string, outcome domain.TaskOutcome) error
}

// RequesterNotifier tells the requester that their app is live.
type RequesterNotifier interface {
	NotifyRequester(ctx context.Context, req domain.TaskRequest, outcome domain.TaskOutcome) error
}

type PublishInput struct {
	Task      string
	Round     domain.Round
	Brief     string
	Artifacts domain.ArtifactSet
}

type PublishWorkflow interface {
	Publish(ctx context.Context, input PublishInput) (*domain.PublishResult, error)
}

type TaskProcessor interface {
	// Process runs one end-to-end attempt for the run and returns the stored outcome.
	Process(ctx context.Context, runID string, req domain.TaskRequest) (*domain.TaskOutcome, error)
	// Replay re-sends a stored outcome without generating or publishing anything.
	Replay(ctx context.Context, req domain.TaskRequest, outcome domain.TaskOutcome) error
}

// Dispatcher hands an accepted run to background execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *domain.TaskRun, req domain.TaskRequest) error
}
