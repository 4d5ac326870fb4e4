package dto

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"time"

	"github.com/appforge/backend/internal/domain"
)

// task ids become repository names
var taskNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

type AttachmentBody struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type TaskRequestBody struct {
	Email         string           `json:"email" validate:"required,email"`
	Task          string           `json:"task" validate:"required"`
	Round         *int             `json:"round"`
	Nonce         string           `json:"nonce" validate:"required"`
	Brief         string           `json:"brief" validate:"required"`
	Checks        []string         `json:"checks"`
	Attachments   []AttachmentBody `json:"attachments"`
	EvaluationURL string           `json:"evaluation_url" validate:"required,url"`
	Secret        string           `json:"secret"`
}

func (r *TaskRequestBody) Validate() []string {
	var errors []string

	if r.Email == "" {
		errors = append(errors, "email is required")
	} else if _, err := mail.ParseAddress(r.Email); err != nil {
		errors = append(errors, "email is not a valid address")
	}

	if r.Task == "" {
		errors = append(errors, "task is required")
	} else if !taskNamePattern.MatchString(r.Task) || r.Task == "." || r.Task == ".." {
		errors = append(errors, "task must be a valid repository name (letters, digits, '.', '_', '-')")
	}

	if round := r.GetRound(); !round.Valid() {
		errors = append(errors, fmt.Sprintf("round must be 1 or 2, got %d", round))
	}

	if r.Nonce == "" {
		errors = append(errors, "nonce is required")
	}
	if r.Brief == "" {
		errors = append(errors, "brief is required")
	}

	if r.EvaluationURL == "" {
		errors = append(errors, "evaluation_url is required")
	} else if u, err := url.Parse(r.EvaluationURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, "evaluation_url must be an http(s) URL")
	}

	return errors
}

// GetRound defaults a missing round to 1.
func (r *TaskRequestBody) GetRound() domain.Round {
	if r.Round == nil {
		return domain.RoundInitial
	}
	return domain.Round(*r.Round)
}

func (r *TaskRequestBody) ToDomain() domain.TaskRequest {
	attachments := make([]domain.AttachmentInput, 0, len(r.Attachments))
	for _, a := range r.Attachments {
		attachments = append(attachments, domain.AttachmentInput{Name: a.Name, URL: a.URL})
	}
	return domain.TaskRequest{
		Email:         r.Email,
		Task:          r.Task,
		Round:         r.GetRound(),
		Nonce:         r.Nonce,
		Brief:         r.Brief,
		Checks:        r.Checks,
		Attachments:   attachments,
		EvaluationURL: r.EvaluationURL,
		Secret:        r.Secret,
	}
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type AckResponse struct {
	Status string `json:"status"`
	Note   string `json:"note"`
	RunID  string `json:"run_id,omitempty"`
}

type SyncSuccessResponse struct {
	Status    string       `json:"status"`
	Task      string       `json:"task"`
	Round     domain.Round `json:"round"`
	RepoURL   string       `json:"repo_url"`
	PagesURL  string       `json:"pages_url"`
	CommitSHA string       `json:"commit_sha"`
	Message   string       `json:"message"`
	RunID     string       `json:"run_id"`
}

type SyncErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Task    string `json:"task"`
	RunID   string `json:"run_id,omitempty"`
}

type OutcomeResponse struct {
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
}

type RunResponse struct {
	ID        string                  `json:"id"`
	Task      string                  `json:"task"`
	Round     domain.Round            `json:"round"`
	Status    domain.RunStatus        `json:"status"`
	Message   string                  `json:"message"`
	Error     string                  `json:"error,omitempty"`
	Outcome   *OutcomeResponse        `json:"outcome,omitempty"`
	Artifacts []domain.ArtifactResult `json:"artifacts,omitempty"`
	Notified  bool                    `json:"notified"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// RunToResponse omits the idempotency key, which carries the requester email.
func RunToResponse(run domain.TaskRun) RunResponse {
	resp := RunResponse{
		ID:        run.ID,
		Task:      run.Task,
		Round:     run.Round,
		Status:    run.Status,
		Message:   run.Message,
		Error:     run.Error,
		Artifacts: run.Artifacts,
		Notified:  run.Notified,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if run.Outcome != nil {
		resp.Outcome = &OutcomeResponse{
			RepoURL:   run.Outcome.RepoURL,
			CommitSHA: run.Outcome.CommitSHA,
			PagesURL:  run.Outcome.PagesURL,
		}
	}
	return resp
}

func RunsToResponse(runs []domain.TaskRun) []RunResponse {
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunToResponse(r))
	}
	return out
}
