package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v66/github"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
)

var ErrNoToken = errors.New("github: token is not configured")

// Host implements ports.RepositoryHost on the GitHub REST API.
type Host struct {
	client        *gh.Client
	logger        *logger.Logger
	owner         string
	isOrg         bool
	defaultBranch string
	ownerOnce     sync.Once
	ownerErr      error
}

type HostConfig struct {
	GitHub config.GitHubConfig
	Logger *logger.Logger
	// HTTPClient overrides the client built from GitHub.Timeout.
	HTTPClient *http.Client
}

func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.GitHub.Token == "" {
		return nil, ErrNoToken
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.GitHub.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	client := gh.NewClient(httpClient).WithAuthToken(cfg.GitHub.Token)
	if base := cfg.GitHub.APIBaseURL; base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github.api_base_url: %w", err)
		}
		client.BaseURL = u
	}

	branch := cfg.GitHub.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	return &Host{
		client:        client,
		logger:        cfg.Logger,
		owner:         cfg.GitHub.Owner,
		isOrg:         cfg.GitHub.IsOrg,
		defaultBranch: branch,
	}, nil
}

var _ ports.RepositoryHost = (*Host)(nil)

// ResolveOwner looks up the authenticated user when no owner is configured.
func (h *Host) ResolveOwner(ctx context.Context) error {
	h.ownerOnce.Do(func() {
		if h.owner != "" {
			return
		}
		user, _, err := h.client.Users.Get(ctx, "")
		if err != nil {
			h.ownerErr = fmt.Errorf("failed to resolve github user: %w", err)
			return
		}
		h.owner = user.GetLogin()
		h.logger.Infow("github_owner_resolved", "owner", h.owner)
	})
	return h.ownerErr
}

func (h *Host) Namespace() string {
	return h.owner
}

func (h *Host) CreateRepository(ctx context.Context, name, description string) (*domain.Repository, error) {
	if err := h.ResolveOwner(ctx); err != nil {
		return nil, err
	}

	org := ""
	if h.isOrg {
		org = h.owner
	}
	repo, _, err := h.client.Repositories.Create(ctx, org, &gh.Repository{
		Name:        gh.String(name),
		Description: gh.String(description),
		Private:     gh.Bool(false),
		AutoInit:    gh.Bool(false),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return nil, fmt.Errorf("%w: %s", ports.ErrRepositoryExists, name)
		}
		return nil, fmt.Errorf("failed to create repository %s: %w", name, err)
	}
	h.logger.Infow("github_repo_created", "repo", repo.GetFullName())
	return h.toDomain(repo, name), nil
}

func (h *Host) GetRepository(ctx context.Context, name string) (*domain.Repository, error) {
	if err := h.ResolveOwner(ctx); err != nil {
		return nil, err
	}
	repo, _, err := h.client.Repositories.Get(ctx, h.owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s: %w", name, err)
	}
	return h.toDomain(repo, name), nil
}

func (h *Host) ReadFile(ctx context.Context, repo *domain.Repository, path string) (string, error) {
	file, _, _, err := h.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if file == nil {
		return "", fmt.Errorf("%s is not a file", path)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return content, nil
}

// PutFile updates the file when it exists and creates it otherwise.
func (h *Host) PutFile(ctx context.Context, repo *domain.Repository, path, content, message string) error {
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.String(message),
		Content: []byte(content),
	}
	if branch := repo.DefaultBranch; branch != "" {
		opts.Branch = gh.String(branch)
	}

	existing, _, resp, err := h.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, nil)
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
		if _, _, err := h.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, path, opts); err != nil {
			return fmt.Errorf("failed to update %s: %w", path, err)
		}
	case err == nil || isStatus(resp, err, http.StatusNotFound):
		// an empty repository has no branch yet; let the host pick the default
		if isStatus(resp, err, http.StatusNotFound) {
			opts.Branch = nil
		}
		if _, _, err := h.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, path, opts); err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
	default:
		return fmt.Errorf("failed to look up %s: %w", path, err)
	}
	return nil
}

func (h *Host) HeadCommit(ctx context.Context, repo *domain.Repository, branch string) (string, error) {
	b, _, err := h.client.Repositories.GetBranch(ctx, repo.Owner, repo.Name, branch, 1)
	if err != nil {
		return "", fmt.Errorf("failed to get branch %s: %w", branch, err)
	}
	sha := b.GetCommit().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("branch %s has no commit", branch)
	}
	return sha, nil
}

// EnablePages treats "already enabled" as success.
func (h *Host) EnablePages(ctx context.Context, repo *domain.Repository, branch string) error {
	_, resp, err := h.client.Repositories.EnablePages(ctx, repo.Owner, repo.Name, &gh.Pages{
		Source: &gh.PagesSource{
			Branch: gh.String(branch),
			Path:   gh.String("/"),
		},
	})
	if err != nil {
		if isStatus(resp, err, http.StatusConflict) {
			h.logger.Infow("github_pages_already_enabled", "repo", repo.Name)
			return nil
		}
		return fmt.Errorf("failed to enable pages: %w", err)
	}
	h.logger.Infow("github_pages_enabled", "repo", repo.Name, "branch", branch)
	return nil
}

func (h *Host) toDomain(repo *gh.Repository, name string) *domain.Repository {
	out := &domain.Repository{
		Name:          repo.GetName(),
		Owner:         repo.GetOwner().GetLogin(),
		DefaultBranch: repo.GetDefaultBranch(),
		HTMLURL:       repo.GetHTMLURL(),
	}
	if out.Name == "" {
		out.Name = name
	}
	if out.Owner == "" {
		out.Owner = h.owner
	}
	if out.DefaultBranch == "" {
		out.DefaultBranch = h.defaultBranch
	}
	return out
}

func isAlreadyExists(err error) bool {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return false
	}
	if ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(strings.ToLower(ghErr.Message), "already exists") {
		return true
	}
	for _, e := range ghErr.Errors {
		if strings.Contains(strings.ToLower(e.Message), "already exists") {
			return true
		}
	}
	return false
}

func isStatus(resp *gh.Response, err error, status int) bool {
	if resp != nil && resp.Response != nil && resp.StatusCode == status {
		return true
	}
	var ghErr *gh.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == status
}
