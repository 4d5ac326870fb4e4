package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/infrastructure/metrics"
)

const (
	maxDescriptionLength = 100
	unknownCommitSHA     = "unknown"
)

type publishService struct {
	host          ports.RepositoryHost
	logger        *logger.Logger
	defaultBranch string
	webBaseURL    string
	pagesDomain   string
	licenseHolder string
	now           func() time.Time
}

type PublishServiceConfig struct {
	Host          ports.RepositoryHost
	Logger        *logger.Logger
	DefaultBranch string
	WebBaseURL    string
	PagesDomain   string
	// LicenseHolder defaults to the host namespace.
	LicenseHolder string
	Now           func() time.Time
}

func NewPublishService(cfg PublishServiceConfig) ports.PublishWorkflow {
	branch := cfg.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	web := strings.TrimRight(cfg.WebBaseURL, "/")
	if web == "" {
		web = "https://github.com"
	}
	pages := cfg.PagesDomain
	if pages == "" {
		pages = "github.io"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &publishService{
		host:          cfg.Host,
		logger:        cfg.Logger,
		defaultBranch: branch,
		webBaseURL:    web,
		pagesDomain:   pages,
		licenseHolder: cfg.LicenseHolder,
		now:           now,
	}
}

// Publish resolves the repository, commits every artifact independently,
// then enables pages. Only repository resolution failure is returned as an error.
func (s *publishService) Publish(ctx context.Context, input ports.PublishInput) (*domain.PublishResult, error) {
	repo, err := s.resolveRepository(ctx, input.Task, RepositoryDescription(input.Brief))
	if err != nil {
		return nil, err
	}

	artifacts := s.withLicense(input.Artifacts)
	results := make([]domain.ArtifactResult, 0, len(artifacts))
	failed := 0
	for _, name := range artifacts.Names() {
		message := fmt.Sprintf("Add/Update %s for round %d", name, input.Round)
		result := domain.ArtifactResult{Filename: name, Outcome: domain.CommitOutcomeSuccess}

		if err := s.host.PutFile(ctx, repo, name, artifacts[name], message); err != nil {
			failed++
			result.Outcome = domain.CommitOutcomeFailure
			result.Detail = err.Error()
			s.logger.Warnw("publish_commit_failed", "task", input.Task, "file", name, "round", input.Round, "error", err)
		} else {
			s.logger.Infow("publish_commit_ok", "task", input.Task, "file", name, "round", input.Round)
		}
		metrics.ArtifactCommitsTotal.WithLabelValues(name, string(result.Outcome)).Inc()
		results = append(results, result)
	}
	if failed > 0 {
		s.logger.Warnw("publish_partial", "task", input.Task, "failed", failed, "total", len(results), "error", ErrPartialPublish)
	}

	branch := repo.DefaultBranch
	if branch == "" {
		branch = s.defaultBranch
	}

	sha, err := s.host.HeadCommit(ctx, repo, branch)
	if err != nil || sha == "" {
		s.logger.Warnw("publish_head_unavailable", "task", input.Task, "branch", branch, "error", err)
		sha = unknownCommitSHA
	}

	if err := s.host.EnablePages(ctx, repo, branch); err != nil {
		s.logger.Warnw("publish_pages_failed", "task", input.Task, "branch", branch, "error", err)
	}

	namespace := s.host.Namespace()
	result := &domain.PublishResult{
		RepoURL:   fmt.Sprintf("%s/%s/%s", s.webBaseURL, namespace, input.Task),
		CommitSHA: sha,
		PagesURL:  fmt.Sprintf("https://%s.%s/%s/", namespace, s.pagesDomain, input.Task),
		Artifacts: results,
	}
	s.logger.Infow("publish_ok", "task", input.Task, "round", input.Round, "repo_url", result.RepoURL, "commit_sha", sha)
	return result, nil
}

func (s *publishService) resolveRepository(ctx context.Context, name, description string) (*domain.Repository, error) {
	repo, err := s.host.CreateRepository(ctx, name, description)
	if err == nil {
		s.logger.Infow("publish_repo_created", "task", name)
		return repo, nil
	}
	if !errors.Is(err, ports.ErrRepositoryExists) {
		s.logger.Errorw("publish_repo_create_failed", "task", name, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRepositoryResolution, name, err)
	}

	repo, err = s.host.GetRepository(ctx, name)
	if err != nil {
		s.logger.Errorw("publish_repo_fetch_failed", "task", name, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRepositoryResolution, name, err)
	}
	s.logger.Infow("publish_repo_reused", "task", name)
	return repo, nil
}

// withLicense returns a copy of the set with an MIT LICENSE added when absent.
func (s *publishService) withLicense(in domain.ArtifactSet) domain.ArtifactSet {
	out := make(domain.ArtifactSet, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	if !out.Has(domain.FileLicense) {
		holder := s.licenseHolder
		if holder == "" {
			holder = s.host.Namespace()
		}
		out[domain.FileLicense] = MITLicense(s.now().Year(), holder)
	}
	return out
}

// RepositoryDescription caps the description at 100 characters.
func RepositoryDescription(brief string) string {
	desc := "Auto-generated app for task: " + strings.TrimSpace(brief)
	runes := []rune(desc)
	if len(runes) > maxDescriptionLength {
		return string(runes[:maxDescriptionLength-3]) + "..."
	}
	return desc
}
