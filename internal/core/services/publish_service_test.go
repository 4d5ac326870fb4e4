package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(host *fakeHost) ports.PublishWorkflow {
	return NewPublishService(PublishServiceConfig{
		Host:   host,
		Logger: logger.NewNop(),
		Now:    fixedNow,
	})
}

func publishInput() ports.PublishInput {
	return ports.PublishInput{
		Task:  "demo1",
		Round: domain.RoundInitial,
		Brief: "todo app",
		Artifacts: domain.ArtifactSet{
			domain.FileIndexHTML: "<html></html>",
			domain.FileReadme:    "# demo",
		},
	}
}

func TestPublishCommitsArtifactsInOrder(t *testing.T) {
	host := newFakeHost()
	result, err := newTestPublisher(host).Publish(context.Background(), publishInput())
	require.NoError(t, err)

	commits := host.Commits()
	require.Len(t, commits, 3)
	assert.Equal(t, "index.html", commits[0].Path)
	assert.Equal(t, "README.md", commits[1].Path)
	assert.Equal(t, "LICENSE", commits[2].Path)
	assert.Equal(t, "Add/Update index.html for round 1", commits[0].Message)
	assert.Equal(t, "Add/Update LICENSE for round 1", commits[2].Message)
	assert.Contains(t, commits[2].Content, "MIT License")
	assert.Contains(t, commits[2].Content, "Copyright (c) 2026 octo")

	assert.Equal(t, "https://github.com/octo/demo1", result.RepoURL)
	assert.Equal(t, "https://octo.github.io/demo1/", result.PagesURL)
	assert.Equal(t, "abc123", result.CommitSHA)
	assert.Equal(t, 1, host.pagesCalls)

	require.Len(t, result.Artifacts, 3)
	for _, a := range result.Artifacts {
		assert.Equal(t, domain.CommitOutcomeSuccess, a.Outcome, a.Filename)
	}
}

func TestPublishKeepsGeneratedLicense(t *testing.T) {
	host := newFakeHost()
	input := publishInput()
	input.Artifacts[domain.FileLicense] = "Apache"

	_, err := newTestPublisher(host).Publish(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "Apache", host.files["demo1/LICENSE"])
}

func TestPublishToleratesLicenseFailure(t *testing.T) {
	host := newFakeHost()
	host.putErrs[domain.FileLicense] = errors.New("boom")

	result, err := newTestPublisher(host).Publish(context.Background(), publishInput())
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/octo/demo1", result.RepoURL)
	assert.Equal(t, "https://octo.github.io/demo1/", result.PagesURL)
	require.Len(t, result.Artifacts, 3)
	assert.Equal(t, domain.CommitOutcomeSuccess, result.Artifacts[0].Outcome)
	assert.Equal(t, domain.CommitOutcomeSuccess, result.Artifacts[1].Outcome)
	assert.Equal(t, domain.ArtifactResult{
		Filename: "LICENSE",
		Outcome:  domain.CommitOutcomeFailure,
		Detail:   "boom",
	}, result.Artifacts[2])
	assert.Equal(t, 1, host.pagesCalls)
}

func TestPublishReusesExistingRepository(t *testing.T) {
	host := newFakeHost()
	host.repos["demo1"] = &domain.Repository{Name: "demo1", Owner: "octo", DefaultBranch: "main"}

	result, err := newTestPublisher(host).Publish(context.Background(), publishInput())
	require.NoError(t, err)
	assert.Equal(t, 1, host.creates)
	assert.Len(t, host.Commits(), 3)
	assert.Equal(t, "abc123", result.CommitSHA)
}

func TestPublishRepositoryResolutionIsFatal(t *testing.T) {
	t.Run("create fails", func(t *testing.T) {
		host := newFakeHost()
		host.createErr = errors.New("rate limited")

		result, err := newTestPublisher(host).Publish(context.Background(), publishInput())
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrRepositoryResolution)
		assert.Empty(t, host.Commits())
		assert.Zero(t, host.pagesCalls)
	})

	t.Run("exists but fetch fails", func(t *testing.T) {
		host := newFakeHost()
		host.createErr = fmt.Errorf("%w: demo1", ports.ErrRepositoryExists)
		host.getErr = errors.New("forbidden")

		_, err := newTestPublisher(host).Publish(context.Background(), publishInput())
		assert.ErrorIs(t, err, ErrRepositoryResolution)
		assert.Empty(t, host.Commits())
	})
}

func TestPublishHeadAndPagesFailuresAreNotFatal(t *testing.T) {
	host := newFakeHost()
	host.headErr = errors.New("no branch")
	host.pagesErr = errors.New("pages unavailable")

	result, err := newTestPublisher(host).Publish(context.Background(), publishInput())
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.CommitSHA)
	assert.Equal(t, "https://octo.github.io/demo1/", result.PagesURL)
}

func TestPublishUsesConfiguredURLBases(t *testing.T) {
	host := newFakeHost()
	publisher := NewPublishService(PublishServiceConfig{
		Host:          host,
		Logger:        logger.NewNop(),
		WebBaseURL:    "https://git.example.com/",
		PagesDomain:   "pages.example.com",
		LicenseHolder: "Example Corp",
		Now:           fixedNow,
	})

	result, err := publisher.Publish(context.Background(), publishInput())
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/octo/demo1", result.RepoURL)
	assert.Equal(t, "https://octo.pages.example.com/demo1/", result.PagesURL)
	assert.Contains(t, host.files["demo1/LICENSE"], "Copyright (c) 2026 Example Corp")
}

func TestRepositoryDescription(t *testing.T) {
	assert.Equal(t, "Auto-generated app for task: todo app", RepositoryDescription("todo app"))

	long := RepositoryDescription(strings.Repeat("x", 200))
	assert.Len(t, long, 100)
	assert.True(t, strings.HasSuffix(long, "..."))

	exact := RepositoryDescription(strings.Repeat("y", 100-len("Auto-generated app for task: ")))
	assert.Len(t, exact, 100)
	assert.False(t, strings.HasSuffix(exact, "..."))
}
