package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/pkg/utils/crypto"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

type commit struct {
	Repo    string
	Path    string
	Content string
	Message string
}

type fakeHost struct {
	mu sync.Mutex

	namespace string
	repos     map[string]*domain.Repository
	files     map[string]string

	createErr  error
	getErr     error
	putErrs    map[string]error
	readErr    error
	headSHA    string
	headErr    error
	pagesErr   error
	commits    []commit
	reads      int
	creates    int
	pagesCalls int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		namespace: "octo",
		repos:     make(map[string]*domain.Repository),
		files:     make(map[string]string),
		putErrs:   make(map[string]error),
		headSHA:   "abc123",
	}
}

func (h *fakeHost) Namespace() string { return h.namespace }

func (h *fakeHost) CreateRepository(ctx context.Context, name, description string) (*domain.Repository, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creates++
	if h.createErr != nil {
		return nil, h.createErr
	}
	if _, ok := h.repos[name]; ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrRepositoryExists, name)
	}
	repo := &domain.Repository{Name: name, Owner: h.namespace, DefaultBranch: "main"}
	h.repos[name] = repo
	return repo, nil
}

func (h *fakeHost) GetRepository(ctx context.Context, name string) (*domain.Repository, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.getErr != nil {
		return nil, h.getErr
	}
	repo, ok := h.repos[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return repo, nil
}

func (h *fakeHost) ReadFile(ctx context.Context, repo *domain.Repository, path string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads++
	if h.readErr != nil {
		return "", h.readErr
	}
	content, ok := h.files[repo.Name+"/"+path]
	if !ok {
		return "", errors.New("not found")
	}
	return content, nil
}

func (h *fakeHost) PutFile(ctx context.Context, repo *domain.Repository, path, content, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.putErrs[path]; err != nil {
		return err
	}
	h.files[repo.Name+"/"+path] = content
	h.commits = append(h.commits, commit{Repo: repo.Name, Path: path, Content: content, Message: message})
	return nil
}

func (h *fakeHost) HeadCommit(ctx context.Context, repo *domain.Repository, branch string) (string, error) {
	if h.headErr != nil {
		return "", h.headErr
	}
	return h.headSHA, nil
}

func (h *fakeHost) EnablePages(ctx context.Context, repo *domain.Repository, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pagesCalls++
	return h.pagesErr
}

func (h *fakeHost) Commits() []commit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]commit(nil), h.commits...)
}

func (h *fakeHost) Reads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads
}

type fakeGenerator struct {
	mu        sync.Mutex
	artifacts domain.ArtifactSet
	err       error
	inputs    []ports.GenerateInput
}

func (g *fakeGenerator) Generate(ctx context.Context, input ports.GenerateInput) (domain.ArtifactSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, input)
	if g.err != nil {
		return nil, g.err
	}
	out := make(domain.ArtifactSet, len(g.artifacts))
	for k, v := range g.artifacts {
		out[k] = v
	}
	return out, nil
}

func (g *fakeGenerator) Inputs() []ports.GenerateInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ports.GenerateInput(nil), g.inputs...)
}

type notification struct {
	URL     string
	Outcome domain.TaskOutcome
}

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	calls []notification
}

func (n *fakeNotifier) Notify(ctx context.Context, callbackURL string, outcome domain.TaskOutcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{URL: callbackURL, Outcome: outcome})
	return n.err
}

func (n *fakeNotifier) Calls() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

type memStore struct {
	mu       sync.Mutex
	outcomes map[string]domain.TaskOutcome
	gets     int
	getErr   error
	putErr   error
}

func newMemStore() *memStore {
	return &memStore{outcomes: make(map[string]domain.TaskOutcome)}
}

func (s *memStore) Load(ctx context.Context) (map[string]domain.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.TaskOutcome, len(s.outcomes))
	for k, v := range s.outcomes {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(ctx context.Context, outcomes map[string]domain.TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = make(map[string]domain.TaskOutcome, len(outcomes))
	for k, v := range outcomes {
		s.outcomes[k] = v
	}
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) (*domain.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	o, ok := s.outcomes[key]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *memStore) PutIfAbsent(ctx context.Context, key string, outcome domain.TaskOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return false, s.putErr
	}
	if _, ok := s.outcomes[key]; ok {
		return false, nil
	}
	s.outcomes[key] = outcome
	return true, nil
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func (s *memStore) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

type fakeAttachments struct {
	saved []domain.Attachment
	errs  []error
	scope string
}

func (a *fakeAttachments) Decode(ctx context.Context, scope string, inputs []domain.AttachmentInput) ([]domain.Attachment, []error) {
	a.scope = scope
	return a.saved, a.errs
}

type fixture struct {
	host      *fakeHost
	generator *fakeGenerator
	notifier  *fakeNotifier
	store     *memStore
	registry  *TaskService
	processor ports.TaskProcessor
}

func newFixture(requireReadme bool) *fixture {
	f := &fixture{
		host: newFakeHost(),
		generator: &fakeGenerator{artifacts: domain.ArtifactSet{
			domain.FileIndexHTML: "<html>todo app</html>",
			domain.FileReadme:    "# todo app",
		}},
		notifier: &fakeNotifier{},
		store:    newMemStore(),
		registry: NewTaskService(),
	}
	log := logger.NewNop()
	publisher := NewPublishService(PublishServiceConfig{
		Host:   f.host,
		Logger: log,
		Now:    fixedNow,
	})
	f.processor = NewTaskProcessor(TaskProcessorConfig{
		Registry:              f.registry,
		Store:                 f.store,
		Attachments:           &fakeAttachments{},
		Host:                  f.host,
		Generator:             f.generator,
		Publisher:             publisher,
		Notifier:              f.notifier,
		Logger:                log,
		RequirePreviousReadme: requireReadme,
		Now:                   fixedNow,
	})
	return f
}

func (f *fixture) gateway(mode string) (*GatewayService, *BackgroundRunner) {
	runner := NewBackgroundRunner(logger.NewNop())
	return NewGatewayService(GatewayServiceConfig{
		Secrets:    testSecrets(),
		Store:      f.store,
		Registry:   f.registry,
		Processor:  f.processor,
		Dispatcher: NewAsyncDispatcher(runner, f.processor),
		Runner:     runner,
		Mode:       mode,
		Logger:     logger.NewNop(),
	}), runner
}

func scenarioRequest() domain.TaskRequest {
	return domain.TaskRequest{
		Secret:        "S",
		Email:         "a@x.com",
		Task:          "demo1",
		Round:         domain.RoundInitial,
		Nonce:         "n1",
		Brief:         "todo app",
		Checks:        []string{"must have a button"},
		EvaluationURL: "https://eval.example.com/notify",
	}
}

func nopLogger() *logger.Logger {
	return logger.NewNop()
}

func testSecrets() *crypto.SecretMatcher {
	return crypto.NewSecretMatcher("S", "")
}
