package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/infrastructure/metrics"
)

var (
	ErrNoCallbackURL         = errors.New("notify: evaluation url is empty")
	ErrNotificationExhausted = errors.New("notify: evaluation server not reached after retries")
)

// Payload is the body posted to the evaluation endpoint.
type Payload struct {
	Email     string       `json:"email"`
	Task      string       `json:"task"`
	Round     domain.Round `json:"round"`
	Nonce     string       `json:"nonce"`
	RepoURL   string       `json:"repo_url"`
	CommitSHA string       `json:"commit_sha"`
	PagesURL  string       `json:"pages_url"`
}

func PayloadFromOutcome(o domain.TaskOutcome) Payload {
	return Payload{
		Email:     o.Email,
		Task:      o.Task,
		Round:     o.Round,
		Nonce:     o.Nonce,
		RepoURL:   o.RepoURL,
		CommitSHA: o.CommitSHA,
		PagesURL:  o.PagesURL,
	}
}

// EvaluationClient posts outcomes with exponential backoff: with the default
// config it makes up to 5 attempts, waiting 1s, 2s, 4s and 8s in between.
type EvaluationClient struct {
	client       *http.Client
	logger       *logger.Logger
	maxAttempts  int
	initialDelay time.Duration
	timer        backoff.Timer
}

type EvaluationClientConfig struct {
	Notification config.NotificationConfig
	Logger       *logger.Logger
	// HTTPClient overrides the client built from Notification.Timeout.
	HTTPClient *http.Client
	// Timer overrides the wait between attempts; nil uses real time.
	Timer backoff.Timer
}

func NewEvaluationClient(cfg EvaluationClientConfig) *EvaluationClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Notification.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	attempts := cfg.Notification.MaxAttempts
	if attempts < 1 {
		attempts = 5
	}
	delay := cfg.Notification.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &EvaluationClient{
		client:       httpClient,
		logger:       cfg.Logger,
		maxAttempts:  attempts,
		initialDelay: delay,
		timer:        cfg.Timer,
	}
}

var _ ports.EvaluationNotifier = (*EvaluationClient)(nil)

func (c *EvaluationClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.initialDelay << uint(c.maxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)
}

// Notify never panics or blocks past its retry budget. A nil return means the
// endpoint answered 200; any error is advisory for the caller.
func (c *EvaluationClient) Notify(ctx context.Context, callbackURL string, outcome domain.TaskOutcome) error {
	if callbackURL == "" {
		c.logger.Warnw("notify_skipped", "task", outcome.Task, "error", ErrNoCallbackURL)
		return ErrNoCallbackURL
	}

	body, err := json.Marshal(PayloadFromOutcome(outcome))
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := c.post(ctx, callbackURL, body)
		if err != nil {
			metrics.NotificationAttemptsTotal.WithLabelValues("failure").Inc()
			c.logger.Warnw("notify_attempt_failed",
				"task", outcome.Task,
				"round", outcome.Round,
				"attempt", attempt,
				"max_attempts", c.maxAttempts,
				"error", err,
			)
			return err
		}
		metrics.NotificationAttemptsTotal.WithLabelValues("success").Inc()
		return nil
	}
	onRetry := func(err error, wait time.Duration) {
		c.logger.Infow("notify_backoff", "task", outcome.Task, "attempt", attempt, "wait", wait)
	}

	if err := backoff.RetryNotifyWithTimer(operation, c.newBackOff(ctx), onRetry, c.timer); err != nil {
		c.logger.Errorw("notify_exhausted", "task", outcome.Task, "round", outcome.Round, "attempts", attempt, "error", err)
		return fmt.Errorf("%w: %v", ErrNotificationExhausted, err)
	}

	c.logger.Infow("notify_ok", "task", outcome.Task, "round", outcome.Round, "attempts", attempt)
	return nil
}

func (c *EvaluationClient) post(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("evaluation server responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
