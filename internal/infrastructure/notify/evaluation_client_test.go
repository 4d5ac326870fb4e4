package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer fires immediately and records every requested wait.
type instantTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	ch    chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waits = append(t.waits, d)
	t.ch = make(chan time.Time, 1)
	t.ch <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

func (t *instantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

func newTestClient(timer *instantTimer) *EvaluationClient {
	return NewEvaluationClient(EvaluationClientConfig{
		Notification: config.NotificationConfig{MaxAttempts: 5, InitialDelay: time.Second, Timeout: 5 * time.Second},
		Logger:       logger.NewNop(),
		Timer:        timer,
	})
}

func testOutcome() domain.TaskOutcome {
	return domain.TaskOutcome{
		Email:     "a@x.com",
		Task:      "demo1",
		Round:     domain.RoundInitial,
		Nonce:     "n1",
		RepoURL:   "https://github.com/octo/demo1",
		CommitSHA: "abc123",
		PagesURL:  "https://octo.github.io/demo1/",
	}
}

func TestNotifySucceedsFirstAttempt(t *testing.T) {
	var got Payload
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	timer := &instantTimer{}
	err := newTestClient(timer).Notify(context.Background(), srv.URL, testOutcome())
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	assert.Empty(t, timer.Waits())
	assert.Equal(t, Payload{
		Email:     "a@x.com",
		Task:      "demo1",
		Round:     domain.RoundInitial,
		Nonce:     "n1",
		RepoURL:   "https://github.com/octo/demo1",
		CommitSHA: "abc123",
		PagesURL:  "https://octo.github.io/demo1/",
	}, got)
}

func TestNotifyBacksOffOneTwoFourEight(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	timer := &instantTimer{}
	err := newTestClient(timer).Notify(context.Background(), srv.URL, testOutcome())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotificationExhausted)

	assert.EqualValues(t, 5, atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}, timer.Waits())
}

func TestNotifyRecoversAfterTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	timer := &instantTimer{}
	err := newTestClient(timer).Notify(context.Background(), srv.URL, testOutcome())
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.Waits())
}

func TestNotifyTreatsNon200SuccessAsFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := newTestClient(&instantTimer{}).Notify(context.Background(), srv.URL, testOutcome())
	assert.ErrorIs(t, err, ErrNotificationExhausted)
	assert.EqualValues(t, 5, atomic.LoadInt32(&hits))
}

func TestNotifyRetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	timer := &instantTimer{}
	err := newTestClient(timer).Notify(context.Background(), url, testOutcome())
	assert.ErrorIs(t, err, ErrNotificationExhausted)
	assert.Len(t, timer.Waits(), 4)
}

func TestNotifyEmptyURLIsNotRetried(t *testing.T) {
	timer := &instantTimer{}
	err := newTestClient(timer).Notify(context.Background(), "", testOutcome())
	assert.ErrorIs(t, err, ErrNoCallbackURL)
	assert.Empty(t, timer.Waits())
}
