package services

import (
	"errors"
	"testing"
	"time"

	"github.com/appforge/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginRejectsSecondRunForSameKey(t *testing.T) {
	s := NewTaskService()

	first, fresh := s.Begin("k1", "demo1", domain.RoundInitial)
	require.True(t, fresh)
	assert.Equal(t, domain.RunStatusAccepted, first.Status)

	second, fresh := s.Begin("k1", "demo1", domain.RoundInitial)
	assert.False(t, fresh)
	assert.Equal(t, first.ID, second.ID)

	other, fresh := s.Begin("k2", "demo1", domain.RoundRevision)
	assert.True(t, fresh)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestTerminalRunReleasesKey(t *testing.T) {
	s := NewTaskService()
	run, _ := s.Begin("k1", "demo1", domain.RoundInitial)

	require.NoError(t, s.Start(run.ID, "working"))
	require.NoError(t, s.Fail(run.ID, "boom"))

	assert.ErrorIs(t, s.Complete(run.ID, domain.TaskOutcome{}, nil, true), ErrRunTerminal)
	assert.ErrorIs(t, s.Progress(run.ID, "late"), ErrRunTerminal)

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	_, fresh := s.Begin("k1", "demo1", domain.RoundInitial)
	assert.True(t, fresh)
}

func TestGetRunUnknown(t *testing.T) {
	_, err := NewTaskService().GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestDiscardForgetsRun(t *testing.T) {
	s := NewTaskService()
	run, _ := s.Begin("k1", "demo1", domain.RoundInitial)
	s.Discard(run.ID)

	_, err := s.GetRun(run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, fresh := s.Begin("k1", "demo1", domain.RoundInitial)
	assert.True(t, fresh)
}

func TestEnsureIsIdempotent(t *testing.T) {
	s := NewTaskService()
	a := s.Ensure("run-1", "k1", "demo1", domain.RoundInitial)
	require.NoError(t, s.Start(a.ID, "working"))

	b := s.Ensure("run-1", "k1", "demo1", domain.RoundInitial)
	assert.Equal(t, domain.RunStatusRunning, b.Status)
}

func TestListByTaskOrdersByCreation(t *testing.T) {
	s := NewTaskService()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	r1, _ := s.Begin("k1", "demo1", domain.RoundInitial)
	s.Begin("k2", "other", domain.RoundInitial)
	r3, _ := s.Begin("k3", "demo1", domain.RoundRevision)

	runs := s.ListByTask("demo1")
	require.Len(t, runs, 2)
	assert.Equal(t, r1.ID, runs[0].ID)
	assert.Equal(t, r3.ID, runs[1].ID)
	assert.Empty(t, s.ListByTask("nope"))
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	s := NewTaskService()
	run, _ := s.Begin("k1", "demo1", domain.RoundInitial)

	ch, cancel, err := s.Watch(run.ID)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Start(run.ID, "working"))
	require.NoError(t, s.Complete(run.ID, domain.TaskOutcome{CommitSHA: "abc"}, nil, true))

	var statuses []domain.RunStatus
	for snap := range ch {
		statuses = append(statuses, snap.Status)
	}
	assert.Equal(t, []domain.RunStatus{
		domain.RunStatusAccepted,
		domain.RunStatusRunning,
		domain.RunStatusCompleted,
	}, statuses)
}

func TestWatchSlowConsumerStillSeesTerminal(t *testing.T) {
	s := NewTaskService()
	run, _ := s.Begin("k1", "demo1", domain.RoundInitial)

	ch, _, err := s.Watch(run.ID)
	require.NoError(t, err)

	require.NoError(t, s.Start(run.ID, "working"))
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Progress(run.ID, "step"))
	}
	require.NoError(t, s.Fail(run.ID, "boom"))

	var last domain.TaskRun
	for snap := range ch {
		last = snap
	}
	assert.Equal(t, domain.RunStatusFailed, last.Status)
}

func TestWatchTerminalRunClosesImmediately(t *testing.T) {
	s := NewTaskService()
	run, _ := s.Begin("k1", "demo1", domain.RoundInitial)
	require.NoError(t, s.Fail(run.ID, "boom"))

	ch, cancel, err := s.Watch(run.ID)
	require.NoError(t, err)
	cancel()

	snap, ok := <-ch
	assert.True(t, ok)
	assert.Equal(t, domain.RunStatusFailed, snap.Status)
	_, ok = <-ch
	assert.False(t, ok)

	_, _, err = s.Watch("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestFinishedRunsExpireWhileInFlightRunsStay(t *testing.T) {
	s := NewTaskServiceWithConfig(TaskServiceConfig{Retention: 50 * time.Millisecond})

	done, _ := s.Begin("k1", "demo1", domain.RoundInitial)
	require.NoError(t, s.Start(done.ID, "working"))
	require.NoError(t, s.Complete(done.ID, domain.TaskOutcome{CommitSHA: "abc"}, nil, true))
	pending, _ := s.Begin("k2", "demo1", domain.RoundRevision)

	got, err := s.GetRun(done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)

	require.Eventually(t, func() bool {
		_, err := s.GetRun(done.ID)
		return errors.Is(err, ErrRunNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	still, err := s.GetRun(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAccepted, still.Status)
	assert.Len(t, s.ListByTask("demo1"), 1)
}

func TestFinishedRunsAreCapped(t *testing.T) {
	s := NewTaskServiceWithConfig(TaskServiceConfig{MaxFinished: 2})

	var ids []string
	for _, key := range []string{"k1", "k2", "k3"} {
		run, _ := s.Begin(key, "demo1", domain.RoundInitial)
		require.NoError(t, s.Fail(run.ID, "boom"))
		ids = append(ids, run.ID)
	}

	_, err := s.GetRun(ids[0])
	assert.ErrorIs(t, err, ErrRunNotFound)
	for _, id := range ids[1:] {
		_, err := s.GetRun(id)
		assert.NoError(t, err)
	}
}
