package services

import (
	"context"
	"sync"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
)

// BackgroundRunner runs detached work on goroutines that outlive the request
// and can be waited on at shutdown.
type BackgroundRunner struct {
	wg     sync.WaitGroup
	logger *logger.Logger
}

func NewBackgroundRunner(log *logger.Logger) *BackgroundRunner {
	return &BackgroundRunner{logger: log}
}

// Go runs fn with a context detached from any request. Panics are logged.
func (r *BackgroundRunner) Go(name string, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Errorw("background_panic", "job", name, "panic", rec)
			}
		}()
		fn(context.Background())
	}()
}

// Wait blocks until all detached work finishes or ctx is done.
func (r *BackgroundRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type asyncDispatcher struct {
	runner    *BackgroundRunner
	processor ports.TaskProcessor
}

// NewAsyncDispatcher processes each run on its own goroutine in this process.
func NewAsyncDispatcher(runner *BackgroundRunner, processor ports.TaskProcessor) ports.Dispatcher {
	return &asyncDispatcher{runner: runner, processor: processor}
}

func (d *asyncDispatcher) Dispatch(ctx context.Context, run *domain.TaskRun, req domain.TaskRequest) error {
	runID := run.ID
	d.runner.Go("process:"+runID, func(bg context.Context) {
		d.processor.Process(bg, runID, req)
	})
	return nil
}
