package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pathomics/wsiflow/errors"
)

// JobExecutor runs a single job to completion. Implementations report
// progress through the Store and may mark the job SUCCEEDED themselves;
// a nil return with the job still RUNNING lets the adapter finalize it.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorAdapter wraps a concrete executor with the bookkeeping every
// execution needs: terminal-state finalization and progress fan-out. The
// scheduler talks to the adapter, never to the inner executor directly.
type ExecutorAdapter struct {
	inner JobExecutor
	store *Store
	hub   *ProgressHub
	log   *zap.SugaredLogger
}

// NewExecutorAdapter wraps inner with store finalization and hub publishing
func NewExecutorAdapter(inner JobExecutor, store *Store, hub *ProgressHub, log *zap.SugaredLogger) *ExecutorAdapter {
	return &ExecutorAdapter{
		inner: inner,
		store: store,
		hub:   hub,
		log:   log.Named("executor"),
	}
}

// Execute runs the inner executor and finalizes the job record. On a nil
// inner error the job is marked SUCCEEDED unless the executor already
// moved it to a terminal state. A non-nil error propagates to the
// scheduler, which records the FAILED transition. A panicking executor
// is recovered and surfaced as an error so the job still fails cleanly
// instead of unwinding the branch goroutine.
func (a *ExecutorAdapter) Execute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorw("Executor panicked", "job_id", job.ID, "panic", r)
			err = errors.Newf("executor panic: %v", r)
		}
	}()

	if err := a.inner.Execute(ctx, job); err != nil {
		return err
	}

	updated, err := a.store.UpdateJob(job.ID, func(j *Job) error {
		if j.Status.Terminal() {
			return nil
		}
		return j.Succeed()
	})
	if err != nil {
		return errors.Wrap(err, "failed to finalize job")
	}

	a.hub.PublishJob(updated)
	return nil
}
