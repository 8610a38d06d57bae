package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/step"
	"github.com/clipforge/clipforge/internal/webhook"
)

// Store is the part of job.Store an executor writes through.
type Store interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	BeginAttempt(ctx context.Context, id, owner string, stepIndex int) (*job.Job, error)
	UpdateProgress(ctx context.Context, id, owner string, stepIndex int, progress float64) (*job.Job, error)
	CompleteStep(ctx context.Context, id, owner string, stepIndex int, output json.RawMessage) error
	Finish(ctx context.Context, id, owner string, result json.RawMessage) error
	Fail(ctx context.Context, id, owner string, failure *job.Failure) error
}

// Notifier delivers terminal-state callbacks.
type Notifier interface {
	Send(ctx context.Context, callbackURL string, n webhook.Notification)
}

type Options struct {
	// ProgressInterval throttles progress writes; it is also the heartbeat check period.
	ProgressInterval time.Duration
	// HeartbeatInterval is the longest a running step goes without refreshing its lease.
	HeartbeatInterval time.Duration
	// StepTimeout bounds one collaborator attempt. Zero disables it.
	StepTimeout time.Duration
	// RetryBase and RetryCap bound the full-jitter backoff between attempts of a step.
	RetryBase time.Duration
	RetryCap  time.Duration
	// WorkDir holds per-job scratch directories.
	WorkDir string
	Logger  *slog.Logger
}

// Executor runs the steps of claimed jobs.
type Executor struct {
	store    Store
	registry *step.Registry
	notifier Notifier
	opts     Options
	logger   *slog.Logger
}

func New(store Store, registry *step.Registry, notifier Notifier, opts Options) *Executor {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 500 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    store,
		registry: registry,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With("component", "executor"),
	}
}

// Execute drives a job claimed by owner from its current step to a terminal state.
// It returns job.ErrStaleOwner when the lease was lost midway; the job then belongs to
// someone else and nothing more was written. A cancelled ctx leaves the job as it is
// so another instance can resume it once the lease expires.
func (e *Executor) Execute(ctx context.Context, j *job.Job, owner string) error {
	log := e.logger.With("job_id", j.ID, "kind", j.Kind, "owner", owner)
	log.Info("job started", "step_index", j.CurrentStep, "status", j.Status)
	start := time.Now()

	payload, err := step.ParsePayload(j.Payload)
	if err != nil {
		return e.fail(ctx, log, j, owner, &job.Failure{
			Kind: job.FailureStep, Step: currentName(j), Message: err.Error(),
		})
	}
	workDir := filepath.Join(e.opts.WorkDir, j.ID)

	cur := j
	for cur.CurrentStep < len(cur.Steps) {
		if cur.CancelRequested() {
			return e.cancel(ctx, log, cur, owner)
		}
		idx := cur.CurrentStep
		name := cur.Steps[idx].Name

		collab, err := e.registry.Lookup(name)
		if err != nil {
			return e.fail(ctx, log, cur, owner, &job.Failure{Kind: job.FailureStep, Step: name, Message: err.Error()})
		}

		in := step.Input{JobID: cur.ID, Step: name, Payload: payload, Prior: cur.Outputs(), WorkDir: workDir}
		out, err := e.runStep(ctx, log, cur, owner, idx, collab, in)
		var failure *job.Failure
		switch {
		case err == nil:
		case errors.Is(err, errCancelRequested):
			return e.cancel(ctx, log, cur, owner)
		case errors.As(err, &failure):
			return e.fail(ctx, log, cur, owner, failure)
		default:
			return e.abandon(log, err)
		}

		if err := e.store.CompleteStep(ctx, cur.ID, owner, idx, out); err != nil {
			if !errors.Is(err, job.ErrOutOfOrder) {
				return e.abandon(log, err)
			}
			// A duplicate signal for a step that already advanced: reread and carry on.
			log.Debug("step completion ignored", "step", name, "error", err)
		} else {
			log.Info("step completed", "step", name, "step_index", idx)
		}

		if cur, err = e.store.Get(ctx, cur.ID); err != nil {
			return e.abandon(log, err)
		}
		if cur.Status.IsTerminal() || cur.Owner != owner {
			return e.abandon(log, job.ErrStaleOwner)
		}
	}

	if cur.CancelRequested() {
		return e.cancel(ctx, log, cur, owner)
	}
	result, err := json.Marshal(cur.Outputs())
	if err != nil {
		return fmt.Errorf("assemble result for job %s: %w", cur.ID, err)
	}
	if err := e.store.Finish(ctx, cur.ID, owner, result); err != nil {
		return e.abandon(log, err)
	}
	log.Info("job completed", "duration", time.Since(start))
	e.notify(ctx, log, cur)
	return nil
}

// runStep runs attempts of one step until it succeeds, the retry budget is spent (returned
// as *job.Failure), cancellation is seen (errCancelRequested) or the lease is lost.
func (e *Executor) runStep(ctx context.Context, log *slog.Logger, j *job.Job, owner string, idx int, collab step.Collaborator, in step.Input) (json.RawMessage, error) {
	name := j.Steps[idx].Name
	maxAttempts := job.RetryBudget(name) + 1

	for {
		snap, err := e.store.BeginAttempt(ctx, j.ID, owner, idx)
		if err != nil {
			return nil, err
		}
		if snap.CancelRequested() {
			return nil, errCancelRequested
		}
		attempt := snap.Steps[idx].Attempt
		log.Info("step started", "step", name, "step_index", idx, "attempt", attempt)

		out, err := e.attempt(ctx, j.ID, owner, idx, collab, in)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, errCancelRequested) || errors.Is(err, job.ErrStaleOwner) ||
			errors.Is(err, job.ErrTerminal) || errors.Is(err, job.ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}

		if attempt >= maxAttempts {
			log.Warn("step failed, retries exhausted", "step", name, "attempt", attempt, "error", err)
			return nil, &job.Failure{Kind: job.FailureStep, Step: name, Message: err.Error(), Attempt: attempt}
		}
		delay := webhook.Jitter(attempt, e.opts.RetryBase, e.opts.RetryCap)
		log.Warn("step attempt failed, retrying", "step", name, "attempt", attempt, "backoff", delay, "error", err)
		if err := e.backoff(ctx, j.ID, owner, idx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt runs the collaborator once under a reporter that serialises its progress and
// aborts it on cancellation or lease loss.
func (e *Executor) attempt(ctx context.Context, jobID, owner string, idx int, collab step.Collaborator, in step.Input) (json.RawMessage, error) {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx := stepCtx
	if e.opts.StepTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(stepCtx, e.opts.StepTimeout)
		defer cancelTimeout()
	}

	rep := e.newReporter(jobID, owner, idx, cancel)
	rep.start(ctx)
	out, err := collab.Run(runCtx, in, rep.Report)
	if abort := rep.stop(); abort != nil {
		return nil, abort
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("step timed out after %s: %w", e.opts.StepTimeout, err)
		}
		return nil, err
	}
	return out, nil
}

// backoff waits before the next attempt while keeping the lease alive and watching for
// cancellation.
func (e *Executor) backoff(ctx context.Context, jobID, owner string, idx int, delay time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, delay)
	defer cancel()
	rep := e.newReporter(jobID, owner, idx, cancel)
	rep.start(ctx)
	<-waitCtx.Done()
	if abort := rep.stop(); abort != nil {
		return abort
	}
	return ctx.Err()
}

func (e *Executor) cancel(ctx context.Context, log *slog.Logger, j *job.Job, owner string) error {
	err := e.store.Fail(ctx, j.ID, owner, &job.Failure{
		Kind:    job.FailureCancelled,
		Step:    currentName(j),
		Message: "cancelled by request",
	})
	if err != nil {
		return e.abandon(log, err)
	}
	log.Info("job cancelled", "step_index", j.CurrentStep)
	e.notify(ctx, log, j)
	return nil
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, j *job.Job, owner string, failure *job.Failure) error {
	if err := e.store.Fail(ctx, j.ID, owner, failure); err != nil {
		return e.abandon(log, err)
	}
	log.Warn("job failed", "step", failure.Step, "attempt", failure.Attempt, "error", failure.Message)
	e.notify(ctx, log, j)
	return nil
}

// abandon stops work on a job without writing. Losing the lease is expected after a
// reclaim; anything else is reported to the caller.
func (e *Executor) abandon(log *slog.Logger, err error) error {
	switch {
	case errors.Is(err, job.ErrStaleOwner), errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrNotFound):
		log.Info("job abandoned", "reason", err)
	case errors.Is(err, context.Canceled):
		log.Info("job interrupted by shutdown")
	default:
		log.Error("job aborted", "error", err)
	}
	return err
}

func (e *Executor) notify(ctx context.Context, log *slog.Logger, j *job.Job) {
	if e.notifier == nil || j.CallbackURL == "" {
		return
	}
	final, err := e.store.Get(context.WithoutCancel(ctx), j.ID)
	if err != nil {
		log.Warn("load job for callback", "error", err)
		return
	}
	e.notifier.Send(context.WithoutCancel(ctx), final.CallbackURL, webhook.NotificationFor(final))
}

func currentName(j *job.Job) string {
	if j.CurrentStep < len(j.Steps) {
		return j.Steps[j.CurrentStep].Name
	}
	return ""
}
