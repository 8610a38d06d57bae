package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/job"
)

// errCancelRequested aborts a running step when the job's cancel flag is seen.
var errCancelRequested = errors.New("cancel requested")

// reporter is the only writer of progress for one step attempt. Collaborator callbacks
// from any goroutine land in Report; the run loop forwards the latest value to the store
// at most once per flush interval and heartbeats with unchanged progress otherwise.
type reporter struct {
	store     Store
	jobID     string
	owner     string
	stepIndex int
	flush     time.Duration
	heartbeat time.Duration
	abortStep func()
	logger    *slog.Logger

	mu     sync.Mutex
	latest float64
	dirty  bool

	done    chan struct{}
	stopped chan struct{}
	// abort is written by run before stopped is closed.
	abort error
}

func (e *Executor) newReporter(jobID, owner string, stepIndex int, abortStep func()) *reporter {
	return &reporter{
		store:     e.store,
		jobID:     jobID,
		owner:     owner,
		stepIndex: stepIndex,
		flush:     e.opts.ProgressInterval,
		heartbeat: e.opts.HeartbeatInterval,
		abortStep: abortStep,
		logger:    e.logger,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Report records p. Only the latest value matters; intermediate values may be dropped.
func (r *reporter) Report(p float64) {
	r.mu.Lock()
	if p > r.latest {
		r.latest = p
		r.dirty = true
	}
	r.mu.Unlock()
}

// start runs the loop until stop. Store writes use ctx, not the step context, so they
// keep working while the step is being torn down.
func (r *reporter) start(ctx context.Context) {
	go r.run(ctx)
}

func (r *reporter) run(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.mu.Lock()
			p, dirty := r.latest, r.dirty
			r.dirty = false
			r.mu.Unlock()

			if !dirty && now.Sub(lastWrite) < r.heartbeat {
				continue
			}
			snap, err := r.store.UpdateProgress(ctx, r.jobID, r.owner, r.stepIndex, p)
			if err != nil {
				if errors.Is(err, job.ErrStaleOwner) || errors.Is(err, job.ErrTerminal) || errors.Is(err, job.ErrNotFound) {
					r.abort = err
					r.abortStep()
					return
				}
				// Transient store trouble: the next tick retries with the latest value.
				r.logger.Warn("progress update failed", "step_index", r.stepIndex, "error", err)
				r.mu.Lock()
				r.dirty = r.dirty || dirty
				r.mu.Unlock()
				continue
			}
			lastWrite = now
			if snap.CancelRequested() {
				r.abort = errCancelRequested
				r.abortStep()
				return
			}
		}
	}
}

// stop ends the loop and returns why it aborted the step, if it did.
func (r *reporter) stop() error {
	close(r.done)
	<-r.stopped
	return r.abort
}
