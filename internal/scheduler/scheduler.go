package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/clipforge/clipforge/internal/job"
)

// Store is the part of job.Store the dispatcher needs.
type Store interface {
	ListRunnable(ctx context.Context, limit int, leaseTimeout time.Duration) ([]*job.Job, error)
	Claim(ctx context.Context, id, owner string, leaseTimeout time.Duration) (*job.Job, error)
}

// Runner executes a claimed job until it is terminal or the lease is lost.
type Runner interface {
	Execute(ctx context.Context, j *job.Job, owner string) error
}

type Options struct {
	// InstanceID prefixes every owner token this scheduler claims with.
	InstanceID   string
	PoolSize     int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	Logger       *slog.Logger
}

// Scheduler polls the store for runnable jobs and claims as many as it has free slots for.
// Jobs beyond capacity stay in the store and are picked up on a later tick.
type Scheduler struct {
	store  Store
	runner Runner
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	tick     uint64
	inflight map[string]string // job ID -> owner token
	wg       sync.WaitGroup
}

func New(store Store, runner Runner, opts Options) *Scheduler {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()[:8]
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		opts:     opts,
		logger:   logger.With("component", "scheduler", "instance", opts.InstanceID),
		inflight: make(map[string]string),
	}
}

// Run ticks until ctx is done, then waits for in-flight executions to return.
// Executions share ctx, so shutdown interrupts them and their jobs are reclaimed
// by whichever instance sees the lease expire.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "pool_size", s.opts.PoolSize, "poll_interval", s.opts.PollInterval, "lease_timeout", s.opts.LeaseTimeout)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one poll cycle and returns the number of jobs it claimed.
// Called by Run or directly in tests.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	s.mu.Unlock()

	available := s.Available()
	if available == 0 || ctx.Err() != nil {
		return 0
	}
	candidates, err := s.store.ListRunnable(ctx, available, s.opts.LeaseTimeout)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("list runnable jobs", "tick", tick, "error", err)
		}
		return 0
	}

	claimed := 0
	for _, c := range candidates {
		if s.running(c.ID) {
			// Our own execution outlived its lease; let it finish or be fenced off.
			continue
		}
		owner := s.opts.InstanceID + ":" + uuid.NewString()
		j, err := s.store.Claim(ctx, c.ID, owner, s.opts.LeaseTimeout)
		switch {
		case errors.Is(err, job.ErrClaimFailed), errors.Is(err, job.ErrNotFound):
			s.logger.Debug("claim lost", "job_id", c.ID, "error", err)
			continue
		case err != nil:
			s.logger.Error("claim job", "job_id", c.ID, "error", err)
			continue
		}
		s.dispatch(ctx, j, owner)
		claimed++
	}
	if claimed > 0 || len(candidates) > 0 {
		s.logger.Debug("tick", "tick", tick, "candidates", len(candidates), "claimed", claimed, "available", s.Available())
	}
	return claimed
}

func (s *Scheduler) dispatch(ctx context.Context, j *job.Job, owner string) {
	s.mu.Lock()
	s.inflight[j.ID] = owner
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, j.ID)
			s.mu.Unlock()
		}()
		if err := s.runner.Execute(ctx, j, owner); err != nil && !errors.Is(err, job.ErrStaleOwner) && ctx.Err() == nil {
			s.logger.Warn("execution ended with error", "job_id", j.ID, "owner", owner, "error", err)
		}
	}()
}

func (s *Scheduler) running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// Available returns the number of free execution slots.
func (s *Scheduler) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.opts.PoolSize-len(s.inflight), 0)
}

// InFlight returns the IDs of jobs currently executing on this instance.
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.inflight)
}

// Wait blocks until every dispatched execution has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
