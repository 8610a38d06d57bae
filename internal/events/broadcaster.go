package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/job"
)

var (
	// ErrLagged closes a subscription whose buffer filled up; reconnect with the last seen sequence.
	ErrLagged = errors.New("subscriber lagged behind")
	// ErrClosed closes subscriptions when the broadcaster shuts down.
	ErrClosed = errors.New("broadcaster closed")
)

const (
	// snapshotRetries bounds how often Subscribe re-reads the store when events race the snapshot.
	snapshotRetries = 3
	// catchUpBatch is the number of logged events read per query when catching up.
	catchUpBatch = 256
)

type MessageType string

const (
	MessageEvent  MessageType = "event"
	MessageResync MessageType = "resync"
)

// Message is one item of a subscription stream: either an event or a full job snapshot
// sent when the requested cursor is older than the retained events.
type Message struct {
	Type   MessageType `json:"type"`
	Event  *job.Event  `json:"event,omitempty"`
	Resync *job.Job    `json:"resync,omitempty"`
}

// Sequence is the cursor a client should resume from after handling m.
func (m Message) Sequence() uint64 {
	if m.Resync != nil {
		return m.Resync.Sequence
	}
	if m.Event != nil {
		return m.Event.Sequence
	}
	return 0
}

// Source reads job snapshots and the durable event log every store mutation appends to.
type Source interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	EventsAfter(ctx context.Context, jobID string, since uint64, limit int) ([]job.Event, error)
}

type Options struct {
	// RingSize is the number of events retained per job for replay.
	RingSize int
	// SubscriberBuffer is the live backlog a subscriber may accumulate before it is dropped.
	SubscriberBuffer int
	// Retention is how long a finished job's events stay replayable.
	Retention time.Duration
	// PollInterval is how often jobs with subscribers are caught up from the event log,
	// which is how events written by other processes reach local subscribers.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Broadcaster fans store events out to subscribers and keeps a bounded replay window per job.
type Broadcaster struct {
	store  Source
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	// wake asks Run for an immediate catch-up after a gap.
	wake chan struct{}

	mu     sync.Mutex
	jobs   map[string]*stream
	closed bool
}

type stream struct {
	events     []job.Event
	subs       map[*Subscription]struct{}
	terminalAt time.Time
}

func (st *stream) last() uint64 {
	if len(st.events) == 0 {
		return 0
	}
	return st.events[len(st.events)-1].Sequence
}

// covers reports whether the buffer holds every event after since.
func (st *stream) covers(since uint64) bool {
	return len(st.events) > 0 && st.events[0].Sequence <= since+1
}

func (st *stream) after(since uint64) []job.Event {
	var out []job.Event
	for _, e := range st.events {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out
}

// New creates a Broadcaster. Zero option values fall back to defaults.
func New(store Source, opts Options) *Broadcaster {
	if opts.RingSize <= 0 {
		opts.RingSize = 256
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "broadcaster"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		jobs:   make(map[string]*stream),
	}
}

// Publish records e in its job's ring and delivers it to live subscribers without blocking.
// A subscriber that missed earlier events does not get e until a catch-up from the event
// log fills the gap.
func (b *Broadcaster) Publish(e job.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	st := b.jobs[e.JobID]
	if st == nil {
		st = &stream{subs: make(map[*Subscription]struct{})}
		b.jobs[e.JobID] = st
	}
	if b.deliver(st, e) {
		b.logger.Debug("event sequence gap, catching up", "job_id", e.JobID, "sequence", e.Sequence)
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// deliver appends e to the ring when it extends it and hands it to every subscriber whose
// cursor is exactly one behind. It reports whether some subscriber is missing events
// before e. Callers hold b.mu.
func (b *Broadcaster) deliver(st *stream, e job.Event) bool {
	switch last := st.last(); {
	case len(st.events) == 0 || e.Sequence == last+1:
		st.events = append(st.events, e)
	case e.Sequence > last+1:
		// Events in between were written elsewhere: the replay window restarts here.
		st.events = append(st.events[:0], e)
	}
	if len(st.events) > b.opts.RingSize {
		trim := len(st.events) - b.opts.RingSize
		st.events = append([]job.Event(nil), st.events[trim:]...)
	}

	gap := false
	msg := Message{Type: MessageEvent, Event: &e}
	for sub := range st.subs {
		switch {
		case e.Sequence <= sub.cursor:
			continue
		case e.Sequence > sub.cursor+1:
			gap = true
			continue
		}
		select {
		case sub.ch <- msg:
			sub.cursor = e.Sequence
		default:
			b.logger.Warn("subscriber lagged, closing", "job_id", e.JobID, "sequence", e.Sequence)
			b.closeSub(st, sub, ErrLagged)
		}
	}

	if e.Kind.IsTerminal() {
		st.terminalAt = b.now()
		for sub := range st.subs {
			if sub.cursor >= e.Sequence {
				b.closeSub(st, sub, nil)
			}
		}
	}
	return gap
}

// Subscribe attaches to jobID's stream. Buffered events after since are replayed first;
// when since predates the buffer the stream opens with a Resync snapshot instead. The
// subscription's channel closes after the job's terminal event.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string, since uint64) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if st := b.jobs[jobID]; st != nil && st.covers(since) {
		sub := b.attach(jobID, st, since, nil)
		b.mu.Unlock()
		return sub, nil
	}
	b.mu.Unlock()

	for range snapshotRetries {
		snap, err := b.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		st := b.jobs[jobID]
		if st != nil && st.covers(since) {
			sub := b.attach(jobID, st, since, nil)
			b.mu.Unlock()
			return sub, nil
		}
		if st != nil && len(st.events) > 0 && st.last() > snap.Sequence && !st.covers(snap.Sequence) {
			// The buffer moved past the snapshot; read it again.
			b.mu.Unlock()
			continue
		}
		if snap.Sequence <= since {
			snap = nil
		}
		sub := b.attach(jobID, st, since, snap)
		b.mu.Unlock()
		return sub, nil
	}
	return nil, fmt.Errorf("subscribe %s: events moved past %d snapshots", jobID, snapshotRetries)
}

// attach builds a subscription preloaded with its replay and registers it for live
// delivery unless the job has already finished. st may be nil. Callers hold b.mu.
func (b *Broadcaster) attach(jobID string, st *stream, since uint64, resync *job.Job) *Subscription {
	if st == nil {
		st = &stream{subs: make(map[*Subscription]struct{})}
	}
	var pending []Message
	done := false
	if resync != nil {
		pending = append(pending, Message{Type: MessageResync, Resync: resync})
		since = resync.Sequence
		done = resync.Status.IsTerminal()
	}
	for _, e := range st.after(since) {
		pending = append(pending, Message{Type: MessageEvent, Event: &e})
		done = done || e.Kind.IsTerminal()
	}
	if !st.terminalAt.IsZero() {
		done = true
	}

	ch := make(chan Message, len(pending)+b.opts.SubscriberBuffer)
	cursor := since
	for _, m := range pending {
		ch <- m
		cursor = max(cursor, m.Sequence())
	}
	sub := &Subscription{C: ch, ch: ch, jobID: jobID, b: b, cursor: cursor}
	if done {
		sub.closed = true
		close(ch)
		return sub
	}
	st.subs[sub] = struct{}{}
	b.jobs[jobID] = st
	return sub
}

// closeSub removes sub and closes its channel. Callers hold b.mu.
func (b *Broadcaster) closeSub(st *stream, sub *Subscription, reason error) {
	if sub.closed {
		return
	}
	delete(st.subs, sub)
	sub.closed = true
	sub.err = reason
	close(sub.ch)
}

// Forget drops the buffer of a deleted job and closes its subscribers.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.jobs[jobID]
	if st == nil {
		return
	}
	for sub := range st.subs {
		b.closeSub(st, sub, nil)
	}
	delete(b.jobs, jobID)
}

// Sweep drops buffers of jobs that finished more than the retention period ago.
func (b *Broadcaster) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.opts.Retention)
	n := 0
	for id, st := range b.jobs {
		if !st.terminalAt.IsZero() && st.terminalAt.Before(cutoff) && len(st.subs) == 0 {
			delete(b.jobs, id)
			n++
		}
	}
	return n
}

// CatchUp reads the event log of every job that has subscribers and delivers the events
// they have not seen yet. It returns the number of events read.
func (b *Broadcaster) CatchUp(ctx context.Context) int {
	b.mu.Lock()
	from := make(map[string]uint64)
	for id, st := range b.jobs {
		for sub := range st.subs {
			if c, ok := from[id]; !ok || sub.cursor < c {
				from[id] = sub.cursor
			}
		}
	}
	b.mu.Unlock()

	n := 0
	for id, since := range from {
		n += b.catchUp(ctx, id, since)
	}
	return n
}

func (b *Broadcaster) catchUp(ctx context.Context, jobID string, since uint64) int {
	n := 0
	for {
		evs, err := b.store.EventsAfter(ctx, jobID, since, catchUpBatch)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("read event log", "job_id", jobID, "error", err)
			}
			return n
		}
		if len(evs) == 0 {
			return n
		}
		if first := evs[0].Sequence; first > since+1 {
			// The log no longer has what these subscribers missed.
			b.resync(ctx, jobID, first-1)
		}

		b.mu.Lock()
		st := b.jobs[jobID]
		if st == nil || b.closed {
			b.mu.Unlock()
			return n
		}
		for _, e := range evs {
			b.deliver(st, e)
		}
		b.mu.Unlock()

		n += len(evs)
		if len(evs) < catchUpBatch {
			return n
		}
		since = evs[len(evs)-1].Sequence
	}
}

// resync sends a fresh snapshot to subscribers whose cursor is behind before, the last
// sequence the event log cannot supply.
func (b *Broadcaster) resync(ctx context.Context, jobID string, before uint64) {
	snap, err := b.store.Get(ctx, jobID)
	if err != nil {
		b.logger.Warn("resync snapshot", "job_id", jobID, "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.jobs[jobID]
	if st == nil || b.closed {
		return
	}
	msg := Message{Type: MessageResync, Resync: snap}
	for sub := range st.subs {
		if sub.cursor >= before || sub.cursor >= snap.Sequence {
			continue
		}
		select {
		case sub.ch <- msg:
			sub.cursor = snap.Sequence
			if snap.Status.IsTerminal() {
				b.closeSub(st, sub, nil)
			}
		default:
			b.closeSub(st, sub, ErrLagged)
		}
	}
}

// Run catches subscribers up from the event log and sweeps expired buffers until ctx is
// cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	sweep := time.NewTicker(max(b.opts.Retention/2, time.Second))
	defer sweep.Stop()
	poll := time.NewTicker(b.opts.PollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			b.CatchUp(ctx)
		case <-b.wake:
			b.CatchUp(ctx)
		case <-sweep.C:
			if n := b.Sweep(); n > 0 {
				b.logger.Debug("swept event buffers", "count", n)
			}
		}
	}
}

// Close ends every subscription with ErrClosed. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, st := range b.jobs {
		for sub := range st.subs {
			b.closeSub(st, sub, ErrClosed)
		}
	}
}

// Subscription is a single subscriber's ordered view of one job.
type Subscription struct {
	// C yields messages in sequence order and is closed when the stream ends.
	C <-chan Message

	ch     chan Message
	jobID  string
	b      *Broadcaster
	closed bool
	err    error
	// cursor is the last sequence handed to ch.
	cursor uint64
}

// Err reports why C was closed: nil when the job finished, ErrLagged or ErrClosed otherwise.
func (s *Subscription) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.err
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return
	}
	if st := s.b.jobs[s.jobID]; st != nil {
		delete(st.subs, s)
	}
	s.closed = true
	close(s.ch)
}
