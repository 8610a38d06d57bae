package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/clipforge/clipforge/internal/job"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
	log  map[string][]job.Event
}

func (f *fakeStore) Get(_ context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

func (f *fakeStore) EventsAfter(_ context.Context, jobID string, since uint64, limit int) ([]job.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.Event
	for _, e := range f.log[jobID] {
		if e.Sequence > since && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) put(j *job.Job) {
	f.mu.Lock()
	f.jobs[j.ID] = j
	f.mu.Unlock()
}

func (f *fakeStore) logEvents(evs ...job.Event) {
	f.mu.Lock()
	for _, e := range evs {
		f.log[e.JobID] = append(f.log[e.JobID], e)
	}
	f.mu.Unlock()
}

func newTestBroadcaster(t *testing.T, opts Options) (*Broadcaster, *fakeStore) {
	t.Helper()
	store := &fakeStore{jobs: make(map[string]*job.Job), log: make(map[string][]job.Event)}
	return New(store, opts), store
}

func ev(jobID string, seq uint64, kind job.EventKind) job.Event {
	return job.Event{JobID: jobID, Sequence: seq, Kind: kind, Payload: json.RawMessage(`{}`), Timestamp: time.Unix(int64(seq), 0)}
}

// drain collects messages until the channel closes or the timeout hits.
func drain(t *testing.T, sub *Subscription) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			t.Fatalf("subscription did not close; got %d messages", len(out))
		}
	}
}

func sequences(msgs []Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sequence()
	}
	return out
}

func TestReplayAfterCompletion(t *testing.T) {
	t.Parallel()
	b, _ := newTestBroadcaster(t, Options{})
	kinds := []job.EventKind{job.EventClaimed, job.EventProgress, job.EventStepDone, job.EventProgress, job.EventStepDone, job.EventCompleted}
	for i, k := range kinds {
		b.Publish(ev("j1", uint64(i+1), k))
	}

	sub, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	msgs := drain(t, sub)
	if diff := cmp.Diff([]uint64{1, 2, 3, 4, 5, 6}, sequences(msgs)); diff != "" {
		t.Errorf("replayed sequences mismatch (-want +got):\n%s", diff)
	}
	for _, m := range msgs {
		if m.Type != MessageEvent {
			t.Errorf("unexpected %s message", m.Type)
		}
	}
	if err := sub.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after terminal event", err)
	}
}

func TestReplayThenLive(t *testing.T) {
	t.Parallel()
	b, _ := newTestBroadcaster(t, Options{})
	b.Publish(ev("j1", 1, job.EventClaimed))
	b.Publish(ev("j1", 2, job.EventProgress))
	b.Publish(ev("j1", 3, job.EventProgress))

	sub, err := b.Subscribe(context.Background(), "j1", 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Publish(ev("j1", 4, job.EventStepDone))
	b.Publish(ev("j1", 4, job.EventStepDone)) // duplicate
	b.Publish(ev("other", 1, job.EventClaimed))
	b.Publish(ev("j1", 5, job.EventFailed))

	if diff := cmp.Diff([]uint64{2, 3, 4, 5}, sequences(drain(t, sub))); diff != "" {
		t.Errorf("sequences mismatch (-want +got):\n%s", diff)
	}
}

func TestResyncWhenCursorPredatesWindow(t *testing.T) {
	t.Parallel()
	b, store := newTestBroadcaster(t, Options{RingSize: 2})
	store.put(&job.Job{ID: "j1", Status: job.StatusRunning, Sequence: 4, CurrentStep: 1})
	for seq := uint64(1); seq <= 4; seq++ {
		b.Publish(ev("j1", seq, job.EventProgress))
	}

	sub, err := b.Subscribe(context.Background(), "j1", 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	first := <-sub.C
	if first.Type != MessageResync || first.Resync == nil {
		t.Fatalf("first message = %+v, want resync", first)
	}
	if first.Resync.Sequence != 4 || first.Resync.CurrentStep != 1 {
		t.Errorf("snapshot = %+v", first.Resync)
	}

	b.Publish(ev("j1", 5, job.EventStepDone))
	select {
	case m := <-sub.C:
		if m.Sequence() != 5 {
			t.Errorf("live message sequence = %d, want 5", m.Sequence())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live event after resync")
	}
}

func TestResyncAfterRestart(t *testing.T) {
	t.Parallel()
	b, store := newTestBroadcaster(t, Options{})
	store.put(&job.Job{ID: "done", Status: job.StatusCompleted, Sequence: 9})

	sub, err := b.Subscribe(context.Background(), "done", 3)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	msgs := drain(t, sub)
	if len(msgs) != 1 || msgs[0].Type != MessageResync {
		t.Fatalf("messages = %+v, want a single resync", msgs)
	}
}

func TestSubscribeUpToDateWithoutBuffer(t *testing.T) {
	t.Parallel()
	b, store := newTestBroadcaster(t, Options{})
	store.put(&job.Job{ID: "j1", Status: job.StatusPending})

	sub, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Publish(ev("j1", 1, job.EventClaimed))
	b.Publish(ev("j1", 2, job.EventCancelled))

	msgs := drain(t, sub)
	if diff := cmp.Diff([]uint64{1, 2}, sequences(msgs)); diff != "" {
		t.Errorf("sequences mismatch (-want +got):\n%s", diff)
	}
	if msgs[0].Type != MessageEvent {
		t.Errorf("first message type = %s, want event", msgs[0].Type)
	}
}

func TestSubscribeNotFound(t *testing.T) {
	t.Parallel()
	b, _ := newTestBroadcaster(t, Options{})
	if _, err := b.Subscribe(context.Background(), "missing", 0); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLaggedSubscriberClosed(t *testing.T) {
	t.Parallel()
	b, store := newTestBroadcaster(t, Options{SubscriberBuffer: 2})
	store.put(&job.Job{ID: "j1", Status: job.StatusRunning})

	slow, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for seq := uint64(1); seq <= 5; seq++ {
		b.Publish(ev("j1", seq, job.EventProgress))
	}

	msgs := drain(t, slow)
	if diff := cmp.Diff([]uint64{1, 2}, sequences(msgs)); diff != "" {
		t.Errorf("delivered before lag (-want +got):\n%s", diff)
	}
	if !errors.Is(slow.Err(), ErrLagged) {
		t.Fatalf("Err() = %v, want ErrLagged", slow.Err())
	}

	// Reconnecting from the last delivered cursor replays the rest.
	again, err := b.Subscribe(context.Background(), "j1", 2)
	if err != nil {
		t.Fatalf("re-Subscribe: %v", err)
	}
	defer again.Close()
	for _, want := range []uint64{3, 4, 5} {
		if m := <-again.C; m.Sequence() != want {
			t.Fatalf("replayed sequence = %d, want %d", m.Sequence(), want)
		}
	}
}

func TestSequenceGapRestartsWindow(t *testing.T) {
	t.Parallel()
	b, store := newTestBroadcaster(t, Options{})
	b.Publish(ev("j1", 1, job.EventClaimed))
	b.Publish(ev("j1", 7, job.EventProgress))
	store.put(&job.Job{ID: "j1", Status: job.StatusRunning, Sequence: 7})

	sub, err := b.Subscribe(context.Background(), "j1", 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if m := <-sub.C; m.Type != MessageResync {
		t.Fatalf("first message = %s, want resync", m.Type)
	}
}

func TestForgetAndSweep(t *testing.T) {
	t.Parallel()
	b, store := newTestBroadcaster(t, Options{Retention: time.Minute})
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	b.Publish(ev("done", 1, job.EventCompleted))
	b.Publish(ev("live", 1, job.EventClaimed))
	store.put(&job.Job{ID: "live", Status: job.StatusRunning, Sequence: 1})

	sub, err := b.Subscribe(context.Background(), "live", 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if n := b.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := b.jobs["done"]; ok {
		t.Error("terminal buffer survived sweep")
	}

	b.Forget("live")
	if _, ok := <-sub.C; ok {
		t.Error("subscription still open after Forget")
	}
	if _, ok := b.jobs["live"]; ok {
		t.Error("buffer survived Forget")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()
	b, store := newTestBroadcaster(t, Options{})
	store.put(&job.Job{ID: "j1", Status: job.StatusPending})
	sub, err := b.Subscribe(context.Background(), "j1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Close()
	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open after Close")
	}
	if !errors.Is(sub.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", sub.Err())
	}
	sub.Close()
	if _, err := b.Subscribe(context.Background(), "j1", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close err = %v, want ErrClosed", err)
	}
}

// TestStoreIntegration checks the store and broadcaster together deliver every event of a
// finished job once, in order.
func TestStoreIntegration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := New(store, Options{})
	store.SetPublisher(b)

	j, err := store.CreateJob(ctx, job.CreateRequest{Kind: job.KindExport})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	live, err := b.Subscribe(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := store.Claim(ctx, j.ID, "w1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for i := range j.Steps {
		if _, err := store.BeginAttempt(ctx, j.ID, "w1", i); err != nil {
			t.Fatalf("BeginAttempt: %v", err)
		}
		if _, err := store.UpdateProgress(ctx, j.ID, "w1", i, 50); err != nil {
			t.Fatalf("UpdateProgress: %v", err)
		}
		if err := store.CompleteStep(ctx, j.ID, "w1", i, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("CompleteStep: %v", err)
		}
	}
	if err := store.Finish(ctx, j.ID, "w1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	want := []uint64{1, 2, 3, 4, 5, 6, 7, 8}
	if diff := cmp.Diff(want, sequences(drain(t, live))); diff != "" {
		t.Errorf("live sequences mismatch (-want +got):\n%s", diff)
	}

	replay, err := b.Subscribe(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe replay: %v", err)
	}
	if diff := cmp.Diff(want, sequences(drain(t, replay))); diff != "" {
		t.Errorf("replayed sequences mismatch (-want +got):\n%s", diff)
	}
}

func TestGapHeldUntilCatchUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, store := newTestBroadcaster(t, Options{})
	store.logEvents(ev("j1", 1, job.EventClaimed), ev("j1", 2, job.EventProgress),
		ev("j1", 3, job.EventProgress), ev("j1", 4, job.EventStepDone), ev("j1", 5, job.EventProgress))
	b.Publish(ev("j1", 1, job.EventClaimed))
	b.Publish(ev("j1", 2, job.EventProgress))

	sub, err := b.Subscribe(ctx, "j1", 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// 3 and 4 were written by another process; this one only publishes 5.
	b.Publish(ev("j1", 5, job.EventProgress))
	select {
	case m := <-sub.C:
		t.Fatalf("got sequence %d before the gap was filled", m.Sequence())
	default:
	}
	select {
	case <-b.wake:
	default:
		t.Error("gap did not request a catch-up")
	}

	if n := b.CatchUp(ctx); n != 3 {
		t.Errorf("CatchUp read %d events, want 3", n)
	}
	var got []uint64
	for range 3 {
		m := <-sub.C
		if m.Type != MessageEvent {
			t.Fatalf("message type = %s, want event", m.Type)
		}
		got = append(got, m.Sequence())
	}
	if diff := cmp.Diff([]uint64{3, 4, 5}, got); diff != "" {
		t.Errorf("sequences mismatch (-want +got):\n%s", diff)
	}
}

func TestCatchUpResyncsWhenLogIsShort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, store := newTestBroadcaster(t, Options{})
	b.Publish(ev("j1", 1, job.EventClaimed))
	b.Publish(ev("j1", 2, job.EventProgress))
	sub, err := b.Subscribe(ctx, "j1", 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	store.put(&job.Job{ID: "j1", Status: job.StatusCompleted, Sequence: 6})
	store.logEvents(ev("j1", 5, job.EventStepDone), ev("j1", 6, job.EventCompleted))
	b.CatchUp(ctx)

	msgs := drain(t, sub)
	if len(msgs) != 1 || msgs[0].Type != MessageResync || msgs[0].Sequence() != 6 {
		t.Fatalf("messages = %+v, want a single resync at 6", msgs)
	}
	if err := sub.Err(); err != nil {
		t.Errorf("Err() = %v, want nil for a finished job", err)
	}
}

// TestEventsFromAnotherStore subscribes through one store while a second store over the
// same database file runs the job, as a second process would.
func TestEventsFromAnotherStore(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "jobs.db")
	local, err := job.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore local: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	remote, err := job.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore remote: %v", err)
	}
	t.Cleanup(func() { remote.Close() })

	b := New(local, Options{PollInterval: 10 * time.Millisecond})
	local.SetPublisher(b)
	go b.Run(ctx)

	j, err := local.CreateJob(ctx, job.CreateRequest{Kind: job.KindExport})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	sub, err := b.Subscribe(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := remote.Claim(ctx, j.ID, "remote", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for i := range j.Steps {
		if _, err := remote.BeginAttempt(ctx, j.ID, "remote", i); err != nil {
			t.Fatalf("BeginAttempt: %v", err)
		}
		if err := remote.CompleteStep(ctx, j.ID, "remote", i, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("CompleteStep: %v", err)
		}
	}
	if err := remote.Finish(ctx, j.ID, "remote", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	msgs := drain(t, sub)
	if diff := cmp.Diff([]uint64{1, 2, 3, 4, 5, 6}, sequences(msgs)); diff != "" {
		t.Errorf("sequences mismatch (-want +got):\n%s", diff)
	}
	if last := msgs[len(msgs)-1]; last.Event == nil || last.Event.Kind != job.EventCompleted {
		t.Errorf("last message = %+v, want Completed", last)
	}
}
