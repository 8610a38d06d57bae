package job

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// casRetries bounds how often a mutation re-reads a row another process changed under it,
// or retries a transaction that stayed locked past the busy timeout.
const casRetries = 3

var (
	errNoop        = errors.New("no-op")
	errCASMismatch = errors.New("row changed concurrently")
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// mu serialises write transactions with event publication so events leave the
	// store in sequence order.
	mu        sync.Mutex
	publisher Publisher
}

type Option func(*SQLiteStore)

// WithClock replaces the wall clock used for timestamps and lease checks.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithPublisher sets the receiver of mutation events.
func WithPublisher(p Publisher) Option {
	return func(s *SQLiteStore) { s.publisher = p }
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: in-process writers queue here instead of failing with SQLITE_BUSY,
	// and ":memory:" databases stay a single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// dsn adds connection settings to dbPath. Transactions begin IMMEDIATE so a writer in
// another process waits out busy_timeout on BEGIN; a deferred read-then-write transaction
// would fail with SQLITE_BUSY on the lock upgrade without waiting. WAL keeps readers
// unblocked by the writer.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// isBusy reports whether err is SQLite lock contention that outlasted busy_timeout.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// SetPublisher installs the event receiver after construction, for wiring cycles
// where the publisher itself reads from the store.
func (s *SQLiteStore) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			steps        TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			progress     REAL NOT NULL DEFAULT 0,
			payload      TEXT,
			result       TEXT,
			error        TEXT,
			owner        TEXT NOT NULL DEFAULT '',
			seq          INTEGER NOT NULL DEFAULT 0,
			callback_url TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			claimed_at   INTEGER,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at     ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at   ON jobs(completed_at);

		CREATE TABLE IF NOT EXISTS events (
			job_id  TEXT NOT NULL,
			seq     INTEGER NOT NULL,
			kind    TEXT NOT NULL,
			payload TEXT,
			ts      INTEGER NOT NULL,
			PRIMARY KEY (job_id, seq)
		) WITHOUT ROWID;
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, kind, status, steps, current_step, progress, payload, result, error,
	owner, seq, callback_url, created_at, updated_at, claimed_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, req CreateRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	steps, err := NewSteps(req.Kind)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	j := &Job{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		Status:      StatusPending,
		Steps:       steps,
		Payload:     bytes.Clone(req.Payload),
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stepsJSON, err := json.Marshal(j.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, kind, status, steps, payload, callback_url, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		j.Kind,
		j.Status,
		string(stepsJSON),
		nullableJSON(j.Payload),
		j.CallbackURL,
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, id, owner string, leaseTimeout time.Duration) (*Job, error) {
	j, err := s.mutate(ctx, id, func(j *Job, now time.Time) (*Event, error) {
		if j.Status.IsTerminal() {
			return nil, ErrClaimFailed
		}
		expired := now.Sub(j.UpdatedAt) > leaseTimeout
		switch j.Status {
		case StatusPending:
		case StatusClaimed, StatusRunning:
			if !expired {
				return nil, ErrClaimFailed
			}
		case StatusCancelRequested:
			if j.Owner != "" && !expired {
				return nil, ErrClaimFailed
			}
			// Keep the flag so the new owner cancels at its first checkpoint.
		}
		if j.Status != StatusCancelRequested {
			j.Status = StatusClaimed
		}
		j.Owner = owner
		j.ClaimedAt = &now
		return newEvent(EventClaimed, claimedPayload{Owner: owner, Status: j.Status, Step: j.CurrentStep})
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if isBusy(err) {
		// Another process held the write lock throughout: treat it as a lost race.
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	if err != nil && !errors.Is(err, ErrClaimFailed) {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	return j, err
}

func (s *SQLiteStore) BeginAttempt(ctx context.Context, id, owner string, stepIndex int) (*Job, error) {
	return s.mutate(ctx, id, func(j *Job, _ time.Time) (*Event, error) {
		if err := checkOwnedStep(j, owner, stepIndex); err != nil {
			return nil, err
		}
		st := &j.Steps[stepIndex]
		st.Attempt++
		st.Status = StepRunning
		if j.Status == StatusClaimed {
			j.Status = StatusRunning
		}
		return newEvent(EventProgress, progressPayload{
			Step: stepIndex, Name: st.Name, Status: st.Status, Attempt: st.Attempt, Progress: j.Progress,
		})
	})
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id, owner string, stepIndex int, progress float64) (*Job, error) {
	if math.IsNaN(progress) || math.IsInf(progress, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgress, progress)
	}
	return s.mutate(ctx, id, func(j *Job, _ time.Time) (*Event, error) {
		if err := checkOwnedStep(j, owner, stepIndex); err != nil {
			return nil, err
		}
		progress = min(max(progress, 0), 100)
		if progress <= j.Progress {
			// Heartbeat: the lease is refreshed, observable state is unchanged.
			return nil, nil
		}
		j.Progress = progress
		st := j.Steps[stepIndex]
		return newEvent(EventProgress, progressPayload{
			Step: stepIndex, Name: st.Name, Status: st.Status, Attempt: st.Attempt, Progress: progress,
		})
	})
}

func (s *SQLiteStore) CompleteStep(ctx context.Context, id, owner string, stepIndex int, output json.RawMessage) error {
	_, err := s.mutate(ctx, id, func(j *Job, _ time.Time) (*Event, error) {
		if err := checkOwnedStep(j, owner, stepIndex); err != nil {
			return nil, err
		}
		st := &j.Steps[stepIndex]
		st.Status = StepCompleted
		st.Output = bytes.Clone(output)
		j.CurrentStep++
		j.Progress = 0
		if j.Status == StatusClaimed {
			j.Status = StatusRunning
		}
		return newEvent(EventStepDone, stepDonePayload{
			Step: stepIndex, Name: st.Name, Output: st.Output, Next: j.CurrentStep,
		})
	})
	return err
}

func (s *SQLiteStore) Finish(ctx context.Context, id, owner string, result json.RawMessage) error {
	_, err := s.mutate(ctx, id, func(j *Job, now time.Time) (*Event, error) {
		if j.Status.IsTerminal() {
			if j.Status != StatusCompleted {
				return nil, ErrTerminal
			}
			if !sameJSON(j.Result, result) {
				return nil, ErrConflict
			}
			return nil, errNoop
		}
		if j.Owner != owner {
			return nil, ErrStaleOwner
		}
		if j.CurrentStep != len(j.Steps) {
			return nil, fmt.Errorf("%w: %d of %d steps completed", ErrOutOfOrder, j.CurrentStep, len(j.Steps))
		}
		j.Status = StatusCompleted
		j.Result = bytes.Clone(result)
		j.Owner = ""
		j.CompletedAt = &now
		return newEvent(EventCompleted, terminalPayload{Status: j.Status, Result: j.Result})
	})
	return err
}

func (s *SQLiteStore) Fail(ctx context.Context, id, owner string, failure *Failure) error {
	if failure == nil {
		return errors.New("fail: failure must not be nil")
	}
	target := StatusFailed
	if failure.Kind == FailureCancelled {
		target = StatusCancelled
	}
	_, err := s.mutate(ctx, id, func(j *Job, now time.Time) (*Event, error) {
		if j.Status.IsTerminal() {
			if j.Status != target {
				return nil, ErrTerminal
			}
			if target == StatusFailed && !j.Error.equal(failure) {
				return nil, ErrConflict
			}
			return nil, errNoop
		}
		if j.Owner != owner {
			return nil, ErrStaleOwner
		}
		j.Status = target
		j.Owner = ""
		j.CompletedAt = &now
		if j.CurrentStep < len(j.Steps) {
			st := &j.Steps[j.CurrentStep]
			if target == StatusFailed {
				st.Status = StepFailed
			} else if st.Status == StepRunning {
				st.Status = StepPending
			}
		}
		if target == StatusCancelled {
			return newEvent(EventCancelled, terminalPayload{Status: j.Status})
		}
		f := *failure
		j.Error = &f
		return newEvent(EventFailed, terminalPayload{Status: j.Status, Error: j.Error})
	})
	return err
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(j *Job, _ time.Time) (*Event, error) {
		if j.Status.IsTerminal() {
			return nil, ErrTerminal
		}
		if j.Status == StatusCancelRequested {
			return nil, errNoop
		}
		j.Status = StatusCancelRequested
		return newEvent(EventCancelRequested, claimedPayload{Owner: j.Owner, Status: j.Status, Step: j.CurrentStep})
	})
	return err
}

func (s *SQLiteStore) ListRunnable(ctx context.Context, limit int, leaseTimeout time.Duration) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	cutoff := s.now().Add(-leaseTimeout).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ?
		   OR (status IN (?, ?) AND updated_at < ?)
		   OR (status = ? AND (owner = '' OR updated_at < ?))
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, StatusPending, StatusClaimed, StatusRunning, cutoff, StatusCancelRequested, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*Job, int, error) {
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where, args := "", []any{}
	if f.Status != "" {
		where, args = "WHERE status = ?", append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete events of %s: %w", id, err)
	}
	return tx.Commit()
}

// EventsAfter returns up to limit logged events of jobID with a sequence above since,
// oldest first. The log is written in the same transaction as the mutation, so it holds
// events from every process sharing the database.
func (s *SQLiteStore) EventsAfter(ctx context.Context, jobID string, since uint64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload, ts
		FROM events
		WHERE job_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, jobID, int64(since), limit)
	if err != nil {
		return nil, fmt.Errorf("read events of %s: %w", jobID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e := Event{JobID: jobID}
		var payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.Sequence, &e.Kind, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// DeleteTerminalBefore removes terminal jobs that completed before the cutoff and
// returns their IDs.
func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const cond = `status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{StatusCompleted, StatusFailed, StatusCancelled, before.UnixNano()}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("query terminal jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminal jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE job_id IN (SELECT id FROM jobs WHERE `+cond+`)`, args...); err != nil {
		return nil, fmt.Errorf("delete terminal job events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+cond, args...); err != nil {
		return nil, fmt.Errorf("delete terminal jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// mutate runs one read-modify-write of a job. apply edits j in place and returns the
// event to emit, or nil for a write that changes no observable state. The UPDATE only
// lands if seq and updated_at still match what was read, which makes the whole
// operation a compare-and-set across processes sharing the database file.
func (s *SQLiteStore) mutate(ctx context.Context, id string, apply func(j *Job, now time.Time) (*Event, error)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for range casRetries {
		j, ev, err := s.mutateOnce(ctx, id, apply)
		switch {
		case errors.Is(err, errCASMismatch), isBusy(err):
			lastErr = err
			continue
		case errors.Is(err, errNoop):
			return j, nil
		case err != nil:
			return nil, err
		}
		if ev != nil && s.publisher != nil {
			s.publisher.Publish(*ev)
		}
		return j, nil
	}
	return nil, fmt.Errorf("job %s: %w", id, lastErr)
}

func (s *SQLiteStore) mutateOnce(ctx context.Context, id string, apply func(j *Job, now time.Time) (*Event, error)) (*Job, *Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load job %s: %w", id, err)
	}
	readSeq, readUpdated := j.Sequence, j.UpdatedAt.UnixNano()

	now := s.now().UTC()
	ev, err := apply(j, now)
	if err != nil {
		return j, nil, err
	}
	if ev != nil {
		j.Sequence++
		ev.JobID = j.ID
		ev.Sequence = j.Sequence
		ev.Timestamp = now
	}
	j.UpdatedAt = now

	stepsJSON, err := json.Marshal(j.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	var errJSON any
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal failure: %w", err)
		}
		errJSON = string(b)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, steps = ?, current_step = ?, progress = ?, result = ?,
			error = ?, owner = ?, seq = ?, updated_at = ?, claimed_at = ?, completed_at = ?
		WHERE id = ? AND seq = ? AND updated_at = ?
	`,
		j.Status, string(stepsJSON), j.CurrentStep, j.Progress, nullableJSON(j.Result),
		errJSON, j.Owner, j.Sequence, now.UnixNano(), nullableTime(j.ClaimedAt), nullableTime(j.CompletedAt),
		j.ID, readSeq, readUpdated,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, nil, errCASMismatch
	}
	if ev != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (job_id, seq, kind, payload, ts) VALUES (?, ?, ?, ?, ?)
		`, ev.JobID, ev.Sequence, ev.Kind, nullableJSON(ev.Payload), now.UnixNano()); err != nil {
			return nil, nil, fmt.Errorf("append event %s/%d: %w", id, ev.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit job %s: %w", id, err)
	}
	return j, ev, nil
}

// checkOwnedStep guards writes an executor makes while running stepIndex.
func checkOwnedStep(j *Job, owner string, stepIndex int) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if !j.Status.leased() || j.Owner != owner {
		return ErrStaleOwner
	}
	if stepIndex != j.CurrentStep || stepIndex >= len(j.Steps) {
		return fmt.Errorf("%w: step %d, current %d", ErrOutOfOrder, stepIndex, j.CurrentStep)
	}
	return nil
}

func newEvent(kind EventKind, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", kind, err)
	}
	return &Event{Kind: kind, Payload: b}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var steps string
	var payload, result, failure sql.NullString
	var created, updated int64
	var claimed, completed sql.NullInt64

	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &steps, &j.CurrentStep, &j.Progress,
		&payload, &result, &failure, &j.Owner, &j.Sequence, &j.CallbackURL,
		&created, &updated, &claimed, &completed,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(steps), &j.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	if failure.Valid {
		j.Error = &Failure{}
		if err := json.Unmarshal([]byte(failure.String), j.Error); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	if claimed.Valid {
		t := fromNanos(claimed.Int64)
		j.ClaimedAt = &t
	}
	if completed.Valid {
		t := fromNanos(completed.Int64)
		j.CompletedAt = &t
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// sameJSON compares two JSON documents ignoring insignificant whitespace.
func sameJSON(a, b []byte) bool {
	if len(bytes.TrimSpace(a)) == 0 || len(bytes.TrimSpace(b)) == 0 {
		return len(bytes.TrimSpace(a)) == len(bytes.TrimSpace(b))
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
