package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/job"
)

const (
	defaultAttempts = 8
	defaultBase     = time.Second
	defaultCap      = 5 * time.Minute
)

// Notification is the body POSTed to a job's callback URL once it reaches a terminal state.
type Notification struct {
	JobID       string          `json:"job_id"`
	Kind        job.Kind        `json:"kind"`
	Status      job.Status      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *job.Failure    `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NotificationFor builds the callback body from a terminal job snapshot.
func NotificationFor(j *job.Job) Notification {
	return Notification{
		JobID:       j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Result:      j.Result,
		Error:       j.Error,
		CompletedAt: j.CompletedAt,
	}
}

type Options struct {
	// Attempts is the number of deliveries tried before giving up.
	Attempts int
	// RetryBase and RetryCap bound the full-jitter exponential backoff between attempts.
	RetryBase time.Duration
	RetryCap  time.Duration
	Timeout   time.Duration
	// AllowPrivate permits loopback and private targets, for a single local user.
	AllowPrivate bool
	Logger       *slog.Logger
}

// Sender delivers notifications in the background with retries.
type Sender struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
	wg     sync.WaitGroup

	// stopped ends in-flight retries on Shutdown.
	stopped context.Context
	stop    context.CancelFunc
}

func New(opts Options) *Sender {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = defaultCap
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopped, stop := context.WithCancel(context.Background())
	return &Sender{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		logger:  logger.With("component", "webhook"),
		stopped: stopped,
		stop:    stop,
	}
}

// Send dispatches n to callbackURL asynchronously.
// ctx should outlive the job (context.WithoutCancel) so retries survive job cancellation;
// Shutdown ends them regardless.
func (s *Sender) Send(ctx context.Context, callbackURL string, n Notification) {
	if err := s.validateURL(callbackURL); err != nil {
		s.logger.Warn("rejected callback URL", "url", callbackURL, "job_id", n.JobID, "error", err)
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("encode notification", "job_id", n.JobID, "error", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(s.stopped, cancel)()
		s.send(ctx, callbackURL, n.JobID, payload)
	}()
}

// Wait blocks until every in-flight delivery has finished or given up.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Shutdown waits for in-flight deliveries until ctx is done, then abandons the rest.
func (s *Sender) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		return ctx.Err()
	}
}

// validateURL blocks non-HTTP schemes and, unless allowed, private/internal IP ranges.
func (s *Sender) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if s.opts.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (s *Sender) send(ctx context.Context, callbackURL, jobID string, payload []byte) {
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.post(ctx, callbackURL, payload)
		if err == nil {
			s.logger.Debug("webhook delivered", "job_id", jobID, "attempt", attempt)
			return
		}
		s.logger.Warn("webhook attempt failed", "job_id", jobID, "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < s.opts.Attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(Jitter(attempt, s.opts.RetryBase, s.opts.RetryCap)):
			}
		}
	}
	s.logger.Error("webhook: all retries exhausted", "job_id", jobID, "url", callbackURL)
}

// Jitter returns a random duration between 0 and min(ceiling, base * 2^attempt).
// Full jitter prevents synchronized retries when many deliveries fail at the same time.
func Jitter(attempt int, base, ceiling time.Duration) time.Duration {
	exp := ceiling
	if attempt < 32 {
		exp = min(base*(1<<attempt), ceiling)
	}
	if exp <= 0 {
		return 0
	}
	return rand.N(exp)
}

func (s *Sender) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
