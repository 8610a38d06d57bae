package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/job"
)

func TestValidateURL(t *testing.T) {
	s := New(Options{})
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			url:     "http://192.168.1.1/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked (AWS metadata)",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.validateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL_AllowPrivate(t *testing.T) {
	s := New(Options{AllowPrivate: true})
	if err := s.validateURL("http://127.0.0.1:9000/hook"); err != nil {
		t.Errorf("validateURL with AllowPrivate: %v", err)
	}
	if err := s.validateURL("file:///etc/passwd"); err == nil {
		t.Error("non-HTTP scheme accepted with AllowPrivate")
	}
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := New(Options{AllowPrivate: true, RetryBase: time.Millisecond, RetryCap: 5 * time.Millisecond})
	done := time.Now()
	s.Send(context.Background(), srv.URL, NotificationFor(&job.Job{
		ID:          "j1",
		Kind:        job.KindExport,
		Status:      job.StatusCompleted,
		Result:      json.RawMessage(`{"render":{"path":"/out/a.mp4"}}`),
		CompletedAt: &done,
	}))
	s.Wait()

	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
	if got.JobID != "j1" || got.Status != job.StatusCompleted || got.Kind != job.KindExport {
		t.Errorf("notification = %+v", got)
	}
}

func TestSend_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(Options{AllowPrivate: true, Attempts: 2, RetryBase: time.Millisecond, RetryCap: time.Millisecond})
	s.Send(context.Background(), srv.URL, Notification{JobID: "j1", Status: job.StatusFailed})
	s.Wait()
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestJitter(t *testing.T) {
	for attempt := range 40 {
		d := Jitter(attempt, time.Second, time.Minute)
		if d < 0 || d >= time.Minute {
			t.Fatalf("Jitter(%d) = %v, want within [0, 1m)", attempt, d)
		}
	}
	if d := Jitter(1, 0, 0); d != 0 {
		t.Errorf("Jitter with zero bounds = %v, want 0", d)
	}
}

func TestShutdown_AbandonsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(Options{AllowPrivate: true, Attempts: 50, RetryBase: time.Second, RetryCap: time.Minute})
	s.Send(context.Background(), srv.URL, Notification{JobID: "j1", Status: job.StatusCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err == nil {
		t.Error("Shutdown returned nil with deliveries still retrying")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}
}
