package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/clipforge/internal/events"
)

const sseKeepAlive = 15 * time.Second

// StreamSSE handles GET /api/v1/jobs/{id}/events.
// It replays events after ?since (or Last-Event-ID) and then streams live ones until the
// job finishes or the client disconnects. Each frame carries the sequence as its id so
// a reconnecting EventSource resumes where it left off.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, ok := h.subscribe(w, r, since)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case m, open := <-sub.C:
			if !open {
				if errors.Is(sub.Err(), events.ErrLagged) {
					writeSSEEvent(w, flusher, 0, "lagged", map[string]string{"error": sub.Err().Error()})
				}
				return
			}
			if err := writeSSEMessage(w, flusher, m); err != nil {
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// subscribe attaches to the job's stream, writing the error response itself on failure.
func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request, since uint64) (*events.Subscription, bool) {
	sub, err := h.events.Subscribe(r.Context(), chi.URLParam(r, "id"), since)
	switch {
	case err == nil:
		return sub, true
	case errors.Is(err, events.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
	default:
		h.storeError(w, r, "subscribe", err)
	}
	return nil, false
}

// sinceParam reads the resume cursor from ?since or the Last-Event-ID header.
func sinceParam(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid since cursor %q", raw)
	}
	return n, nil
}

// messageFrame returns the SSE event name and body for m.
func messageFrame(m events.Message) (string, any) {
	if m.Type == events.MessageResync {
		return string(events.MessageResync), m.Resync
	}
	return string(m.Event.Kind), m.Event
}

func writeSSEMessage(w io.Writer, flusher http.Flusher, m events.Message) error {
	name, data := messageFrame(m)
	return writeSSEEvent(w, flusher, m.Sequence(), name, data)
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
// A zero id omits the id line so the client's resume cursor is left alone.
func writeSSEEvent(w io.Writer, flusher http.Flusher, id uint64, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
