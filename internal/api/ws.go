package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipforge/clipforge/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Clients authenticate with an API key rather than cookies, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamWS handles GET /api/v1/jobs/{id}/ws. It sends the same messages as StreamSSE,
// one JSON object per text frame, and closes with a status that tells the client
// whether to reconnect.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The read loop only services control frames and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case m, open := <-sub.C:
			if !open {
				code, reason := closeStatus(sub.Err())
				conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// closeStatus maps why a subscription ended to a WebSocket close code.
func closeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, events.ErrLagged):
		return websocket.CloseTryAgainLater, "lagged"
	case errors.Is(err, events.ErrClosed):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseNormalClosure, "job finished"
	}
}
