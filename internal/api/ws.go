package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flowmill/flowmill/internal/metrics"
	"github.com/flowmill/flowmill/internal/runstore"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// StreamEventsWS handles GET /api/v1/runs/{id}/ws, streaming run events as
// JSON messages over a WebSocket. Resumption uses the last_event_id query
// parameter instead of the SSE header.
func (h *Handlers) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "run_id", runID)
		return
	}
	defer conn.Close()

	metrics.WSActiveConnections.Inc()
	defer metrics.WSActiveConnections.Dec()

	h.logger.Info("websocket connection opened",
		slog.String("run_id", runID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "run_id", runID)
		return
	}
	defer cleanup()

	lastSent := ""
	history, err := h.store.GetEventsSince(ctx, runID, r.URL.Query().Get("last_event_id"))
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	} else {
		for _, evt := range history {
			if writeErr := h.writeWS(conn, evt); writeErr != nil {
				return
			}
			lastSent = evt.ID
		}
	}

	// Reader goroutine: drains control frames and signals client close.
	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-clientClosed:
			h.logger.Info("websocket connection closed",
				slog.String("run_id", runID),
				slog.String("reason", "client_disconnect"),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run completed"))
				return
			}
			if eventSeq(evt.ID) <= eventSeq(lastSent) {
				continue
			}
			if err := h.writeWS(conn, evt); err != nil {
				return
			}
			lastSent = evt.ID

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) writeWS(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		h.logger.Error("failed to write websocket message", "error", err)
		return err
	}
	return nil
}

// checkWSOrigin applies the configured CORS origins to WebSocket upgrades.
func (h *Handlers) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.CORSOrigins {
		if origin == allowed || allowed == "*" {
			return true
		}
	}
	return false
}
