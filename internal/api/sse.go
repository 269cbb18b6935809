package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowmill/flowmill/internal/metrics"
	"github.com/flowmill/flowmill/internal/runstore"
	"github.com/flowmill/flowmill/pkg/types"
)

// StreamEvents handles GET /api/v1/runs/{id}/events with Server-Sent Events.
// Clients resume after a disconnect by sending Last-Event-ID.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()
	reqID := requestID(r)

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", reqID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	// Subscribe before replaying history so no event falls in the gap. The
	// replay tracks the highest ID sent and the live loop drops duplicates.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "run_id", runID)
		return
	}
	defer cleanup()

	lastSent := ""
	lastEventID := r.Header.Get("Last-Event-ID")
	events, err := h.store.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	} else {
		for _, evt := range events {
			h.writeSSE(w, flusher, evt)
			lastSent = evt.ID
		}
	}

	// A run already finished has nothing more to stream.
	if run.Status.Terminal() {
		h.writeStreamEnd(ctx, w, flusher, runID)
		return
	}

	done := r.Context().Done()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			duration := time.Since(startTime)
			metrics.SSEConnectionDuration.Observe(duration.Seconds())
			h.logger.Info("SSE connection closed",
				slog.String("run_id", runID),
				slog.String("request_id", reqID),
				slog.Duration("duration", duration),
				slog.String("reason", "client_disconnect"),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.writeStreamEnd(ctx, w, flusher, runID)
				duration := time.Since(startTime)
				metrics.SSEConnectionDuration.Observe(duration.Seconds())
				h.logger.Info("SSE connection closed",
					slog.String("run_id", runID),
					slog.String("request_id", reqID),
					slog.Duration("duration", duration),
					slog.String("reason", "run_completed"),
				)
				return
			}
			if eventSeq(evt.ID) <= eventSeq(lastSent) {
				continue // already delivered during replay
			}
			h.writeSSE(w, flusher, evt)
			lastSent = evt.ID

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// eventSeq parses a numeric event ID, returning 0 for empty or non-numeric.
func eventSeq(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// writeStreamEnd sends a final event carrying the run's terminal status.
func (h *Handlers) writeStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string) {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.logger.Error("failed to get run for stream end", "error", err)
		return
	}

	data := map[string]interface{}{"status": run.Status}
	if run.Error != "" {
		data["error"] = run.Error
	}
	dataJSON, _ := json.Marshal(data)

	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	})
}
