package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/pkg/model"
)

// handleSSEEvents streams the trace of a run via Server-Sent Events. Events
// already stored are sent first; the stream ends once the run is finished
// and every event has been sent.
// GET /api/v1/sse/runs/{id}/events
func (s *Server) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	q, apiErr := eventQuery(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		// Read the run before the events so a run that finishes in between
		// is polled once more.
		run, err = s.store.GetRun(r.Context(), id)
		if err != nil || run == nil {
			s.logger.Error("sse fetch error", "id", id, "error", err)
			return
		}
		sent, err := s.sendEvents(r.Context(), w, flusher, id, &q)
		if err != nil {
			s.logger.Debug("sse client disconnected", "id", id, "error", err)
			return
		}
		if run.Status.IsTerminal() {
			sendSSEEvent(w, flusher, "complete", run)
			return
		}
		if !sent {
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// sendEvents sends the events after q.AfterSeq and advances it.
func (s *Server) sendEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id string, q *store.EventQuery) (bool, error) {
	events, err := s.store.ListEvents(ctx, id, *q)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if err := sendSSEEvent(w, flusher, "event", ev); err != nil {
			return false, err
		}
		q.AfterSeq = ev.Seq
	}
	return len(events) > 0, nil
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
