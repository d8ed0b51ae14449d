package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/pkg/model"
)

// handleListEvents returns the trace of a run.
// GET /api/v1/runs/{id}/events?after=&task=&kind=start,end&limit=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

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

	events, err := s.store.ListEvents(r.Context(), id, q)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	respondOK(w, reqID, events)
}

func eventQuery(r *http.Request) (store.EventQuery, *model.APIError) {
	var q store.EventQuery
	var errs []model.FieldError
	values := r.URL.Query()

	if v := values.Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, model.FieldError{Field: "after", Message: "must be a non-negative integer"})
		}
		q.AfterSeq = n
	}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, model.FieldError{Field: "limit", Message: "must be a non-negative integer"})
		}
		q.Limit = n
	}
	q.Task = values.Get("task")
	if v := values.Get("kind"); v != "" {
		for _, k := range strings.Split(v, ",") {
			q.Kinds = append(q.Kinds, model.EventKind(strings.TrimSpace(k)))
		}
	}
	if len(errs) > 0 {
		return q, model.NewValidationError("invalid event query", errs...)
	}
	return q, nil
}
