package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/rtdispatch/internal/scenario"
	"github.com/me/rtdispatch/pkg/model"
)

// maxScenarioBytes bounds the size of a submitted scenario file.
const maxScenarioBytes = 1 << 20

// listOne is the cheapest list query, used by the health check.
var listOne = model.ListOptions{Limit: 1}

type runResponse struct {
	*model.Run
	Resources map[string]any `json:"resources,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts.Status = r.URL.Query().Get("status")
	opts.Clamp()

	list, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if list == nil {
		list = []*model.Run{}
	}
	respondList(w, reqID, list, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(list) < total,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, map[string]any{"deleted": true})
}

// handleCreateRun runs a scenario posted as YAML and records it.
// POST /api/v1/runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.runs == nil {
		respondError(w, reqID, http.StatusNotImplemented, &model.APIError{
			Code:    model.ErrValidation,
			Message: "this server does not execute scenarios",
		})
		return
	}

	sc, ok := s.readScenario(w, r, reqID)
	if !ok {
		return
	}
	run, res, err := s.runs.Execute(r.Context(), sc)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			respondError(w, reqID, http.StatusBadRequest, apiErr)
			return
		}
		if run == nil {
			// Compile errors surface here.
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
			return
		}
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondCreated(w, reqID, runResponse{Run: run, Resources: res.Resources})
}

func (s *Server) handleValidateScenario(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	sc, ok := s.readScenario(w, r, reqID)
	if !ok {
		return
	}
	errs := []model.FieldError{}
	if apiErr := s.validator.Validate(sc, scenario.Options{}); apiErr != nil {
		errs = apiErr.Details
	}
	respondOK(w, reqID, map[string]any{
		"valid":  len(errs) == 0,
		"errors": errs,
	})
}

// readScenario parses the request body. On failure it writes the error
// response and returns false.
func (s *Server) readScenario(w http.ResponseWriter, r *http.Request, reqID string) (*scenario.Scenario, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxScenarioBytes+1))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("read body: "+err.Error()))
		return nil, false
	}
	if len(data) > maxScenarioBytes {
		respondError(w, reqID, http.StatusRequestEntityTooLarge, model.NewValidationError("scenario too large"))
		return nil, false
	}
	sc, err := s.parser.Parse(data)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("Invalid scenario: "+err.Error()))
		return nil, false
	}
	return sc, true
}
