package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	Runner    string `json:"runner"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "ok",
		Runner:    "disabled",
	}
	if s.runs != nil {
		resp.Runner = "enabled"
	}
	if _, _, err := s.store.ListRuns(r.Context(), listOne); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}
	respondOK(w, reqID, resp)
}
