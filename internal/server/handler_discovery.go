package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "rtdispatch API",
		Version:     "v1",
		Description: "Recorded dispatcher runs and their traces",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET", "POST"}, "List recorded runs; POST a scenario (YAML) to run and record it"},
			{"/api/v1/runs/{id}", []string{"GET", "DELETE"}, "Single run summary"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "Trace events of a run (?after, task, kind, limit)"},
			{"/api/v1/sse/runs/{id}/events", []string{"GET"}, "Stream the trace events of a run"},
			{"/api/v1/scenarios/validate", []string{"POST"}, "Validate a scenario without running it"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
