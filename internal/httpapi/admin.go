package httpapi

import (
	"encoding/json"
	"net/http"
)

type adminIngestRequest struct {
	Timestamp string `json:"timestamp"`
}

type adminIngestResponse struct {
	Accepted  bool   `json:"accepted"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleAdminIngest is the supplemented privileged endpoint letting an
// operator force a re-ingest of a specific timestamp without waiting for
// the bootstrap or push loop to discover it, guarded by security's
// /admin/* JWT+CSRF check.
func (s *Server) handleAdminIngest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	var req adminIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Timestamp == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(adminIngestResponse{Accepted: false, Error: "timestamp is required"})
		return
	}

	if s.Scheduler == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(adminIngestResponse{Accepted: false, Error: "scheduler unavailable"})
		return
	}

	s.Scheduler.EnqueueTimestamp(req.Timestamp)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(adminIngestResponse{Accepted: true, Timestamp: req.Timestamp})
}
