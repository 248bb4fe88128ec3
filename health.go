package ktaudit

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// StatusServer exposes the auditor's liveness and readiness over HTTP.
type StatusServer struct {
	auditor *Auditor
}

// NewStatusServer creates a status server for the given auditor.
func NewStatusServer(auditor *Auditor) *StatusServer {
	return &StatusServer{auditor: auditor}
}

// RegisterHandlers registers the status endpoints on the given router.
func (s *StatusServer) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, s.auditor.IsHealthy())
}

func (s *StatusServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, s.auditor.IsReady())
}

func writeStatus(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	if !ok {
		status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
