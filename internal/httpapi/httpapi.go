// Package httpapi implements the peripheral HTTP surface (C12): workflow
// submission/execution/status/cancel plus health and metrics endpoints.
// Grounded on the teacher's main.go net/http.ServeMux wiring
// (/v1/workflows, /v1/run, /health, /metrics), adapted from its flat
// name-keyed workflowStore to the Orchestrator's workflow_id-keyed
// contract and Go 1.22+ method-and-pattern ServeMux routing.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bioflow/orchestrator/internal/orchestrator"
	"github.com/bioflow/orchestrator/internal/workflow"
)

// Server wires the Orchestrator's public methods to HTTP handlers.
type Server struct {
	orch        *orchestrator.Orchestrator
	promHandler http.Handler
}

// New builds a Server. promHandler may be nil if the Prometheus metrics
// bridge failed to initialize; /metrics then reports 503.
func New(orch *orchestrator.Orchestrator, promHandler http.Handler) *Server {
	return &Server{orch: orch, promHandler: promHandler}
}

// Handler builds the ServeMux this server answers requests on.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/workflows", s.handleCreate)
	mux.HandleFunc("GET /v1/workflows", s.handleList)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/workflows/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.handleCancel)
	if s.promHandler != nil {
		mux.Handle("/metrics", s.promHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics bridge unavailable", http.StatusServiceUnavailable)
		})
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createRequest struct {
	Name  string           `json:"name"`
	Tasks []*workflow.Task `json:"tasks"`
}

type createResponse struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	id, err := s.orch.Create(r.Context(), req.Name, req.Tasks)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createResponse{WorkflowID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.orch.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(ids)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := s.orch.Status(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ws == nil {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(ws)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := s.orch.Execute(r.Context(), id)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(ws)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.CycleDetected) || errors.Is(err, orchestrator.MissingDependency) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
