package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fentz26/cadre/internal/models"
	"github.com/fentz26/cadre/internal/scheduler"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

const maxBodyBytes = 1 << 20

// Pinger checks storage connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API for Cadre.
type Server struct {
	service *Service
	db      Pinger
	addr    string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, db Pinger, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service: service,
		db:      db,
		addr:    addr,
		logger:  logger,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/workers", s.handleWorkers)

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.createAgent)
		r.Get("/", s.listAgents)
		r.Get("/{id}", s.getAgent)
		r.Get("/{id}/audit", s.getAgentAudit)
		r.Post("/{id}/start", s.startAgent)
		r.Post("/{id}/stop", s.stopAgent)
		r.Post("/{id}/pause", s.pauseAgent)
		r.Post("/{id}/resume", s.resumeAgent)
		r.Post("/{id}/topup", s.topUpAgent)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
	})
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	s.logger.Info("starting cadre daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool                   `json:"ok"`
	DB      string                 `json:"db"`
	Version string                 `json:"version"`
	Time    string                 `json:"time"`
	Engine  map[string]interface{} `json:"engine,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Engine = s.service.Stats()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.service.Workers()
	if workers == nil {
		workers = []scheduler.LoopState{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// --- Agent Handlers ---

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[CreateAgentRequest](w, r)
	if !ok {
		return
	}
	agent, err := s.service.CreateAgent(r.Context(), req)
	if err != nil && agent == nil {
		s.writeServiceError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("agent created but not started", "agent_id", agent.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.service.ListAgents(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// AgentView is an agent together with its loop state.
type AgentView struct {
	models.Agent
	Loop scheduler.RunState `json:"loop"`
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := s.service.GetAgent(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentView{Agent: *agent, Loop: s.service.manager.Status(id)})
}

func (s *Server) getAgentAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.StartAgent(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(scheduler.RunStateRunning)})
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StopAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(scheduler.RunStateStopped)})
}

func (s *Server) pauseAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.service.PauseAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) resumeAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.service.ResumeAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) topUpAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[topUpRequest](w, r)
	if !ok {
		return
	}
	agent, err := s.service.TopUp(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- Task Handlers ---

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[CreateTaskRequest](w, r)
	if !ok {
		return
	}
	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.service.ListTasks(r.Context(), q.Get("status"), q.Get("agent"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n < len(tasks) {
		tasks = tasks[:n]
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid json")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAtCapacity):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("control plane request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
