package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/executor"
	"github.com/klyr/klyr/internal/inspect"
	"github.com/klyr/klyr/internal/logging"
	"github.com/klyr/klyr/internal/observability"
	"github.com/klyr/klyr/internal/request"
)

const maxRequestBytes = 4 << 20

// DecisionSource lists recently recorded decisions.
type DecisionSource interface {
	Recent(ctx context.Context, limit int) ([]logging.Record, error)
}

// Server exposes the inspector to hosts that cannot embed it. Tasks created
// through the API are stepped one call at a time.
type Server struct {
	inspector *inspect.Inspector
	tasks     *executor.Registry[decision.AnalyzeResult]
	stepMu    sync.Mutex
	metrics   *observability.Metrics
	decisions DecisionSource
	logger    *slog.Logger
	router    chi.Router
}

type Option func(*Server)

func WithMetrics(m *observability.Metrics, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		if h != nil {
			s.router.Method(http.MethodGet, "/metrics", h)
		}
	}
}

func WithDecisions(src DecisionSource) Option {
	return func(s *Server) { s.decisions = src }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(ins *inspect.Inspector, opts ...Option) *Server {
	s := &Server{
		inspector: ins,
		tasks:     executor.NewRegistry[decision.AnalyzeResult](),
		logger:    slog.Default(),
		router:    chi.NewRouter(),
	}
	s.routes()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Get("/healthz", s.handleHealth)

	r.Post("/v1/inspect", s.handleInspect)
	r.Post("/v1/contentfilter/{profile}", s.handleContentFilter)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Post("/v1/tasks/{handle}/step", s.handleStepTask)
	r.Delete("/v1/tasks/{handle}", s.handleFreeTask)

	r.Get("/v1/decisions", s.handleDecisions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}

// InspectRequest is the wire form of a request submitted for inspection.
// Body is text so that callers need not base64 encode it.
type InspectRequest struct {
	IP      string            `json:"ip"`
	Headers map[string]string `json:"headers"`
	Meta    request.Meta      `json:"meta"`
	Body    *string           `json:"body,omitempty"`
}

func (r InspectRequest) Raw() request.RawRequest {
	raw := request.RawRequest{IP: r.IP, Headers: r.Headers, Meta: r.Meta}
	if r.Body != nil {
		raw.Body = []byte(*r.Body)
	}
	return raw
}

// TaskResponse reports the progress of a task.
type TaskResponse struct {
	Handle uint64                  `json:"handle"`
	State  string                  `json:"state"`
	Stage  string                  `json:"stage,omitempty"`
	Result *decision.AnalyzeResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.inspector.Inspect(r.Context(), body.Raw())
	if err != nil {
		s.logger.Warn("inspection aborted", "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContentFilter(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.inspector.ContentFilterOnly(r.Context(), body.Raw(), profile))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}
	task := s.inspector.NewTask(body.Raw())
	h := s.tasks.Init(task)
	s.metrics.TaskStarted()
	writeJSON(w, http.StatusCreated, TaskResponse{
		Handle: uint64(h),
		State:  executor.Pending.String(),
		Stage:  task.Stage(),
	})
}

func (s *Server) handleStepTask(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(w, r)
	if !ok {
		return
	}

	s.stepMu.Lock()
	p := s.tasks.Step(r.Context(), h)
	s.stepMu.Unlock()

	resp := TaskResponse{Handle: uint64(h), State: p.State.String(), Error: p.Err}
	if p.State == executor.Done {
		resp.Result = &p.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFreeTask(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(w, r)
	if !ok {
		return
	}
	if err := s.tasks.Free(h); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, executor.ErrFreedHandle) {
			status = http.StatusGone
		}
		writeError(w, status, err.Error())
		return
	}
	s.metrics.TaskFinished()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		writeError(w, http.StatusNotFound, "decision store not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.decisions.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("listing decisions", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (InspectRequest, bool) {
	var body InspectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return body, false
	}
	if body.Meta.Method == "" || body.Meta.Path == "" {
		writeError(w, http.StatusBadRequest, "meta.method and meta.path are required")
		return body, false
	}
	return body, true
}

func parseHandle(w http.ResponseWriter, r *http.Request) (executor.Handle, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "handle"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid handle")
		return 0, false
	}
	return executor.Handle(n), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
