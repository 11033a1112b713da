// Package api is the HTTP ingress of the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/logging"
	"github.com/msageha/webrelay/internal/metrics"
	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/internal/security"
	"github.com/msageha/webrelay/internal/status"
)

const ServiceName = "webrelay"

// Engine runs jobs synchronously for HTTP callers.
type Engine interface {
	Submit(ctx context.Context, job model.Job, ingress string) (model.Result, error)
}

// StatusSource reports the engine status document.
type StatusSource interface {
	Snapshot() status.Snapshot
}

type Config struct {
	Version        string
	Backend        string
	BodyLimitBytes int64
	Metrics        bool
}

// Server serves the HTTP API.
type Server struct {
	engine   Engine
	status   StatusSource
	verifier *security.Verifier
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func NewServer(engine Engine, st StatusSource, verifier *security.Verifier, cfg Config, logger zerolog.Logger) *Server {
	if verifier == nil {
		verifier = security.NewVerifier("", 0)
	}
	return &Server{
		engine:   engine,
		status:   st,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(), RequestLog(s.logger), Recover(s.logger), BodyLimit(s.cfg.BodyLimitBytes))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware(s.logger))
			r.Post("/llm/call", s.handleLLMCall)
			r.Post("/job/submit", s.handleJobSubmit)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln, shutdownTimeout)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http_listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http_stopped")
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	endpoints := map[string]string{
		"health":     "GET /health",
		"status":     "GET /api/status",
		"llm_call":   "POST /api/llm/call",
		"job_submit": "POST /api/job/submit",
	}
	if s.cfg.Metrics {
		endpoints["metrics"] = "GET /metrics"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   ServiceName,
		"version":   s.cfg.Version,
		"endpoints": endpoints,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   ServiceName,
		"version":   s.cfg.Version,
		"backend":   s.cfg.Backend,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

type llmCallRequest struct {
	Prompt    json.RawMessage `json:"prompt"`
	SessionID string          `json:"session_id"`
}

// handleLLMCall runs a single prompt through the queue. Nothing is persisted.
func (s *Server) handleLLMCall(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req llmCallRequest
	var prompt string
	if err := json.Unmarshal(body, &req); err != nil ||
		json.Unmarshal(req.Prompt, &prompt) != nil || prompt == "" {
		metrics.IncRejected(model.IngressHTTP, "invalid")
		writeError(w, http.StatusBadRequest, `missing or invalid "prompt" field`)
		return
	}

	id, err := model.GenerateID(model.IDTypeCall)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job := model.Job{
		ID:        id,
		Kind:      model.KindLLMCall,
		CreatedAt: s.now().UTC(),
		Payload:   &model.LLMCallPayload{Prompt: prompt},
		SessionID: req.SessionID,
	}
	res, ok := s.submit(w, r, job)
	if !ok {
		return
	}
	writeJSON(w, callStatus(res), res)
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	job, err := model.DecodeJob(body, s.now())
	if err != nil {
		metrics.IncRejected(model.IngressHTTP, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, ok := s.submit(w, r, job)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	return body, true
}

// submit runs job and writes the error response for rejections.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, job model.Job) (model.Result, bool) {
	ctx := logging.WithJobID(r.Context(), job.ID)
	res, err := s.engine.Submit(ctx, job, model.IngressHTTP)
	if err == nil {
		return res, true
	}
	code := http.StatusInternalServerError
	switch {
	case model.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateJob):
		code = http.StatusConflict
	case errors.Is(err, model.ErrQueueFull), errors.Is(err, model.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		l := logging.With(ctx, s.logger)
		l.Info().Msg("client_gone")
		return model.Result{}, false
	}
	writeError(w, code, err.Error())
	return model.Result{}, false
}

// callStatus maps a direct-call Result to its HTTP status.
func callStatus(res model.Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.Outcome {
	case model.OutcomeConnectivity:
		return http.StatusBadGateway
	case model.OutcomeTimeout:
		return http.StatusGatewayTimeout
	case model.OutcomeValidation:
		return http.StatusUnprocessableEntity
	case model.OutcomeDropped:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}
