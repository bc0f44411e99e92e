// Package httpapi exposes the relay's HTTP surface to the UI layer: task
// submission, cancellation, event ingestion, and the socket upgrade.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/karyakarta/agentrelay/internal/config"
	"github.com/karyakarta/agentrelay/internal/dispatch"
	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/observability"
	"github.com/karyakarta/agentrelay/internal/relay"
)

const maxBodyBytes = 1 << 20

// runRequest is the body of POST /agent/run.
type runRequest struct {
	Prompt    string `json:"prompt"`
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
}

// runResponse acknowledges acceptance only; the task's result arrives
// later over the socket.
type runResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
}

type cancelRequest struct {
	MessageID string `json:"messageId"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ingestResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Server bundles the relay hub, the dispatchers, and the observability
// stack behind one HTTP listener.
type Server struct {
	cfg        *config.AppConfig
	hub        *relay.Hub
	dispatcher *dispatch.Dispatcher
	transport  *relay.Transport
	obs        *observability.Observability
	metrics    *observability.MetricsManager
	trace      *observability.TraceManager
	health     *observability.HealthServer
	ticker     *observability.MetricsTicker
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer wires the full relay stack from configuration. The caller
// owns the observability bundle's shutdown.
func NewServer(cfg *config.AppConfig, obs *observability.Observability) (*Server, error) {
	metrics, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics manager: %w", err)
	}
	trace := observability.NewTraceManager(cfg.ServiceName)

	hub := relay.NewHub(obs.Logger, trace, metrics)
	dispatcher := dispatch.New(cfg.AgentAPIURL, hub, obs.Logger, trace, metrics)
	transport := relay.NewTransport(hub, obs.Logger)

	health := observability.NewHealthServer(cfg.HealthPort, cfg.ServiceName, cfg.ServiceVersion)
	health.AddChecker("self", observability.NewBasicHealthChecker("self", func(ctx context.Context) error {
		return nil
	}))
	health.AddChecker("agent_backend", observability.NewHTTPHealthChecker("agent_backend", cfg.AgentAPIURL+"/health"))

	s := &Server{
		cfg:        cfg,
		hub:        hub,
		dispatcher: dispatcher,
		transport:  transport,
		obs:        obs,
		metrics:    metrics,
		trace:      trace,
		health:     health,
		ticker:     observability.NewMetricsTicker(context.Background(), metrics),
		logger:     obs.Logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s, nil
}

// Hub exposes the relay hub, mainly for tests and embedding callers.
func (s *Server) Hub() *relay.Hub { return s.hub }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/run", s.handleRun)
	mux.HandleFunc("POST /agent/cancel", s.handleCancel)
	mux.HandleFunc("POST /socket/log", s.handleIngest)
	mux.Handle("GET /socket", s.transport)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start brings up the health listener, the metrics ticker, and the main
// HTTP listener. It blocks until the listener fails or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.health.Start(ctx); err != nil && err != http.ErrServerClosed {
			s.logger.ErrorContext(ctx, "Health server failed", "error", err)
		}
	}()
	s.ticker.Start()

	s.logger.InfoContext(ctx, "Relay server listening",
		"addr", s.cfg.ListenAddr,
		"agent_api", s.cfg.AgentAPIURL,
		"health_port", s.cfg.HealthPort)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http listener: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains the HTTP listener, stops the push channels, and tears
// down the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Shutting down relay server")
	s.ticker.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.ErrorContext(ctx, "HTTP shutdown failed", "error", err)
	}
	s.hub.Close()
	if err := s.health.Shutdown(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Health server shutdown failed", "error", err)
	}
	return nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.trace.StartDispatchSpan(r.Context(), "/agent/run", "")
	defer span.End()

	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		s.trace.RecordError(span, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt must not be empty"})
		return
	}
	if req.MessageID == "" {
		req.MessageID = event.NewMessageID()
	}
	s.trace.AddCorrelationAttributes(span, req.MessageID, req.SessionID)

	task := dispatch.TaskRequest{Prompt: req.Prompt, MessageID: req.MessageID, SessionID: req.SessionID}
	if err := s.dispatcher.Run(ctx, task); err != nil {
		s.trace.RecordError(span, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	s.trace.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, runResponse{
		Success:   true,
		Message:   "Task forwarded to agent backend",
		MessageID: req.MessageID,
		SessionID: req.SessionID,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.trace.StartDispatchSpan(r.Context(), "/agent/cancel", "")
	defer span.End()

	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.trace.RecordError(span, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.MessageID == "" {
		req.MessageID = dispatch.CancelAll
	}
	s.trace.AddCorrelationAttributes(span, req.MessageID, "")

	result, err := s.dispatcher.Cancel(ctx, req.MessageID)
	if err != nil {
		s.trace.RecordError(span, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	s.trace.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, cancelResponse{
		Success: true,
		Status:  result.Status,
		Message: result.Message,
	})
}

// handleIngest accepts whatever the backend posts and pushes it through
// the routing rules. The body can be a typed event, a message-only
// object, or a bare string; routing never rejects a payload.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.hub == nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "relay not initialized"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	if _, err := s.hub.Ingest(ctx, raw); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "relay not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{Success: true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// StartServer builds the full stack from the environment and runs it
// until ctx is cancelled.
func StartServer(ctx context.Context) error {
	cfg := config.Load()

	obs, err := observability.NewObservability(observability.DefaultConfig(cfg.ServiceName))
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	srv, err := NewServer(cfg, obs)
	if err != nil {
		obs.Shutdown(context.Background())
		return err
	}

	runErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := obs.Shutdown(shutdownCtx); err != nil {
		srv.logger.ErrorContext(shutdownCtx, "Observability shutdown failed", "error", err)
	}
	return runErr
}
