// Package api exposes the broker over HTTP: the client RPC endpoint, the
// extension WebSocket endpoint, and the diagnostic surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tabmux/tabmux/pkg/broker"
	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/telemetry"
)

const (
	// SessionHeader carries the client's session id.
	SessionHeader = "X-Session-Id"

	requestTimeout  = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// Service is the broker surface the HTTP layer needs.
type Service interface {
	Dispatch(ctx context.Context, req broker.Request) broker.Result
	Health() broker.HealthResponse
	Status(ctx context.Context) broker.StatusSnapshot
	DestroySession(sessionID string)
}

// CallRequest is the /v1/call body.
type CallRequest struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// Server is the broker's HTTP front end.
type Server struct {
	service Service
	router  chi.Router
}

// NewServer builds the router. ws serves the extension WebSocket endpoint,
// mcpHandler the streamable MCP endpoint; either may be nil to drop the
// route, as may metrics for /metrics.
func NewServer(service Service, ws, mcpHandler http.Handler, metrics *telemetry.Metrics) *Server {
	s := &Server{service: service}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	if ws != nil {
		r.Handle("/ws", ws)
	}
	if mcpHandler != nil {
		r.Handle("/mcp", mcpHandler)
		r.Handle("/mcp/*", mcpHandler)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/call", s.handleCall)
		r.Delete("/session", s.handleDeleteSession)
	})

	s.router = r
	return s
}

// Router returns the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Serve runs the HTTP server until ctx is done, then drains it.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down HTTP server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)

	var body CallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, broker.Result{
			Attempts: 1,
			Error: &broker.ErrorInfo{
				Kind:    errors.KindInvalidRequest,
				Message: "malformed request body: " + err.Error(),
			},
		})
		return
	}

	timeout := time.Duration(body.TimeoutMs) * time.Millisecond
	res := s.service.Dispatch(r.Context(), broker.Request{
		SessionID: sessionID,
		Command:   body.Tool,
		Params:    body.Params,
		TabID:     body.TabID,
		Timeout:   timeout,
	})

	status := http.StatusOK
	if !res.OK {
		// Failures still describe themselves in the body; the status code
		// only separates client mistakes from broker-side outcomes.
		if res.Error != nil && res.Error.Kind == errors.KindInvalidRequest {
			status = http.StatusBadRequest
		} else {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionHeader+" header", http.StatusBadRequest)
		return
	}
	s.service.DestroySession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Health())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("writing response: %v", err)
	}
}
