// Package httpapi is the control plane: hub and per-agency management
// endpoints, per-agent run endpoints, and the /ws event stream.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/openagency/agencyd/internal/agency"
	"github.com/openagency/agencyd/pkg/protocol"
)

// Server serves the HTTP and WebSocket API for one hub.
type Server struct {
	hub *agency.Hub
	log *slog.Logger

	secretMu sync.RWMutex
	secret   string

	limiter  *rate.Limiter // nil = unlimited
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	httpServer *http.Server
	handler    http.Handler
}

// Options configures the server. RateLimitRPS <= 0 disables limiting;
// Secret "" disables auth.
type Options struct {
	Hub          *agency.Hub
	Secret       string
	RateLimitRPS float64
	Log          *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	s := &Server{
		hub:     opts.Hub,
		secret:  opts.Secret,
		log:     opts.Log,
		clients: make(map[string]*wsClient),
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), int(opts.RateLimitRPS)*2)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// SetSecret swaps the shared secret. Supports config hot reload; connected
// websocket clients stay connected.
func (s *Server) SetSecret(secret string) {
	s.secretMu.Lock()
	s.secret = secret
	s.secretMu.Unlock()
}

func (s *Server) currentSecret() string {
	s.secretMu.RLock()
	defer s.secretMu.RUnlock()
	return s.secret
}

// Routes builds and caches the full handler: the mux with every route
// registered, wrapped so CORS runs before method matching. Method-qualified
// mux patterns reject OPTIONS with 405, so preflight must be answered above
// the mux.
func (s *Server) Routes() http.Handler {
	if s.handler != nil {
		return s.handler
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Hub.
	mux.HandleFunc("GET /agencies", s.secured(s.handleListAgencies))
	mux.HandleFunc("POST /agencies", s.secured(s.handleCreateAgency))
	mux.HandleFunc("DELETE /agencies/{agency}", s.secured(s.handleDeleteAgency))

	// Per-agency control plane.
	mux.HandleFunc("GET /agencies/{agency}/blueprints", s.secured(s.handleListBlueprints))
	mux.HandleFunc("POST /agencies/{agency}/blueprints", s.secured(s.handlePutBlueprint))
	mux.HandleFunc("DELETE /agencies/{agency}/blueprints/{name}", s.secured(s.handleDeleteBlueprint))
	mux.HandleFunc("GET /agencies/{agency}/internal/blueprint/{name}", s.secured(s.handleGetBlueprint))

	mux.HandleFunc("GET /agencies/{agency}/agents", s.secured(s.handleListAgents))
	mux.HandleFunc("POST /agencies/{agency}/agents", s.secured(s.handleSpawnAgent))
	mux.HandleFunc("DELETE /agencies/{agency}/agents/{id}", s.secured(s.handleDeleteAgent))

	mux.HandleFunc("GET /agencies/{agency}/vars", s.secured(s.handleListVars))
	mux.HandleFunc("PUT /agencies/{agency}/vars", s.secured(s.handlePutVars))
	mux.HandleFunc("GET /agencies/{agency}/vars/{key}", s.secured(s.handleGetVar))
	mux.HandleFunc("PUT /agencies/{agency}/vars/{key}", s.secured(s.handlePutVar))
	mux.HandleFunc("DELETE /agencies/{agency}/vars/{key}", s.secured(s.handleDeleteVar))

	mux.HandleFunc("GET /agencies/{agency}/schedules", s.secured(s.handleListSchedules))
	mux.HandleFunc("POST /agencies/{agency}/schedules", s.secured(s.handleCreateSchedule))
	mux.HandleFunc("GET /agencies/{agency}/schedules/{id}", s.secured(s.handleGetSchedule))
	mux.HandleFunc("PATCH /agencies/{agency}/schedules/{id}", s.secured(s.handlePatchSchedule))
	mux.HandleFunc("DELETE /agencies/{agency}/schedules/{id}", s.secured(s.handleDeleteSchedule))
	mux.HandleFunc("POST /agencies/{agency}/schedules/{id}/pause", s.secured(s.handlePauseSchedule))
	mux.HandleFunc("POST /agencies/{agency}/schedules/{id}/resume", s.secured(s.handleResumeSchedule))
	mux.HandleFunc("POST /agencies/{agency}/schedules/{id}/trigger", s.secured(s.handleTriggerSchedule))
	mux.HandleFunc("GET /agencies/{agency}/schedules/{id}/runs", s.secured(s.handleListScheduleRuns))

	// Per-agent run plane.
	mux.HandleFunc("POST /agents/{id}/register", s.secured(s.handleRegisterAgent))
	mux.HandleFunc("POST /agents/{id}/invoke", s.secured(s.handleInvoke))
	mux.HandleFunc("POST /agents/{id}/action", s.secured(s.handleAction))
	mux.HandleFunc("POST /agents/{id}/cancel", s.secured(s.handleCancel))
	mux.HandleFunc("GET /agents/{id}/state", s.secured(s.handleState))
	mux.HandleFunc("GET /agents/{id}/events", s.secured(s.handleEvents))
	mux.HandleFunc("GET /agents/{id}/messages", s.secured(s.handleMessages))
	mux.HandleFunc("POST /agents/{id}/child_result", s.secured(s.handleChildResult))

	s.handler = withCORS(mux)
	return s.handler
}

// Start listens on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Routes()}

	s.log.Info("api server starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion})
}
