package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-monolith/mono"

	"chat-room-sync/internal/config"
	"chat-room-sync/internal/store"
)

// Server bundles the hub with its transports and REST API.
type Server struct {
	Hub    *Hub
	Poller *Poller
	store  Store
	cfg    config.Server
	logger *slog.Logger
}

// New builds a Server on top of st.
func New(cfg config.Server, st Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hub := NewHub(st, HubOptions{
		HistoryLimit: cfg.HistoryLimit,
		SendBuffer:   cfg.SendBuffer,
		Limiter:      NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		Logger:       logger,
	})
	return &Server{
		Hub:    hub,
		Poller: NewPoller(hub, cfg.PollTimeout, cfg.PollIdleTimeout, logger),
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/{$}", handleAPIRoot())
	mux.HandleFunc("GET /api/rooms", handleListRooms(s.store, s.logger))
	mux.HandleFunc("POST /api/rooms", handleCreateRoom(s.store, s.logger))
	mux.HandleFunc("GET /api/rooms/{id}/messages", handleRoomMessages(s.store, s.cfg.HistoryLimit, s.logger))
	mux.HandleFunc("GET /api/rooms/{id}/users", handleRoomUsers(s.Hub))
	mux.HandleFunc("GET /ws", handleWebSocket(s.Hub, s.logger))
	s.Poller.Routes(mux)

	return withCORS(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions, rooms := s.Hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": sessions,
		"rooms":    rooms,
		"polling":  s.Poller.Len(),
	})
}

// withCORS allows any origin, matching a browser client served elsewhere.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Module runs the chat server inside a mono application.
type Module struct {
	cfg     config.Server
	logger  *slog.Logger
	storage *store.Module

	server *Server
	http   *http.Server
	addr   net.Addr
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates the chat module. The storage module must be registered
// and started before it.
func NewModule(cfg config.Server, storage *store.Module, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{cfg: cfg, storage: storage, logger: logger}
}

func (m *Module) Name() string {
	return "chat"
}

// Addr is the bound listen address once started.
func (m *Module) Addr() net.Addr {
	return m.addr
}

func (m *Module) Start(_ context.Context) error {
	if m.storage == nil || m.storage.Repository() == nil {
		return errors.New("store module not started")
	}
	m.server = New(m.cfg, m.storage.Repository(), m.logger)

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	m.addr = ln.Addr()
	m.http = &http.Server{
		Handler:           m.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.server.Poller.Run(ctx)
	}()

	go func() {
		if err := m.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server error", "error", err)
		}
	}()

	m.logger.Info("server started", "addr", m.addr.String())
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.http == nil {
		return nil
	}
	m.logger.Info("shutting down server...")
	m.cancel()
	<-m.done

	// hijacked websocket connections are not tracked by Shutdown
	m.server.Hub.CloseAll()
	if err := m.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	m.logger.Info("server stopped")
	return nil
}

func (m *Module) Health(_ context.Context) mono.HealthStatus {
	if m.server == nil {
		return mono.HealthStatus{Healthy: false, Message: "not started"}
	}
	sessions, rooms := m.server.Hub.Stats()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"addr":     m.addr.String(),
			"sessions": sessions,
			"rooms":    rooms,
		},
	}
}
