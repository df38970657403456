// Package api implements the HTTP API: chat, live event streaming,
// and session management.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/concierge-agent/concierge/internal/agent"
	"github.com/concierge-agent/concierge/internal/buildinfo"
	"github.com/concierge-agent/concierge/internal/config"
	"github.com/concierge-agent/concierge/internal/events"
	"github.com/concierge-agent/concierge/internal/history"
	"github.com/concierge-agent/concierge/internal/llm"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	cfg     config.ListenConfig
	orch    *agent.Orchestrator
	trimmer *history.Trimmer
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server

	// runMu serializes chat runs; the orchestrator handles one request
	// at a time.
	runMu sync.Mutex

	upgrader websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(cfg config.ListenConfig, orch *agent.Orchestrator, trimmer *history.Trimmer, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		orch:    orch,
		trimmer: trimmer,
		bus:     bus,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is bearer-token protected; origin checks add
			// nothing for non-browser clients and break local UIs.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("POST /api/compact", s.handleCompact)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(s.withAuth(mux))
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long-lived event streams
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port,
		"auth", s.cfg.APITokenHash != "")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth enforces the bearer token when a token hash is configured.
// The /health endpoint stays open for probes. WebSocket clients that
// cannot set headers may pass the token as a query parameter.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APITokenHash == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.APITokenHash), []byte(token)); err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": msg}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "concierge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// ChatRequest is the /api/chat request body.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the /api/chat response body.
type ChatResponse struct {
	Response   string   `json:"response"`
	Iterations int      `json:"iterations"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	Aborted    bool     `json:"aborted,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	s.runMu.Lock()
	res, err := s.orch.Run(r.Context(), req.Message)
	s.runMu.Unlock()
	if err != nil {
		s.logger.Error("chat run failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
		return
	}

	var used []string
	for _, ex := range res.ToolExecutions {
		used = append(used, ex.Name)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Response:   res.Text,
		Iterations: res.Iterations,
		ToolsUsed:  used,
		Aborted:    res.WasAborted,
	}, s.logger)
}

// handleEvents streams bus events over a WebSocket, one JSON event per
// message, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs := s.orch.History()
	// Strip the system prompt; it is an implementation detail.
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": out}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.trimmer.Stats(s.orch.History())
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	s.orch.Reset()
	s.runMu.Unlock()
	s.logger.Info("conversation reset via API")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reset"}, s.logger)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	s.orch.CompactHistory(r.Context())
	s.runMu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "compacted"}, s.logger)
}
