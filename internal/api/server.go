// Package api implements the HTTP API: conversation management, turn
// submission with optional SSE streaming, read access to memory and
// usage, and a WebSocket feed of bus events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/aria/internal/buildinfo"
	"github.com/nugget/aria/internal/codemem"
	"github.com/nugget/aria/internal/connwatch"
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/events"
	"github.com/nugget/aria/internal/orchestrator"
	"github.com/nugget/aria/internal/planner"
	"github.com/nugget/aria/internal/usage"
)

// Engine is the turn orchestrator as seen by the API.
type Engine interface {
	Status() orchestrator.Status
	Send(ctx context.Context, in orchestrator.Input) (*orchestrator.Result, error)
	Retry(ctx context.Context, conversationID string) (*orchestrator.Result, error)
	EditAndResend(ctx context.Context, conversationID, messageID, text string) (*orchestrator.Result, error)
	GenerateImages(ctx context.Context, opts orchestrator.ImageOptions) (*orchestrator.Result, error)
	Cancel() bool
	PinTool(ov planner.Override)
	NewConversation() *conversation.Conversation
	SelectConversation(id string) error
	DeleteConversation(id string) error
	SetPinned(id string, pinned bool) (*conversation.Conversation, error)
}

// Conversations is the read side of the conversation store.
type Conversations interface {
	List() []*conversation.Conversation
	Get(id string) (*conversation.Conversation, bool)
}

// Facts lists long-term memory.
type Facts interface {
	All() []string
}

// Snippets lists code memory.
type Snippets interface {
	All() []codemem.Snippet
}

// UsageReporter aggregates recorded usage.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByKind(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByConversation(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// PlannerAudit exposes planning decisions.
type PlannerAudit interface {
	AuditLog(limit int) []planner.Decision
	Stats() planner.Stats
}

// Deps holds the components the server reads from. Everything except
// Engine and Conversations may be nil; the matching endpoints then
// answer 503.
type Deps struct {
	Engine        Engine
	Conversations Conversations
	Facts         Facts
	Snippets      Snippets
	Usage         UsageReporter
	Planner       PlannerAudit
	Bus           *events.Bus
	// Health is optional. Without it /health always reports healthy.
	Health Health
}

// Health reports the state of the services the engine depends on.
type Health interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	// Conversations
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("POST /v1/conversations", s.handleConversationCreate)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("POST /v1/conversations/{id}/select", s.handleConversationSelect)
	mux.HandleFunc("POST /v1/conversations/{id}/pin", s.handleConversationPin)

	// Turns
	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/turns/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/conversations/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/conversations/{id}/messages/{mid}/edit", s.handleEdit)
	mux.HandleFunc("POST /v1/images", s.handleImages)
	mux.HandleFunc("POST /v1/tool", s.handleTool)

	// Memory and introspection
	mux.HandleFunc("GET /v1/memory", s.handleMemory)
	mux.HandleFunc("GET /v1/code", s.handleCode)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/planner/audit", s.handlePlannerAudit)

	// Event feed
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streaming turns reset their own write deadline.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}
	status := "healthy"
	if !s.deps.Health.Healthy() {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"services": s.deps.Health.Status(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Runtime())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Engine.Status())
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

// engineError answers a rejected orchestrator call with the status
// that matches the rejection.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	s.errorResponse(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrConversationNotFound),
		errors.Is(err, orchestrator.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, orchestrator.ErrNothingToRetry),
		errors.Is(err, orchestrator.ErrNoPendingImage):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyPrompt),
		errors.Is(err, orchestrator.ErrNotUserMessage):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoCredential):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// maxBodyBytes bounds request bodies, which may carry base64
// attachments.
const maxBodyBytes = 32 << 20

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
