// Package httpapi exposes registries over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/registrar/internal/registry"
)

// Registrar is the registry surface the handler drives.
type Registrar interface {
	Open(ctx context.Context) (string, error)
	Add(ctx context.Context, id, item string) error
	Finish(ctx context.Context, id string) error
	Peek(ctx context.Context, id string) (registry.Snapshot, error)
	Stats(ctx context.Context) (registry.Stats, error)
}

var _ Registrar = (*registry.Service)(nil)

// Handler provides the registry HTTP endpoints.
type Handler struct {
	registry Registrar
	logger   *slog.Logger
}

// NewHandler creates a Handler. A nil logger selects slog.Default().
func NewHandler(r Registrar, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: r, logger: logger}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/Open", h.Open)
	mux.HandleFunc("GET /api/Stats", h.Stats)

	// The bare prefixes catch requests without an id.
	mux.HandleFunc("GET /api/Add/{id}", h.Add)
	mux.HandleFunc("GET /api/Add/", h.Add)
	mux.HandleFunc("GET /api/Finish/{id}", h.Finish)
	mux.HandleFunc("GET /api/Finish/", h.Finish)
	mux.HandleFunc("GET /api/Peek/{id}", h.Peek)
	mux.HandleFunc("GET /api/Peek/", h.Peek)

	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// ErrorResponse is the response body for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Open starts a registry and responds with its id.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	id, err := h.registry.Open(r.Context())
	if err != nil {
		h.writeFailure(w, "", "Open", err)
		return
	}
	h.writeJSON(w, http.StatusOK, id)
}

// Stats responds with the global counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		h.writeFailure(w, "", "Stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Add appends the item query parameter to a registry.
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.logger.Info("registry_add_requested", slog.String("id", id))

	if strings.TrimSpace(id) == "" {
		h.writeFailure(w, id, "Add", registry.ErrIDRequired)
		return
	}
	items, ok := r.URL.Query()["item"]
	if !ok {
		h.writeError(w, http.StatusBadRequest, "item_required", "Item is required as a querystring parameter")
		return
	}

	if err := h.registry.Add(r.Context(), id, items[0]); err != nil {
		h.writeFailure(w, id, "Add", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Finish closes a registry.
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.logger.Info("registry_finish_requested", slog.String("id", id))

	if err := h.registry.Finish(r.Context(), id); err != nil {
		h.writeFailure(w, id, "Finish", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Peek responds with the status and content of a registry.
func (h *Handler) Peek(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := h.registry.Peek(r.Context(), id)
	if err != nil {
		h.writeFailure(w, id, "Peek", err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// Health reports that the server is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeFailure maps registry errors to rejections. Anything unexpected is a
// server error.
func (h *Handler) writeFailure(w http.ResponseWriter, id, route string, err error) {
	switch {
	case errors.Is(err, registry.ErrIDRequired):
		h.writeError(w, http.StatusBadRequest, "id_required", fmt.Sprintf("Id is required after %s/ on the route.", route))
	case errors.Is(err, registry.ErrNotFound):
		h.writeError(w, http.StatusBadRequest, "not_found", fmt.Sprintf("Unable to find workflow with id %s", id))
	case errors.Is(err, registry.ErrNotActive):
		h.writeError(w, http.StatusBadRequest, "not_active", fmt.Sprintf("Instance %s is not active.", id))
	default:
		h.logger.Error("request_failed", slog.String("route", route), slog.String("id", id), slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("response_encode_failed", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on, e.g. ":7071". Port 0 picks a free port.
	Addr     string
	Registry Registrar
	Logger   *slog.Logger

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
}

// NewServer binds the listener and prepares the server.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandler(cfg.Registry, cfg.Logger)

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	return &Server{
		listener: listener,
		logger:   handler.logger,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
	}, nil
}

// Start serves requests. It blocks until the server is stopped and returns
// nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http_server_starting", slog.String("addr", s.Addr()))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http_server_stopping")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}
