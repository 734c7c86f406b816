// Package api provides HTTP handlers for the claim intake API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/claim-intake/internal/conversation"
	"github.com/ashureev/claim-intake/internal/domain"
	"github.com/ashureev/claim-intake/internal/nlp"
	"github.com/ashureev/claim-intake/internal/report"
)

// ConversationService is the set of conversation operations exposed over HTTP.
type ConversationService interface {
	Initiate(ctx context.Context, name, personType string) (int64, error)
	Lookup(ctx context.Context, id int64) (*domain.Conversation, error)
	ReceiveMessage(ctx context.Context, id int64, text string) (*conversation.Reply, error)
	RecordConfirmation(ctx context.Context, id int64, text string) error
	ListFiles(ctx context.Context, id int64) ([]domain.File, error)
	GetFile(ctx context.Context, id, fileID int64) (*domain.File, error)
	OpenFile(ctx context.Context, id, fileID int64) (io.ReadCloser, *domain.File, error)
	UploadFile(ctx context.Context, id int64, up conversation.Upload) (*domain.File, error)
	GenerateReport(ctx context.Context, id int64) (*report.Report, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SocketCounter reports the number of live WebSocket connections.
type SocketCounter interface {
	Count() int
}

const (
	defaultMaxUploadBytes  = 10 << 20
	defaultMaxRequestBytes = 1 << 20
)

// Handler serves the conversation endpoints.
type Handler struct {
	svc            ConversationService
	db             Pinger
	limiter        *RateLimiter
	sockets        SocketCounter
	maxUploadBytes int64
	logger         *slog.Logger
}

// Options configure a Handler. Zero values select defaults.
type Options struct {
	MaxUploadBytes int64
	// Limiter throttles message-producing requests; nil disables throttling.
	Limiter *RateLimiter
	// Sockets, when set, is reported by the health endpoint.
	Sockets SocketCounter
	Logger  *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc ConversationService, db Pinger, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		svc:            svc,
		db:             db,
		limiter:        opts.Limiter,
		sockets:        opts.Sockets,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         opts.Logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"message": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"message": message})
}

// ErrorStatus maps a service error to an HTTP status and a client message.
func ErrorStatus(err error) (int, string) {
	var unsupported *conversation.UnsupportedFormatError
	switch {
	case errors.As(err, &unsupported):
		return http.StatusBadRequest, unsupported.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUnhandledState):
		return http.StatusBadRequest, "Response text not generated"
	case errors.Is(err, nlp.ErrUnavailable):
		return http.StatusServiceUnavailable, "NLP service unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	Error(w, status, msg)
}

func (h *Handler) allow(key string) bool {
	return h.limiter == nil || h.limiter.Allow(key)
}

// decodeJSON reads a bounded JSON request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) (int, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, "request body too large", false
		}
		return http.StatusBadRequest, "invalid request body", false
	}
	return 0, "", true
}

// Health reports service and database health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Error("Health check failed", "error", err)
			JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
			return
		}
	}
	body := map[string]any{"status": "ok"}
	if h.sockets != nil {
		body["active_sockets"] = h.sockets.Count()
	}
	JSON(w, http.StatusOK, body)
}
