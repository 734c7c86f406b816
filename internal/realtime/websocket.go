package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/claim-intake/internal/api"
	"github.com/ashureev/claim-intake/internal/conversation"
	"github.com/ashureev/claim-intake/internal/domain"
)

// MessageService runs dialogue turns.
type MessageService interface {
	Lookup(ctx context.Context, id int64) (*domain.Conversation, error)
	ReceiveMessage(ctx context.Context, id int64, text string) (*conversation.Reply, error)
}

const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
)

// WebSocketHandler exchanges conversation messages over a WebSocket.
type WebSocketHandler struct {
	svc            MessageService
	sm             *SessionManager
	limiter        *api.RateLimiter
	allowedOrigins []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. A nil limiter disables throttling.
func NewWebSocketHandler(svc MessageService, sm *SessionManager, limiter *api.RateLimiter, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		svc:            svc,
		sm:             sm,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServeHTTP upgrades GET /ws/conversation/{id}.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		api.Error(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := h.svc.Lookup(r.Context(), id); err != nil {
		status, msg := api.ErrorStatus(err)
		api.Error(w, status, msg)
		return
	}

	h.logger.Info("WebSocket connection request", "conversation_id", id, "ip", r.RemoteAddr)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.allowedOrigins),
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "conversation_id", id)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "conversation_id", id)
		}
	}()

	h.sm.Register(id, ws)
	defer h.sm.Unregister(id, ws)

	h.readLoop(r.Context(), ws, id)
	h.logger.Info("Conversation socket ended", "conversation_id", id)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, id int64) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "conversation_id", id)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "conversation_id", id)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeError(ctx, ws, http.StatusBadRequest, "invalid message")
			continue
		}

		switch msg.Type {
		case "message":
			if h.limiter != nil && !h.limiter.Allow("conversation:"+strconv.FormatInt(id, 10)) {
				h.writeError(ctx, ws, http.StatusTooManyRequests, "rate limit exceeded")
				continue
			}
			reply, err := h.svc.ReceiveMessage(ctx, id, msg.Content)
			if err != nil {
				status, text := api.ErrorStatus(err)
				if status >= http.StatusInternalServerError {
					h.logger.Error("Turn failed", "conversation_id", id, "error", err)
				}
				h.writeError(ctx, ws, status, text)
				continue
			}
			if err := h.writeJSON(ctx, ws, reply); err != nil {
				h.logger.Debug("Failed to send reply", "error", err, "conversation_id", id)
				return
			}
		case "ping":
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "close":
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "closed"}); err != nil {
				h.logger.Debug("Failed to send close acknowledgment", "error", err)
			}
			return
		default:
			h.writeError(ctx, ws, http.StatusBadRequest, "unknown message type")
		}
	}
}

func (h *WebSocketHandler) writeError(ctx context.Context, ws *websocket.Conn, status int, message string) {
	if err := h.writeJSON(ctx, ws, map[string]any{"type": "error", "status": status, "message": message}); err != nil {
		h.logger.Debug("Failed to send error", "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns converts configured origins to the host patterns Accept matches.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		patterns = append(patterns, strings.TrimSuffix(o, "/"))
	}
	return patterns
}
