package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/claim-intake/internal/conversation"
)

// RegisterRoutes mounts the conversation endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Post("/new", h.Initiate)
	r.Post("/conversation", h.ReceiveMessage)
	r.Route("/conversation/{id}", func(r chi.Router) {
		r.Get("/", h.GetConversation)
		r.Post("/confirmation", h.RecordConfirmation)
		r.Get("/files", h.ListFiles)
		r.Post("/files", h.UploadFile)
		r.Get("/files/{file_id}", h.GetFile)
		r.Get("/files/{file_id}/download", h.DownloadFile)
		r.Get("/report", h.GetReport)
	})
}

type initiateRequest struct {
	Name       string `json:"name"`
	PersonType string `json:"person_type"`
}

type messageRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

type confirmationRequest struct {
	Confirmation string `json:"confirmation"`
}

// Initiate handles POST /new.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if !h.allow("new:" + clientIP(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req initiateRequest
	if status, msg, ok := decodeJSON(w, r, &req); !ok {
		Error(w, status, msg)
		return
	}

	id, err := h.svc.Initiate(r.Context(), req.Name, req.PersonType)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"conversation_id": id})
}

// ReceiveMessage handles POST /conversation.
func (h *Handler) ReceiveMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if status, msg, ok := decodeJSON(w, r, &req); !ok {
		Error(w, status, msg)
		return
	}
	if req.ConversationID <= 0 {
		Error(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if !h.allow(conversationKey(req.ConversationID)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	reply, err := h.svc.ReceiveMessage(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// GetConversation handles GET /conversation/{id}.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	conv, err := h.svc.Lookup(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// RecordConfirmation handles POST /conversation/{id}/confirmation.
func (h *Handler) RecordConfirmation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req confirmationRequest
	if status, msg, ok := decodeJSON(w, r, &req); !ok {
		Error(w, status, msg)
		return
	}
	if err := h.svc.RecordConfirmation(r.Context(), id, req.Confirmation); err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"message": "User confirmation stored successfully"})
}

// ListFiles handles GET /conversation/{id}/files.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	list, err := h.svc.ListFiles(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"files": list})
}

// UploadFile handles POST /conversation/{id}/files with a multipart "file" field.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if !h.allow(conversationKey(id)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
		case errors.Is(err, http.ErrMissingFile):
			Error(w, http.StatusBadRequest, "No file selected")
		default:
			Error(w, http.StatusBadRequest, "invalid multipart form")
		}
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			h.logger.Warn("failed to close multipart file", "error", closeErr)
		}
	}()

	stored, err := h.svc.UploadFile(r.Context(), id, conversation.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     file,
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stored)
}

// GetFile handles GET /conversation/{id}/files/{file_id}.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	fileID, ok := pathID(w, r, "file_id")
	if !ok {
		return
	}
	file, err := h.svc.GetFile(r.Context(), id, fileID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, file)
}

// DownloadFile handles GET /conversation/{id}/files/{file_id}/download.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	fileID, ok := pathID(w, r, "file_id")
	if !ok {
		return
	}
	rc, file, err := h.svc.OpenFile(r.Context(), id, fileID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			h.logger.Warn("failed to close stored file", "file_id", fileID, "error", closeErr)
		}
	}()

	w.Header().Set("Content-Type", file.Type)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("File download interrupted", "conversation_id", id, "file_id", fileID, "error", err)
	}
}

// GetReport handles GET /conversation/{id}/report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rep, err := h.svc.GenerateReport(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, rep)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", param))
		return 0, false
	}
	return id, true
}

func conversationKey(id int64) string {
	return "conversation:" + strconv.FormatInt(id, 10)
}

// clientIP returns the request's remote host. chi's RealIP middleware has
// already applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
