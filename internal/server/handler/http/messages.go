package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/middleware"
	"github.com/atinyakov/hammerchat/internal/models"
)

// MessageService is the message store used by MessageHandler.
type MessageService interface {
	Send(ctx context.Context, userID, conversationID, id string, p models.EncryptedPayload) (models.Message, error)
	History(ctx context.Context, userID, conversationID string, before int64, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, userID, messageID string) error
	Edit(ctx context.Context, userID, messageID string, p models.EncryptedPayload) (models.Message, error)
	Delete(ctx context.Context, userID, messageID string) error
}

// MessageHandler serves the ciphertext message store.
type MessageHandler struct {
	Messages MessageService
	Log      *zap.Logger
}

type sendRequest struct {
	ID string `json:"id"`
	models.EncryptedPayload
}

// Send stores a message in {conversationID}.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := h.Messages.Send(r.Context(), middleware.GetUserIDFromContext(r.Context()),
		chi.URLParam(r, "conversationID"), req.ID, req.EncryptedPayload)
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// History returns a page of {conversationID}, newest first. Query
// parameters before and limit are optional.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	var (
		before int64
		limit  int
		err    error
	)
	q := r.URL.Query()
	if s := q.Get("before"); s != "" {
		if before, err = strconv.ParseInt(s, 10, 64); err != nil {
			http.Error(w, "invalid before", http.StatusBadRequest)
			return
		}
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	msgs, err := h.Messages.History(r.Context(), middleware.GetUserIDFromContext(r.Context()),
		chi.URLParam(r, "conversationID"), before, limit)
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// MarkRead records a read receipt for {messageID}.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Messages.MarkRead(r.Context(), middleware.GetUserIDFromContext(r.Context()), chi.URLParam(r, "messageID")); err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Edit replaces the ciphertext of {messageID}.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var p models.EncryptedPayload
	if !decode(w, r, &p) {
		return
	}
	msg, err := h.Messages.Edit(r.Context(), middleware.GetUserIDFromContext(r.Context()), chi.URLParam(r, "messageID"), p)
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Delete soft-deletes {messageID}.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Messages.Delete(r.Context(), middleware.GetUserIDFromContext(r.Context()), chi.URLParam(r, "messageID")); err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
