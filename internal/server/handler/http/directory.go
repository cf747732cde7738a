package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/middleware"
	"github.com/atinyakov/hammerchat/internal/models"
)

// DirectoryService is the key directory used by DirectoryHandler.
type DirectoryService interface {
	PublishKey(ctx context.Context, userID, jwk, deviceID string) (models.UserEncryptionKey, error)
	PublicKey(ctx context.Context, userID string) (models.UserEncryptionKey, error)
	StartConversation(ctx context.Context, userID, peerID string) (models.ConversationKey, error)
	ConversationKey(ctx context.Context, userID, conversationID string) (models.ConversationKey, error)
	StoreKeyCheck(ctx context.Context, userID, conversationID string, keyVersion int, value string) error
}

// DirectoryHandler serves public keys and conversation key metadata.
type DirectoryHandler struct {
	Directory DirectoryService
	Log       *zap.Logger
}

type publishKeyRequest struct {
	PublicKey string `json:"public_key"`
	DeviceID  string `json:"device_id"`
}

// PublishKey makes the body's JWK the caller's active public key.
func (h *DirectoryHandler) PublishKey(w http.ResponseWriter, r *http.Request) {
	var req publishKeyRequest
	if !decode(w, r, &req) {
		return
	}
	k, err := h.Directory.PublishKey(r.Context(), middleware.GetUserIDFromContext(r.Context()), req.PublicKey, req.DeviceID)
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// PublicKey returns the active public key of {userID}.
func (h *DirectoryHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	k, err := h.Directory.PublicKey(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

type createConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// CreateConversation returns the caller's conversation with peer_id,
// creating it when needed.
func (h *DirectoryHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decode(w, r, &req) {
		return
	}
	ck, err := h.Directory.StartConversation(r.Context(), middleware.GetUserIDFromContext(r.Context()), req.PeerID)
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, ck)
}

// ConversationKey returns the caller's key metadata for {conversationID}.
func (h *DirectoryHandler) ConversationKey(w http.ResponseWriter, r *http.Request) {
	ck, err := h.Directory.ConversationKey(r.Context(), middleware.GetUserIDFromContext(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, ck)
}

type keyCheckRequest struct {
	KeyVersion            int    `json:"key_version"`
	EncryptedSharedSecret string `json:"encrypted_shared_secret"`
}

// StoreKeyCheck publishes the key-check value of a key version.
func (h *DirectoryHandler) StoreKeyCheck(w http.ResponseWriter, r *http.Request) {
	var req keyCheckRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.Directory.StoreKeyCheck(r.Context(), middleware.GetUserIDFromContext(r.Context()),
		chi.URLParam(r, "conversationID"), req.KeyVersion, req.EncryptedSharedSecret)
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
