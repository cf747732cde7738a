package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/client/keys"
	"github.com/atinyakov/hammerchat/internal/models"
	"github.com/atinyakov/hammerchat/internal/repository"
	"github.com/atinyakov/hammerchat/internal/validation"
)

const maxDeviceIDLength = 128

// KeyRepository is the storage of published public keys.
type KeyRepository interface {
	ActiveKey(ctx context.Context, userID string) (models.UserEncryptionKey, error)
	RotateKey(ctx context.Context, userID, publicKey, deviceID string, expiresAt time.Time) (models.UserEncryptionKey, bool, error)
}

// ConversationRepository is the storage of conversations and their key metadata.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, id, userID, peerID string) (models.ConversationKey, error)
	ConversationKey(ctx context.Context, conversationID, userID string) (models.ConversationKey, error)
	StoreKeyCheck(ctx context.Context, conversationID string, keyVersion int, value string) (bool, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// DirectoryService publishes and serves public keys and manages the key
// metadata of conversations.
type DirectoryService struct {
	keys      KeyRepository
	convs     ConversationRepository
	users     AuthRepository
	validator *validation.Validator
	log       *zap.Logger
	now       func() time.Time
	keyTTL    time.Duration
}

// DirectoryOption configures a DirectoryService.
type DirectoryOption func(*DirectoryService)

// WithKeyTTL makes published keys expire after ttl. Zero disables expiry.
func WithKeyTTL(ttl time.Duration) DirectoryOption {
	return func(s *DirectoryService) { s.keyTTL = ttl }
}

// WithDirectoryClock replaces time.Now.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(s *DirectoryService) { s.now = now }
}

// WithDirectoryLogger sets the logger.
func WithDirectoryLogger(log *zap.Logger) DirectoryOption {
	return func(s *DirectoryService) { s.log = log }
}

func NewDirectoryService(k KeyRepository, c ConversationRepository, users AuthRepository, v *validation.Validator, opts ...DirectoryOption) *DirectoryService {
	s := &DirectoryService{
		keys:      k,
		convs:     c,
		users:     users,
		validator: v,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublishKey makes jwk the active public key of userID. Publishing a
// different key than the active one rotates it, which moves every
// conversation of the user to the next key version.
func (s *DirectoryService) PublishKey(ctx context.Context, userID, jwk, deviceID string) (models.UserEncryptionKey, error) {
	if _, err := keys.ParsePublicJWK(jwk); err != nil {
		return models.UserEncryptionKey{}, apperr.Wrap(apperr.Validation, "Invalid public key", err)
	}
	deviceID = strings.TrimSpace(deviceID)
	if len(deviceID) > maxDeviceIDLength {
		return models.UserEncryptionKey{}, apperr.New(apperr.Validation, "Device ID is too long")
	}

	var expires time.Time
	if s.keyTTL > 0 {
		expires = s.now().Add(s.keyTTL)
	}
	k, rotated, err := s.keys.RotateKey(ctx, userID, jwk, deviceID, expires)
	if err != nil {
		return models.UserEncryptionKey{}, storeError(err, "key publication failed")
	}
	if rotated {
		s.log.Info("public key rotated", zap.String("user_id", userID), zap.Int64("key_id", k.ID))
	}
	return k, nil
}

// PublicKey returns the active public key of userID.
func (s *DirectoryService) PublicKey(ctx context.Context, userID string) (models.UserEncryptionKey, error) {
	k, err := s.keys.ActiveKey(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return k, apperr.New(apperr.NotFound, "User has no published key")
		}
		return k, storeError(err, "key lookup failed")
	}
	if !k.Active(s.now()) {
		return models.UserEncryptionKey{}, apperr.New(apperr.NotFound, "User key has expired")
	}
	return k, nil
}

// StartConversation returns the conversation between userID and peerID,
// creating it if needed.
func (s *DirectoryService) StartConversation(ctx context.Context, userID, peerID string) (models.ConversationKey, error) {
	if err := s.validator.ValidateUsername(peerID); err != nil {
		return models.ConversationKey{}, err
	}
	if peerID == userID {
		return models.ConversationKey{}, apperr.New(apperr.Validation, "Cannot start a conversation with yourself")
	}
	exists, err := s.users.UserExists(ctx, peerID)
	if err != nil {
		return models.ConversationKey{}, storeError(err, "user lookup failed")
	}
	if !exists {
		return models.ConversationKey{}, apperr.New(apperr.NotFound, "User not found")
	}
	ck, err := s.convs.CreateConversation(ctx, uuid.NewString(), userID, peerID)
	if err != nil {
		return ck, storeError(err, "conversation creation failed")
	}
	return ck, nil
}

// ConversationKey returns the caller's key metadata for a conversation.
func (s *DirectoryService) ConversationKey(ctx context.Context, userID, conversationID string) (models.ConversationKey, error) {
	if err := s.validator.ValidateUUID(conversationID); err != nil {
		return models.ConversationKey{}, err
	}
	ck, err := s.convs.ConversationKey(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ck, apperr.New(apperr.NotFound, "Conversation not found")
		}
		return ck, storeError(err, "conversation lookup failed")
	}
	return ck, nil
}

// StoreKeyCheck publishes the key-check value of keyVersion. The first value
// for a version is kept; a version other than the current one is a Conflict.
func (s *DirectoryService) StoreKeyCheck(ctx context.Context, userID, conversationID string, keyVersion int, value string) error {
	if value == "" || len(value) > 256 {
		return apperr.New(apperr.Validation, "Invalid key check value")
	}
	ck, err := s.ConversationKey(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if ck.KeyVersion != keyVersion {
		return apperr.New(apperr.Conflict, "Key version is stale")
	}
	if _, err := s.convs.StoreKeyCheck(ctx, conversationID, keyVersion, value); err != nil {
		return storeError(err, "key check update failed")
	}
	return nil
}
