package service

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/metrics"
	"github.com/atinyakov/hammerchat/internal/models"
	"github.com/atinyakov/hammerchat/internal/repository"
	"github.com/atinyakov/hammerchat/internal/validation"
)

const (
	// DefaultPageSize is used when a history request names no limit.
	DefaultPageSize = 50
	// MaxPageSize caps a history page.
	MaxPageSize = 200
	// MaxCiphertextLength bounds the base64 ciphertext of one message.
	MaxCiphertextLength = 64 << 10
	ivSize              = 12
)

// MessageRepository is the ciphertext message store.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	MarkRead(ctx context.Context, id, readerID string, at time.Time) error
	EditMessage(ctx context.Context, id, senderID string, p models.EncryptedPayload, cutoff, now time.Time) (models.Message, error)
	SoftDelete(ctx context.Context, id, senderID string, cutoff time.Time) error
}

// MessageService stores and serves encrypted messages for conversation
// participants. It never sees plaintext.
type MessageService struct {
	messages  MessageRepository
	convs     ConversationRepository
	validator *validation.Validator
	metrics   *metrics.HTTP
	now       func() time.Time
}

func NewMessageService(msgs MessageRepository, convs ConversationRepository, v *validation.Validator, m *metrics.HTTP) *MessageService {
	if m == nil {
		m = metrics.NewHTTP(nil)
	}
	return &MessageService{messages: msgs, convs: convs, validator: v, metrics: m, now: time.Now}
}

// Send appends an encrypted message to a conversation. Sending the same id
// twice stores it once.
func (s *MessageService) Send(ctx context.Context, userID, conversationID, id string, p models.EncryptedPayload) (models.Message, error) {
	if err := s.validator.ValidateUUID(id); err != nil {
		return models.Message{}, err
	}
	if err := validatePayload(p); err != nil {
		return models.Message{}, err
	}
	ck, err := s.conversation(ctx, userID, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if p.KeyVersion > ck.KeyVersion {
		return models.Message{}, apperr.New(apperr.Validation, "Unknown key version")
	}
	if p.KeyVersion == 0 {
		p.KeyVersion = ck.KeyVersion
	}

	stored, err := s.messages.AppendMessage(ctx, models.Message{
		ID:                   id,
		ConversationID:       conversationID,
		SenderID:             userID,
		EncryptedContent:     p.Ciphertext,
		InitializationVector: p.IV,
		KeyVersion:           p.KeyVersion,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return models.Message{}, apperr.New(apperr.Conflict, "Message ID already used")
		}
		return models.Message{}, storeError(err, "message store failed")
	}
	s.metrics.MessagesStoredTotal.Inc()
	s.metrics.CiphertextBytes.Observe(float64(len(p.Ciphertext)))
	return stored, nil
}

// History returns a page of a conversation, newest first.
func (s *MessageService) History(ctx context.Context, userID, conversationID string, before int64, limit int) ([]models.Message, error) {
	if _, err := s.conversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	msgs, err := s.messages.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, storeError(err, "history lookup failed")
	}
	return msgs, nil
}

// MarkRead records that userID read a message. Marking one's own message is
// a no-op.
func (s *MessageService) MarkRead(ctx context.Context, userID, messageID string) error {
	msg, err := s.message(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == userID {
		return nil
	}
	if err := s.messages.MarkRead(ctx, messageID, userID, s.now()); err != nil {
		return storeError(err, "read receipt failed")
	}
	return nil
}

// Edit replaces the payload of the caller's own message within the edit window.
func (s *MessageService) Edit(ctx context.Context, userID, messageID string, p models.EncryptedPayload) (models.Message, error) {
	if err := validatePayload(p); err != nil {
		return models.Message{}, err
	}
	msg, err := s.own(ctx, userID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if !s.validator.IsWithinEditWindow(msg.CreatedAt) {
		return models.Message{}, apperr.New(apperr.Validation, "Messages can only be edited within 15 minutes of sending")
	}
	if p.KeyVersion == 0 {
		p.KeyVersion = msg.KeyVersion
	}
	edited, err := s.messages.EditMessage(ctx, messageID, userID, p, s.validator.EditCutoff(), s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return models.Message{}, apperr.New(apperr.Validation, "Messages can only be edited within 15 minutes of sending")
	}
	if err != nil {
		return models.Message{}, storeError(err, "edit failed")
	}
	return edited, nil
}

// Delete soft-deletes the caller's own message within the delete window.
func (s *MessageService) Delete(ctx context.Context, userID, messageID string) error {
	msg, err := s.own(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if !s.validator.IsWithinDeleteWindow(msg.CreatedAt) {
		return apperr.New(apperr.Validation, "Messages can only be deleted within 15 minutes of sending")
	}
	err = s.messages.SoftDelete(ctx, messageID, userID, s.validator.DeleteCutoff())
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.Validation, "Messages can only be deleted within 15 minutes of sending")
	}
	if err != nil {
		return storeError(err, "delete failed")
	}
	return nil
}

func (s *MessageService) conversation(ctx context.Context, userID, conversationID string) (models.ConversationKey, error) {
	if err := s.validator.ValidateUUID(conversationID); err != nil {
		return models.ConversationKey{}, err
	}
	ck, err := s.convs.ConversationKey(ctx, conversationID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return ck, apperr.New(apperr.NotFound, "Conversation not found")
	}
	if err != nil {
		return ck, storeError(err, "conversation lookup failed")
	}
	return ck, nil
}

// message loads a message visible to userID. Messages of conversations the
// caller is not part of are reported as missing.
func (s *MessageService) message(ctx context.Context, userID, messageID string) (models.Message, error) {
	if err := s.validator.ValidateUUID(messageID); err != nil {
		return models.Message{}, err
	}
	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return msg, apperr.New(apperr.NotFound, "Message not found")
	}
	if err != nil {
		return msg, storeError(err, "message lookup failed")
	}
	ok, err := s.convs.IsParticipant(ctx, msg.ConversationID, userID)
	if err != nil {
		return models.Message{}, storeError(err, "participant lookup failed")
	}
	if !ok {
		return models.Message{}, apperr.New(apperr.NotFound, "Message not found")
	}
	return msg, nil
}

func (s *MessageService) own(ctx context.Context, userID, messageID string) (models.Message, error) {
	msg, err := s.message(ctx, userID, messageID)
	if err != nil {
		return msg, err
	}
	if msg.SenderID != userID {
		return models.Message{}, apperr.New(apperr.Forbidden, "You can only change your own messages")
	}
	if msg.Deleted {
		return models.Message{}, apperr.New(apperr.NotFound, "Message was deleted")
	}
	return msg, nil
}

func validatePayload(p models.EncryptedPayload) error {
	if p.Ciphertext == "" || len(p.Ciphertext) > MaxCiphertextLength {
		return apperr.New(apperr.Validation, "Invalid ciphertext")
	}
	if _, err := base64.StdEncoding.DecodeString(p.Ciphertext); err != nil {
		return apperr.Wrap(apperr.Validation, "Ciphertext must be base64", err)
	}
	iv, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil || len(iv) != ivSize {
		return apperr.Wrap(apperr.Validation, "IV must be 12 base64-encoded bytes", err)
	}
	if p.KeyVersion < 0 {
		return apperr.New(apperr.Validation, "Invalid key version")
	}
	return nil
}
