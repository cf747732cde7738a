package service

import (
	"context"
	"time"

	"github.com/atinyakov/hammerchat/internal/models"
)

type mockKeyRepo struct {
	ActiveKeyFunc func(ctx context.Context, userID string) (models.UserEncryptionKey, error)
	RotateKeyFunc func(ctx context.Context, userID, publicKey, deviceID string, expiresAt time.Time) (models.UserEncryptionKey, bool, error)
}

func (m *mockKeyRepo) ActiveKey(ctx context.Context, userID string) (models.UserEncryptionKey, error) {
	return m.ActiveKeyFunc(ctx, userID)
}
func (m *mockKeyRepo) RotateKey(ctx context.Context, userID, publicKey, deviceID string, expiresAt time.Time) (models.UserEncryptionKey, bool, error) {
	return m.RotateKeyFunc(ctx, userID, publicKey, deviceID, expiresAt)
}

type mockConvRepo struct {
	CreateConversationFunc func(ctx context.Context, id, userID, peerID string) (models.ConversationKey, error)
	ConversationKeyFunc    func(ctx context.Context, conversationID, userID string) (models.ConversationKey, error)
	StoreKeyCheckFunc      func(ctx context.Context, conversationID string, keyVersion int, value string) (bool, error)
	IsParticipantFunc      func(ctx context.Context, conversationID, userID string) (bool, error)
}

func (m *mockConvRepo) CreateConversation(ctx context.Context, id, userID, peerID string) (models.ConversationKey, error) {
	return m.CreateConversationFunc(ctx, id, userID, peerID)
}
func (m *mockConvRepo) ConversationKey(ctx context.Context, conversationID, userID string) (models.ConversationKey, error) {
	return m.ConversationKeyFunc(ctx, conversationID, userID)
}
func (m *mockConvRepo) StoreKeyCheck(ctx context.Context, conversationID string, keyVersion int, value string) (bool, error) {
	return m.StoreKeyCheckFunc(ctx, conversationID, keyVersion, value)
}
func (m *mockConvRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return m.IsParticipantFunc(ctx, conversationID, userID)
}

type mockMsgRepo struct {
	AppendMessageFunc func(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessagesFunc  func(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error)
	GetMessageFunc    func(ctx context.Context, id string) (models.Message, error)
	MarkReadFunc      func(ctx context.Context, id, readerID string, at time.Time) error
	EditMessageFunc   func(ctx context.Context, id, senderID string, p models.EncryptedPayload, cutoff, now time.Time) (models.Message, error)
	SoftDeleteFunc    func(ctx context.Context, id, senderID string, cutoff time.Time) error
}

func (m *mockMsgRepo) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	return m.AppendMessageFunc(ctx, msg)
}
func (m *mockMsgRepo) ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	return m.ListMessagesFunc(ctx, conversationID, before, limit)
}
func (m *mockMsgRepo) GetMessage(ctx context.Context, id string) (models.Message, error) {
	return m.GetMessageFunc(ctx, id)
}
func (m *mockMsgRepo) MarkRead(ctx context.Context, id, readerID string, at time.Time) error {
	return m.MarkReadFunc(ctx, id, readerID, at)
}
func (m *mockMsgRepo) EditMessage(ctx context.Context, id, senderID string, p models.EncryptedPayload, cutoff, now time.Time) (models.Message, error) {
	return m.EditMessageFunc(ctx, id, senderID, p, cutoff, now)
}
func (m *mockMsgRepo) SoftDelete(ctx context.Context, id, senderID string, cutoff time.Time) error {
	return m.SoftDeleteFunc(ctx, id, senderID, cutoff)
}
