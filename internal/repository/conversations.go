package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/hammerchat/internal/models"
)

// PostgresConversationRepository stores conversations and their per-participant
// key metadata.
type PostgresConversationRepository struct {
	DB *sql.DB
}

func NewPostgresConversationRepository(db *sql.DB) *PostgresConversationRepository {
	return &PostgresConversationRepository{DB: db}
}

const conversationKeyColumns = `conversation_id, user_login, peer_login, encrypted_shared_secret, key_version`

func scanConversationKey(row interface{ Scan(...any) error }) (models.ConversationKey, error) {
	var ck models.ConversationKey
	err := row.Scan(&ck.ConversationID, &ck.UserID, &ck.PeerID, &ck.EncryptedSharedSecret, &ck.KeyVersion)
	return ck, err
}

// CreateConversation returns the conversation between userID and peerID,
// creating it with id when there is none yet. Both participants get a key
// row at version 1.
//
//	ctx:    context for cancellation and deadlines
//	id:     id to use if the conversation is new
//	userID: caller
//	peerID: the other participant
//
// Returns the caller's ConversationKey.
func (s *PostgresConversationRepository) CreateConversation(ctx context.Context, id, userID, peerID string) (models.ConversationKey, error) {
	a, b := userID, peerID
	if b < a {
		a, b = b, a
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.ConversationKey{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_a, user_b) VALUES ($1, $2, $3) ON CONFLICT (user_a, user_b) DO NOTHING`,
		id, a, b); err != nil {
		return models.ConversationKey{}, fmt.Errorf("insert conversation: %w", err)
	}
	var convID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE user_a = $1 AND user_b = $2`, a, b).Scan(&convID); err != nil {
		return models.ConversationKey{}, fmt.Errorf("select conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_keys (conversation_id, user_login, peer_login)
		VALUES ($1, $2, $3), ($1, $3, $2)
		ON CONFLICT (conversation_id, user_login) DO NOTHING`,
		convID, userID, peerID); err != nil {
		return models.ConversationKey{}, fmt.Errorf("insert conversation keys: %w", err)
	}
	ck, err := scanConversationKey(tx.QueryRowContext(ctx,
		`SELECT `+conversationKeyColumns+` FROM conversation_keys WHERE conversation_id = $1 AND user_login = $2`,
		convID, userID))
	if err != nil {
		return models.ConversationKey{}, fmt.Errorf("select conversation key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.ConversationKey{}, fmt.Errorf("commit: %w", err)
	}
	return ck, nil
}

// ConversationKey returns userID's key metadata for a conversation, or
// ErrNotFound when userID does not take part in it.
func (s *PostgresConversationRepository) ConversationKey(ctx context.Context, conversationID, userID string) (models.ConversationKey, error) {
	ck, err := scanConversationKey(s.DB.QueryRowContext(ctx,
		`SELECT `+conversationKeyColumns+` FROM conversation_keys WHERE conversation_id = $1 AND user_login = $2`,
		conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ck, ErrNotFound
	}
	if err != nil {
		return ck, fmt.Errorf("ConversationKey: %w", err)
	}
	return ck, nil
}

// StoreKeyCheck sets the key-check value of keyVersion for every participant
// of the conversation. The first value written for a version wins; it
// reports false when nothing was written.
func (s *PostgresConversationRepository) StoreKeyCheck(ctx context.Context, conversationID string, keyVersion int, value string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE conversation_keys
		   SET encrypted_shared_secret = $1
		 WHERE conversation_id = $2
		   AND key_version = $3
		   AND encrypted_shared_secret = ''`,
		value, conversationID, keyVersion)
	if err != nil {
		return false, fmt.Errorf("StoreKeyCheck: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("StoreKeyCheck: %w", err)
	}
	return n > 0, nil
}

// IsParticipant reports whether userID takes part in the conversation.
func (s *PostgresConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_keys WHERE conversation_id = $1 AND user_login = $2)`,
		conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("IsParticipant: %w", err)
	}
	return ok, nil
}
