package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/atinyakov/hammerchat/internal/models"
)

// PostgresMessageRepository is the message store. It only ever sees ciphertext.
type PostgresMessageRepository struct {
	DB *sql.DB
}

func NewPostgresMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{DB: db}
}

const messageColumns = `id, conversation_id, sender_login, encrypted_content, initialization_vector,
	key_version, sequence_number, deleted, edited, created_at, edited_at, delivered_at, read_at`

func scanMessage(row interface{ Scan(...any) error }) (models.Message, error) {
	var (
		m                          models.Message
		editedAt, delivered, readT sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.EncryptedContent, &m.InitializationVector,
		&m.KeyVersion, &m.SequenceNumber, &m.Deleted, &m.Edited, &m.CreatedAt, &editedAt, &delivered, &readT)
	if err != nil {
		return m, err
	}
	m.EditedAt = nullTime(editedAt)
	m.DeliveredAt = nullTime(delivered)
	m.ReadAt = nullTime(readT)
	return m, nil
}

// isUniqueViolation reports a concurrent insert of the same key.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// AppendMessage stores msg with the next sequence number of its conversation.
// Appending an id that already exists in the same conversation returns the
// stored message unchanged; in another conversation it is ErrConflict.
//
//	ctx: context for cancellation and deadlines
//	msg: ID, ConversationID, SenderID and the encrypted payload are used
func (s *PostgresMessageRepository) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, msg.ID))
	switch {
	case err == nil:
		if existing.ConversationID != msg.ConversationID || existing.SenderID != msg.SenderID {
			return models.Message{}, ErrConflict
		}
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return models.Message{}, fmt.Errorf("check message: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE conversations SET last_sequence = last_sequence + 1 WHERE id = $1 RETURNING last_sequence`,
		msg.ConversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("next sequence: %w", err)
	}

	stored, err := scanMessage(tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_login, encrypted_content, initialization_vector, key_version, sequence_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, msg.SenderID, msg.EncryptedContent, msg.InitializationVector, msg.KeyVersion, seq))
	if isUniqueViolation(err) {
		return models.Message{}, ErrConflict
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// ListMessages returns up to limit messages of a conversation with sequence
// number below before, newest first. before <= 0 starts at the newest.
func (s *PostgresMessageRepository) ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND ($2::bigint <= 0 OR sequence_number < $2)
		ORDER BY sequence_number DESC
		LIMIT $3`, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ListMessages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMessages: %w", err)
	}
	return msgs, nil
}

// GetMessage returns a message by id.
func (s *PostgresMessageRepository) GetMessage(ctx context.Context, id string) (models.Message, error) {
	m, err := scanMessage(s.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("GetMessage: %w", err)
	}
	return m, nil
}

// MarkRead records delivery and read time of a message for its recipient.
// Receipts already set are kept.
func (s *PostgresMessageRepository) MarkRead(ctx context.Context, id, readerID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages
		   SET delivered_at = COALESCE(delivered_at, $3),
		       read_at = COALESCE(read_at, $3)
		 WHERE id = $1 AND sender_login <> $2`, id, readerID, at)
	if err != nil {
		return fmt.Errorf("MarkRead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EditMessage replaces the payload of a live message sent by senderID no
// earlier than cutoff. ErrNotFound covers every guard that did not match.
func (s *PostgresMessageRepository) EditMessage(ctx context.Context, id, senderID string, p models.EncryptedPayload, cutoff, now time.Time) (models.Message, error) {
	m, err := scanMessage(s.DB.QueryRowContext(ctx, `
		UPDATE messages
		   SET encrypted_content = $1,
		       initialization_vector = $2,
		       key_version = $3,
		       edited = true,
		       edited_at = $4
		 WHERE id = $5
		   AND sender_login = $6
		   AND deleted = false
		   AND created_at >= $7
		RETURNING `+messageColumns,
		p.Ciphertext, p.IV, p.KeyVersion, now, id, senderID, cutoff))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("EditMessage: %w", err)
	}
	return m, nil
}

// SoftDelete marks a live message sent by senderID no earlier than cutoff as
// deleted and drops its ciphertext. ErrNotFound covers every guard that did not match.
func (s *PostgresMessageRepository) SoftDelete(ctx context.Context, id, senderID string, cutoff time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages
		   SET deleted = true,
		       encrypted_content = '',
		       initialization_vector = ''
		 WHERE id = $1
		   AND sender_login = $2
		   AND deleted = false
		   AND created_at >= $3`, id, senderID, cutoff)
	if err != nil {
		return fmt.Errorf("SoftDelete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
