package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/hammerchat/internal/models"
)

// PostgresKeyRepository is the public key directory.
type PostgresKeyRepository struct {
	DB *sql.DB
}

func NewPostgresKeyRepository(db *sql.DB) *PostgresKeyRepository {
	return &PostgresKeyRepository{DB: db}
}

const keyColumns = `id, user_login, public_key, device_id, created_at, expires_at, revoked`

func scanKey(row interface{ Scan(...any) error }) (models.UserEncryptionKey, error) {
	var (
		k       models.UserEncryptionKey
		expires sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.UserID, &k.PublicKey, &k.DeviceID, &k.CreatedAt, &expires, &k.Revoked); err != nil {
		return k, err
	}
	if expires.Valid {
		k.ExpiresAt = expires.Time
	}
	return k, nil
}

// ActiveKey returns the user's current, non-revoked public key.
//
//	ctx:    context for cancellation and deadlines
//	userID: owner of the key
//
// Returns ErrNotFound when the user has not published a key.
func (s *PostgresKeyRepository) ActiveKey(ctx context.Context, userID string) (models.UserEncryptionKey, error) {
	k, err := scanKey(s.DB.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM user_encryption_keys WHERE user_login = $1 AND revoked = false`,
		userID))
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, fmt.Errorf("ActiveKey: %w", err)
	}
	return k, nil
}

// RotateKey publishes publicKey as the user's active key. Publishing the key
// that is already active changes nothing. Otherwise the previous key is
// revoked and, if there was one, the key version of every conversation the
// user takes part in is incremented and its key-check value cleared.
//
//	ctx:       context for cancellation and deadlines
//	userID:    owner of the key
//	publicKey: JWK of the new key
//	deviceID:  publishing device
//	expiresAt: optional expiry, zero for none
//
// Returns the active key and whether a rotation happened.
func (s *PostgresKeyRepository) RotateKey(ctx context.Context, userID, publicKey, deviceID string, expiresAt time.Time) (models.UserEncryptionKey, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.UserEncryptionKey{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := scanKey(tx.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM user_encryption_keys WHERE user_login = $1 AND revoked = false FOR UPDATE`,
		userID))
	hadKey := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.UserEncryptionKey{}, false, fmt.Errorf("select active key: %w", err)
	}
	if hadKey && current.PublicKey == publicKey {
		return current, false, nil
	}

	if hadKey {
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_encryption_keys SET revoked = true WHERE id = $1`, current.ID); err != nil {
			return models.UserEncryptionKey{}, false, fmt.Errorf("revoke key: %w", err)
		}
	}

	var expires sql.NullTime
	if !expiresAt.IsZero() {
		expires = sql.NullTime{Time: expiresAt, Valid: true}
	}
	k, err := scanKey(tx.QueryRowContext(ctx, `
		INSERT INTO user_encryption_keys (user_login, public_key, device_id, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+keyColumns,
		userID, publicKey, deviceID, expires))
	if err != nil {
		return models.UserEncryptionKey{}, false, fmt.Errorf("insert key: %w", err)
	}

	if hadKey {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_keys
			   SET key_version = key_version + 1,
			       encrypted_shared_secret = ''
			 WHERE conversation_id IN (
			       SELECT conversation_id FROM conversation_keys WHERE user_login = $1
			 )`, userID); err != nil {
			return models.UserEncryptionKey{}, false, fmt.Errorf("bump key versions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.UserEncryptionKey{}, false, fmt.Errorf("commit: %w", err)
	}
	return k, hadKey, nil
}
