// Package db bootstraps the relay's PostgreSQL database and runs its
// background maintenance.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Schema holds ciphertext only: no column ever stores a private key, a shared
// secret or message plaintext.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    login TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_encryption_keys (
    id BIGSERIAL PRIMARY KEY,
    user_login TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
    public_key TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ,
    revoked BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS user_encryption_keys_one_active
    ON user_encryption_keys (user_login) WHERE revoked = false;

CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY,
    user_a TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
    user_b TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
    last_sequence BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_a, user_b),
    CHECK (user_a < user_b)
);

CREATE TABLE IF NOT EXISTS conversation_keys (
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    user_login TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
    peer_login TEXT NOT NULL,
    encrypted_shared_secret TEXT NOT NULL DEFAULT '',
    key_version INT NOT NULL DEFAULT 1,
    PRIMARY KEY (conversation_id, user_login)
);

CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    sender_login TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
    encrypted_content TEXT NOT NULL,
    initialization_vector TEXT NOT NULL,
    key_version INT NOT NULL,
    sequence_number BIGINT NOT NULL,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    edited BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    edited_at TIMESTAMPTZ,
    delivered_at TIMESTAMPTZ,
    read_at TIMESTAMPTZ,
    UNIQUE (conversation_id, sequence_number)
);
`

// InitPostgres opens the database, checks the connection and applies the schema.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies Schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
