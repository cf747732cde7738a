package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var convKeyColumns = []string{"conversation_id", "user_login", "peer_login", "encrypted_shared_secret", "key_version"}

func setupConversationMock(t *testing.T) (*PostgresConversationRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresConversationRepository(db), mock
}

func TestCreateConversation_OrdersPair(t *testing.T) {
	repo, mock := setupConversationMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO conversations (id, user_a, user_b)`)).
		WithArgs("c-new", "alice", "bob").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM conversations WHERE user_a = $1 AND user_b = $2`)).
		WithArgs("alice", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-existing"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO conversation_keys`)).
		WithArgs("c-existing", "bob", "alice").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversation_keys WHERE conversation_id = $1 AND user_login = $2`)).
		WithArgs("c-existing", "bob").
		WillReturnRows(sqlmock.NewRows(convKeyColumns).AddRow("c-existing", "bob", "alice", "", 2))
	mock.ExpectCommit()

	ck, err := repo.CreateConversation(context.Background(), "c-new", "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c-existing", ck.ConversationID)
	assert.Equal(t, "alice", ck.PeerID)
	assert.Equal(t, 2, ck.KeyVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationKey(t *testing.T) {
	repo, mock := setupConversationMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversation_keys`)).
		WithArgs("c1", "alice").
		WillReturnRows(sqlmock.NewRows(convKeyColumns).AddRow("c1", "alice", "bob", "iv.check", 1))

	ck, err := repo.ConversationKey(context.Background(), "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "iv.check", ck.EncryptedSharedSecret)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversation_keys`)).
		WithArgs("c1", "mallory").
		WillReturnError(sql.ErrNoRows)
	_, err = repo.ConversationKey(context.Background(), "c1", "mallory")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreKeyCheck(t *testing.T) {
	repo, mock := setupConversationMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET encrypted_shared_secret = $1`)).
		WithArgs("iv.check", "c1", 1).
		WillReturnResult(sqlmock.NewResult(0, 2))
	ok, err := repo.StoreKeyCheck(context.Background(), "c1", 1, "iv.check")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta(`SET encrypted_shared_secret = $1`)).
		WithArgs("iv.other", "c1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.StoreKeyCheck(context.Background(), "c1", 1, "iv.other")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsParticipant(t *testing.T) {
	repo, mock := setupConversationMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM conversation_keys`)).
		WithArgs("c1", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.IsParticipant(context.Background(), "c1", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
