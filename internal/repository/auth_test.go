package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userExistsQuery = `SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`
	insertUserQuery = `INSERT INTO users (login) VALUES ($1) ON CONFLICT DO NOTHING`
)

func setupUserMock(t *testing.T) (*PostgresAuthRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresAuthRepository(db), mock
}

func TestUserExists(t *testing.T) {
	tests := []struct {
		name    string
		login   string
		rows    *sqlmock.Rows
		dbErr   error
		want    bool
		wantErr bool
	}{
		{name: "registered", login: "alice", rows: sqlmock.NewRows([]string{"exists"}).AddRow(true), want: true},
		{name: "unknown peer", login: "mallory", rows: sqlmock.NewRows([]string{"exists"}).AddRow(false)},
		{name: "connection lost", login: "bob", dbErr: errors.New("connection reset"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := setupUserMock(t)
			q := mock.ExpectQuery(regexp.QuoteMeta(userExistsQuery)).WithArgs(tt.login)
			if tt.dbErr != nil {
				q.WillReturnError(tt.dbErr)
			} else {
				q.WillReturnRows(tt.rows)
			}

			got, err := repo.UserExists(context.Background(), tt.login)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.dbErr)
				assert.Contains(t, err.Error(), "UserExists")
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRegisterUser(t *testing.T) {
	tests := []struct {
		name    string
		result  driver.Result
		dbErr   error
		wantErr error
	}{
		{name: "new login", result: sqlmock.NewResult(1, 1)},
		{name: "login taken", result: sqlmock.NewResult(0, 0), wantErr: ErrConflict},
		{name: "insert fails", dbErr: errors.New("insert failed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := setupUserMock(t)
			e := mock.ExpectExec(regexp.QuoteMeta(insertUserQuery)).WithArgs("carol")
			if tt.dbErr != nil {
				e.WillReturnError(tt.dbErr)
			} else {
				e.WillReturnResult(tt.result)
			}

			err := repo.RegisterUser(context.Background(), "carol")
			switch {
			case tt.dbErr != nil:
				assert.ErrorIs(t, err, tt.dbErr)
				assert.NotErrorIs(t, err, ErrConflict)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
