package main

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDatabaseWithMock(t *testing.T) (*PostgreSQLDatabase, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &PostgreSQLDatabase{db: db}, mock
}

func TestPostgreSQLDatabase_CreateUser(t *testing.T) {
	pg, mock := newDatabaseWithMock(t)

	mock.ExpectQuery(`INSERT INTO users \(username, email, password_hash\)`).
		WithArgs("alice", "a@x.com", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := pg.CreateUser(context.Background(), "alice", "a@x.com", "hash")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLDatabase_CreateUserDuplicate(t *testing.T) {
	pg, mock := newDatabaseWithMock(t)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("alice", "a@x.com", "hash").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := pg.CreateUser(context.Background(), "alice", "a@x.com", "hash")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgreSQLDatabase_CreateUserError(t *testing.T) {
	pg, mock := newDatabaseWithMock(t)

	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(errors.New("db down"))

	_, err := pg.CreateUser(context.Background(), "alice", "a@x.com", "hash")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "db down")
}

func TestPostgreSQLDatabase_GetUserByUsername(t *testing.T) {
	pg, mock := newDatabaseWithMock(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM users\s+WHERE username = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "created_at"}).
			AddRow(int64(7), "alice", "a@x.com", "hash", created))

	u, err := pg.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, User{ID: 7, Username: "alice", Email: "a@x.com", PasswordHash: "hash", CreatedAt: created}, u)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLDatabase_GetUserByUsernameNotFound(t *testing.T) {
	pg, mock := newDatabaseWithMock(t)

	mock.ExpectQuery(`FROM users`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := pg.GetUserByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
