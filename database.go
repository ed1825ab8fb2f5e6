package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"golang.org/x/exp/slog"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type PostgreSQLDatabase struct {
	db *sql.DB
}

func NewPostgreSQLDatabase(connStr string) (*PostgreSQLDatabase, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	pg := &PostgreSQLDatabase{db: db}
	if err := pg.db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("Database pinged")

	if err := pg.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	slog.Info("Database schema is up to date")

	return pg, nil
}

func (pg *PostgreSQLDatabase) migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.Up(pg.db, "migrations")
}

func (pg *PostgreSQLDatabase) Close() error {
	return pg.db.Close()
}

func (pg *PostgreSQLDatabase) CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error) {
	const createUser = `
	INSERT INTO users (username, email, password_hash)
	VALUES($1, $2, $3)
	RETURNING id
	`

	row := pg.db.QueryRowContext(ctx, createUser, username, email, passwordHash)
	var id int64
	if err := row.Scan(&id); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, fmt.Errorf("user %q: %w", username, ErrConflict)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	return id, nil
}

func (pg *PostgreSQLDatabase) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const getUserByUsername = `
	SELECT
		id,
		username,
		email,
		password_hash,
		created_at
	FROM users
	WHERE username = $1
	`

	row := pg.db.QueryRowContext(ctx, getUserByUsername, username)
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}
