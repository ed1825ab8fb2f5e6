package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
}

type SignupRequest struct {
	Username string `json:"username" validate:"required,printascii,excludesall=/\\,ne=.,ne=..,max=64"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=72"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AuthService struct {
	users      UserStore
	tokens     *TokenIssuer
	validate   *validator.Validate
	bcryptCost int
}

func NewAuthService(users UserStore, tokens *TokenIssuer) *AuthService {
	return &AuthService{
		users:      users,
		tokens:     tokens,
		validate:   validator.New(),
		bcryptCost: bcrypt.DefaultCost,
	}
}

// Signup creates a user and returns its username.
func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		authAttemptsTotal.WithLabelValues("signup", "rejected").Inc()
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	_, err := s.users.GetUserByUsername(ctx, req.Username)
	switch {
	case err == nil:
		authAttemptsTotal.WithLabelValues("signup", "conflict").Inc()
		return "", fmt.Errorf("user %q: %w", req.Username, ErrConflict)
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	// The unique constraint still catches a signup racing this one.
	if _, err := s.users.CreateUser(ctx, req.Username, req.Email, string(hash)); err != nil {
		if errors.Is(err, ErrConflict) {
			authAttemptsTotal.WithLabelValues("signup", "conflict").Inc()
		}
		return "", err
	}

	authAttemptsTotal.WithLabelValues("signup", "success").Inc()
	slog.Info("User signed up", "username", req.Username)

	return req.Username, nil
}

func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*Token, error) {
	if err := s.validate.Struct(req); err != nil {
		authAttemptsTotal.WithLabelValues("login", "rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	user, err := s.users.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, ErrNotFound) {
		authAttemptsTotal.WithLabelValues("login", "failure").Inc()
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	if !verifyPassword(req.Password, user.PasswordHash) {
		authAttemptsTotal.WithLabelValues("login", "failure").Inc()
		return nil, ErrUnauthorized
	}

	token, err := s.tokens.NewTokenPair(user.Username)
	if err != nil {
		return nil, err
	}

	authAttemptsTotal.WithLabelValues("login", "success").Inc()

	return token, nil
}

// Refresh mints a new access token for the subject of a valid refresh token.
func (s *AuthService) Refresh(refreshToken string) (username, accessToken string, err error) {
	claims, err := s.tokens.Verify(refreshToken, tokenTypeRefresh)
	if err != nil {
		authAttemptsTotal.WithLabelValues("refresh", "failure").Inc()
		return "", "", err
	}

	accessToken, err = s.tokens.NewAccessToken(claims.Subject)
	if err != nil {
		return "", "", err
	}

	authAttemptsTotal.WithLabelValues("refresh", "success").Inc()

	return claims.Subject, accessToken, nil
}

func (s *AuthService) Authenticate(accessToken string) (*Claims, error) {
	return s.tokens.Verify(accessToken, tokenTypeAccess)
}

func verifyPassword(pwd, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pwd))
	return err == nil
}
