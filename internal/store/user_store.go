package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/database"
	"taskpilot/internal/models"
)

// UserStore persists accounts for the local identity boundary
type UserStore struct {
	db database.DBTX
}

// NewUserStore creates a user store bound to db
func NewUserStore(db database.DBTX) *UserStore {
	return &UserStore{db: db}
}

// Create inserts a new account. Email is normalized to lower case.
func (s *UserStore) Create(ctx context.Context, email, name, passwordHash string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.Validation("email is required")
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperrors.Validation("email already registered")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetByEmail returns the account with this email
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getBy(ctx, `email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

// GetByID returns the account with this id
func (s *UserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	return s.getBy(ctx, `id = ?`, id)
}

func (s *UserStore) getBy(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, created_at, updated_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Name = name.String
	return &u, nil
}
