package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonhq/halcyon-backend/internal/models"
	"github.com/halcyonhq/halcyon-backend/pkg/utils"
)

// CredentialStore looks up and creates accounts in PostgreSQL. Password
// hashing is delegated to the argon2id utilities.
type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// FindByUsername returns the active account for a username, or (nil, nil)
// when none exists. Lookup is case-insensitive.
func (s *CredentialStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at, is_active
		FROM users WHERE LOWER(username) = $1 AND is_active = TRUE
	`, utils.NormalizeUsername(username)).Scan(
		&id, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	user.ID = id.String()
	return &user, nil
}

// Create inserts a new customer account with a hashed password.
func (s *CredentialStore) Create(ctx context.Context, username, password string) (*models.User, error) {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id := uuid.New()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
	`, id, utils.NormalizeUsername(username), hash, "customer", now)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &models.User{
		ID:           id.String(),
		Username:     utils.NormalizeUsername(username),
		Role:         "customer",
		CreatedAt:    now,
		IsActive:     true,
		PasswordHash: hash,
	}, nil
}

// VerifyPassword checks a plain password against the stored hash.
func (s *CredentialStore) VerifyPassword(plain, hash string) bool {
	ok, err := utils.VerifyPassword(plain, hash)
	return err == nil && ok
}
