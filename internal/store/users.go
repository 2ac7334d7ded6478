package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
)

// User is an authenticated principal. GitHubID is the identity provider's
// stable id; ID is local.
type User struct {
	ID        int64     `json:"id"`
	GitHubID  string    `json:"github_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// DevUser is the account used by the development login.
var DevUser = User{
	GitHubID: "test-123",
	Username: "test-user",
	Email:    "test@example.com",
	Role:     "user",
}

// UpsertUser inserts u or, when its GitHubID is known, refreshes the
// username and email. The stored record is returned.
func (s *Store) UpsertUser(ctx context.Context, u User) (*User, error) {
	if strings.TrimSpace(u.GitHubID) == "" {
		return nil, nwerrors.NewValidationError("github id is required").WithField("github_id")
	}
	if u.Role == "" {
		u.Role = "user"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (github_id, username, email, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(github_id) DO UPDATE SET username = excluded.username, email = excluded.email
	`, u.GitHubID, u.Username, u.Email, u.Role, toMillis(s.now()))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, github_id, username, COALESCE(email, ''), role, created_at
		FROM users WHERE github_id = ?
	`, u.GitHubID), u.GitHubID)
}

// GetUser returns a user by local id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, github_id, username, COALESCE(email, ''), role, created_at
		FROM users WHERE id = ?
	`, id), strconv.FormatInt(id, 10))
}

// EnsureDevUser creates the development account if needed and returns it.
func (s *Store) EnsureDevUser(ctx context.Context) (*User, error) {
	return s.UpsertUser(ctx, DevUser)
}

func (s *Store) scanUser(row *sql.Row, key string) (*User, error) {
	var u User
	var created int64
	err := row.Scan(&u.ID, &u.GitHubID, &u.Username, &u.Email, &u.Role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nwerrors.NewNotFoundError("user", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}
