package store

import (
	"context"
	"fmt"
	"time"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a project's chat history.
type Message struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Engine    string    `json:"engine,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddMessage appends a message to a project's conversation.
func (s *Store) AddMessage(ctx context.Context, projectID int64, role, content, engine string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, nwerrors.NewValidationError("unknown message role").WithField("role").WithValue(role)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (project_id, role, content, engine, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, projectID, role, content, engine, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &Message{
		ID:        id,
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		Engine:    engine,
		CreatedAt: fromMillis(toMillis(now)),
	}, nil
}

// ListMessages returns up to limit of a project's most recent messages in
// chronological order.
func (s *Store) ListMessages(ctx context.Context, projectID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, role, content, engine, created_at FROM (
			SELECT * FROM conversations WHERE project_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Content, &m.Engine, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
