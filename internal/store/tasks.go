package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskBlocked    = "blocked"
)

var taskStatuses = []string{TaskPending, TaskInProgress, TaskDone, TaskBlocked}

// Task is a unit of planned work in a project, optionally claimed by a session.
type Task struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	SessionID *int64    `json:"session_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase"`
	OrderNum  int       `json:"order_num"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTask appends a task to the end of the project's task list.
func (s *Store) CreateTask(ctx context.Context, projectID int64, title, phase string) (*Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, nwerrors.NewValidationError("title is required").WithField("title")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (project_id, title, status, phase, order_num, created_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(order_num), 0) + 1 FROM tasks WHERE project_id = ?), ?)
	`, projectID, title, TaskPending, phase, projectID, toMillis(s.now()))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, nwerrors.NewNotFoundError("project", strconv.FormatInt(projectID, 10)).
				WithCause(nwerrors.ErrProjectNotFound)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, title, status, phase, order_num, created_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nwerrors.NewNotFoundError("task", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a project's tasks in order.
func (s *Store) ListTasks(ctx context.Context, projectID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, title, status, phase, order_num, created_at
		FROM tasks WHERE project_id = ? ORDER BY order_num, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus sets a task's status and, when sessionID is non-nil,
// the session working on it.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status string, sessionID *int64) (*Task, error) {
	if !slices.Contains(taskStatuses, status) {
		return nil, nwerrors.NewValidationError("unknown task status").WithField("status").WithValue(status)
	}

	var sid sql.NullInt64
	if sessionID != nil {
		sid = sql.NullInt64{Int64: *sessionID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, session_id = COALESCE(?, session_id) WHERE id = ?
	`, status, sid, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, nwerrors.NewNotFoundError("session", strconv.FormatInt(*sessionID, 10)).
				WithCause(nwerrors.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nwerrors.NewNotFoundError("task", strconv.FormatInt(id, 10))
	}
	return s.GetTask(ctx, id)
}

func scanTask(row scanner) (*Task, error) {
	var (
		t       Task
		sid     sql.NullInt64
		created int64
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &sid, &t.Title, &t.Status, &t.Phase, &t.OrderNum, &created); err != nil {
		return nil, err
	}
	if sid.Valid {
		v := sid.Int64
		t.SessionID = &v
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}
