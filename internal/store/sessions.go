package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/session"
)

var _ session.Repository = (*Store)(nil)

const sessionColumns = `id, project_id, engine, status, pid, iterations, max_iterations, created_at, started_at, ended_at`

// CreateSession inserts s and sets its ID and CreatedAt.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if sess.MaxIterations <= 0 {
		return nwerrors.NewValidationError("max_iterations must be positive").
			WithField("max_iterations").
			WithValue(sess.MaxIterations)
	}
	if sess.Status == "" {
		sess.Status = session.StatusPending
	}
	now := s.now()

	var pid sql.NullInt64
	if sess.PID != nil {
		pid = sql.NullInt64{Int64: int64(*sess.PID), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (project_id, engine, status, pid, iterations, max_iterations, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ProjectID, sess.Engine, string(sess.Status), pid, sess.Iterations, sess.MaxIterations,
		toMillis(now), nullMillis(sess.StartedAt), nullMillis(sess.EndedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nwerrors.NewNotFoundError("project", strconv.FormatInt(sess.ProjectID, 10)).
				WithCause(nwerrors.ErrProjectNotFound)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	sess.ID = id
	sess.CreatedAt = fromMillis(toMillis(now))
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus writes the lifecycle fields of a transition.
func (s *Store) UpdateSessionStatus(ctx context.Context, id int64, u session.StatusUpdate) error {
	var pid sql.NullInt64
	if u.PID != nil {
		pid = sql.NullInt64{Int64: int64(*u.PID), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, pid = ?,
		    started_at = COALESCE(?, started_at),
		    ended_at = COALESCE(?, ended_at)
		WHERE id = ?
	`, string(u.Status), pid, nullMillis(u.StartedAt), nullMillis(u.EndedAt), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n == 0 {
		return sessionNotFound(id)
	}
	return nil
}

// IncrementIteration adds one iteration and returns the new count. The
// count never exceeds max_iterations.
func (s *Store) IncrementIteration(ctx context.Context, id int64) (int, error) {
	var iterations int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET iterations = iterations + 1
		WHERE id = ? AND iterations < max_iterations
		RETURNING iterations
	`, id).Scan(&iterations)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return 0, getErr
		}
		return 0, nwerrors.NewSessionError("iteration budget exhausted", nwerrors.ErrIterationLimit).
			WithSessionID(strconv.FormatInt(id, 10))
	}
	if err != nil {
		return 0, fmt.Errorf("increment iteration: %w", err)
	}
	return iterations, nil
}

// ListSessionsByStatus returns sessions in any of statuses, oldest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...session.Status) ([]*session.Session, error) {
	if len(statuses) == 0 {
		return []*session.Session{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
}

// ListSessionsByProject returns a project's sessions, newest first.
func (s *Store) ListSessionsByProject(ctx context.Context, projectID int64) ([]*session.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? ORDER BY id DESC`, projectID)
}

// ListSessions returns the most recent sessions across all projects.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY id DESC LIMIT ?`, limit)
}

// SessionOwner returns the user id owning the session's project.
func (s *Store) SessionOwner(ctx context.Context, id int64) (int64, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx, `
		SELECT p.user_id FROM sessions s JOIN projects p ON p.id = s.project_id WHERE s.id = ?
	`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sessionNotFound(id)
	}
	if err != nil {
		return 0, fmt.Errorf("get session owner: %w", err)
	}
	return owner, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*session.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess    session.Session
		status  string
		pid     sql.NullInt64
		created int64
		started sql.NullInt64
		ended   sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.ProjectID, &sess.Engine, &status, &pid,
		&sess.Iterations, &sess.MaxIterations, &created, &started, &ended); err != nil {
		return nil, err
	}

	st, err := session.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	sess.Status = st
	if pid.Valid {
		p := int(pid.Int64)
		sess.PID = &p
	}
	sess.CreatedAt = fromMillis(created)
	sess.StartedAt = timePtr(started)
	sess.EndedAt = timePtr(ended)
	return &sess, nil
}

func sessionNotFound(id int64) error {
	return nwerrors.NewNotFoundError("session", strconv.FormatInt(id, 10)).WithCause(nwerrors.ErrSessionNotFound)
}
