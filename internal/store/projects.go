package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/project"
)

const projectColumns = `id, user_id, name, slug, created_at`

// CreateProject creates a project named name for ownerID. The slug is
// derived from the name and must be unique for the owner.
func (s *Store) CreateProject(ctx context.Context, ownerID int64, name string) (*project.Project, error) {
	slug, err := project.NewSlug(name)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (user_id, name, slug, created_at)
		VALUES (?, ?, ?, ?)
	`, ownerID, name, slug, toMillis(s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nwerrors.NewAlreadyExistsError("project", slug).WithCause(nwerrors.ErrProjectExists)
		}
		if isForeignKeyViolation(err) {
			return nil, nwerrors.NewNotFoundError("user", strconv.FormatInt(ownerID, 10))
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	s.logger.Info("project created", "project_id", id, "slug", slug, "user_id", ownerID)
	return s.GetProjectByID(ctx, id)
}

// FindProject returns the owner's project with slug.
func (s *Store) FindProject(ctx context.Context, slug string, ownerID int64) (*project.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE slug = ? AND user_id = ?
	`, slug, ownerID), slug)
}

// GetProjectByID returns a project by id.
func (s *Store) GetProjectByID(ctx context.Context, id int64) (*project.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE id = ?
	`, id), strconv.FormatInt(id, 10))
}

// ListProjects returns the owner's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, ownerID int64) ([]*project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []*project.Project{}
	for rows.Next() {
		var p project.Project
		var created int64
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Slug, &created); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = fromMillis(created)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

func scanProject(row *sql.Row, key string) (*project.Project, error) {
	var p project.Project
	var created int64
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Slug, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nwerrors.NewNotFoundError("project", key).WithCause(nwerrors.ErrProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}
