package lab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"labcopilot/internal/models"
)

// CreateProject registers a new workspace owned by the user.
func (s *Service) CreateProject(ctx context.Context, ownerID int64, name, workspace string) (*models.Project, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name is required")
	}
	workspace = strings.TrimSpace(workspace)
	if workspace == "" {
		workspace = models.DefaultWorkspace
	}

	project := &models.Project{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Workspace: workspace,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, name, workspace, archived, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		project.ID, project.OwnerID, project.Name, project.Workspace, project.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return project, nil
}

// GetProject fetches a project record by id.
func (s *Service) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, workspace, archived, created_at FROM projects WHERE id = ?`, projectID,
	)
	var p models.Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Workspace, &p.Archived, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query project: %w", err)
	}
	return &p, nil
}

// ProjectWorkspace reports the experiment workspace directory name of a
// project. Used by the file registry's path resolution.
func (s *Service) ProjectWorkspace(projectID string) (string, error) {
	p, err := s.GetProject(context.Background(), projectID)
	if err != nil {
		return "", err
	}
	return p.Workspace, nil
}

// ListProjects returns every project the user owns or collaborates on.
func (s *Service) ListProjects(ctx context.Context, userID int64) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT p.id, p.owner_id, p.name, p.workspace, p.archived, p.created_at
		 FROM projects p
		 LEFT JOIN project_members m ON m.project_id = p.id
		 WHERE p.owner_id = ? OR m.user_id = ?
		 ORDER BY p.created_at DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Workspace, &p.Archived, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ShareProject adds or updates a collaborator. Only the project owner or
// an admin may change shares; callers enforce that.
func (s *Service) ShareProject(ctx context.Context, projectID string, userID int64, readOnly bool) error {
	if userID <= 0 {
		return errors.New("user is required")
	}
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_members SET read_only = ? WHERE project_id = ? AND user_id = ?`,
		readOnly, projectID, userID,
	)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO project_members (project_id, user_id, read_only, created_at) VALUES (?, ?, ?, ?)`,
		projectID, userID, readOnly, now,
	); err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

// UnshareProject removes a collaborator.
func (s *Service) UnshareProject(ctx context.Context, projectID string, userID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	); err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}

// ArchiveProject freezes a project. Archived projects stay readable.
func (s *Service) ArchiveProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET archived = 1 WHERE id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("archive project: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
