package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/fleetd/internal/models"
)

// UpsertWorkspace registers a shared workspace. created_at is kept from the
// first registration.
func (s *Store) UpsertWorkspace(ctx context.Context, ws models.Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, provider, region, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			region = excluded.region`,
		ws.ID, ws.Name, ws.Provider, ws.Region, toMillis(ws.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns the workspace with id, or nil.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	var (
		ws      models.Workspace
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, provider, region, created_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &ws.Provider, &ws.Region, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query workspace: %w", err)
	}
	ws.CreatedAt = fromMillis(created)
	return &ws, nil
}

// ListWorkspaces returns every registered workspace ordered by id.
func (s *Store) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, provider, region, created_at FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		var (
			ws      models.Workspace
			created int64
		)
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Provider, &ws.Region, &created); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		ws.CreatedAt = fromMillis(created)
		out = append(out, ws)
	}
	return out, rows.Err()
}
