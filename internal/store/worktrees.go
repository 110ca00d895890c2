package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/fleetd/internal/models"
)

const worktreeColumns = `key, branch, path, owner, created_at, last_touched_at`

func scanWorktree(row rowScanner) (*models.Worktree, error) {
	var (
		wt               models.Worktree
		created, touched int64
	)
	if err := row.Scan(&wt.Key, &wt.Branch, &wt.Path, &wt.Owner, &created, &touched); err != nil {
		return nil, err
	}
	wt.CreatedAt = fromMillis(created)
	wt.LastTouchedAt = fromMillis(touched)
	return &wt, nil
}

// InsertWorktree records a new worktree. A key, branch or path collision
// returns ErrDuplicate.
func (s *Store) InsertWorktree(ctx context.Context, wt models.Worktree) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (`+worktreeColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		wt.Key, wt.Branch, wt.Path, wt.Owner, toMillis(wt.CreatedAt), toMillis(wt.LastTouchedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert worktree %s: %w", wt.Key, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert worktree: %w", err)
	}
	return nil
}

// GetWorktree returns the worktree for key, or nil.
func (s *Store) GetWorktree(ctx context.Context, key string) (*models.Worktree, error) {
	return s.getWorktreeBy(ctx, "key", key)
}

// GetWorktreeByBranch returns the worktree checked out on branch, or nil.
func (s *Store) GetWorktreeByBranch(ctx context.Context, branch string) (*models.Worktree, error) {
	return s.getWorktreeBy(ctx, "branch", branch)
}

// GetWorktreeByPath returns the worktree at path, or nil.
func (s *Store) GetWorktreeByPath(ctx context.Context, path string) (*models.Worktree, error) {
	return s.getWorktreeBy(ctx, "path", path)
}

func (s *Store) getWorktreeBy(ctx context.Context, column, value string) (*models.Worktree, error) {
	wt, err := scanWorktree(s.db.QueryRowContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE `+column+` = ?`, value))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query worktree: %w", err)
	}
	return wt, nil
}

// ListWorktrees returns every recorded worktree ordered by key.
func (s *Store) ListWorktrees(ctx context.Context) ([]models.Worktree, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query worktrees: %w", err)
	}
	defer rows.Close()

	var out []models.Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		out = append(out, *wt)
	}
	return out, rows.Err()
}

// TouchWorktree updates last_touched_at and the owner.
func (s *Store) TouchWorktree(ctx context.Context, key, owner string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET last_touched_at = ?, owner = ? WHERE key = ?`, toMillis(at), owner, key)
	if err != nil {
		return fmt.Errorf("touch worktree: %w", err)
	}
	return nil
}

// DeleteWorktree removes the row for key. It reports whether a row existed.
func (s *Store) DeleteWorktree(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete worktree: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}
