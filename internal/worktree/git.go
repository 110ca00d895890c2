package worktree

import (
	"context"
	"fmt"

	"github.com/fentz26/fleetd/internal/connectors"
)

// Git is the subset of git the manager drives.
type Git interface {
	AddWorktree(ctx context.Context, path, branch, base string) error
	RemoveWorktree(ctx context.Context, path string) error
	DeleteBranch(ctx context.Context, branch string) error
	PruneWorktrees(ctx context.Context) error
}

// GitCLI runs git through a command connector rooted at the repository.
type GitCLI struct {
	conn connectors.Connector
}

// NewGitCLI creates a GitCLI. conn must run commands in the repository root.
func NewGitCLI(conn connectors.Connector) *GitCLI {
	return &GitCLI{conn: conn}
}

func (g *GitCLI) run(ctx context.Context, args ...string) error {
	res, err := g.conn.Execute(ctx, "git", args)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("git %s: exit %d: %s", args[0], res.ExitCode, res.Output())
	}
	return nil
}

// AddWorktree creates path on a new branch, optionally starting from base.
func (g *GitCLI) AddWorktree(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	if err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path.
func (g *GitCLI) RemoveWorktree(ctx context.Context, path string) error {
	if err := g.run(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (g *GitCLI) DeleteBranch(ctx context.Context, branch string) error {
	if err := g.run(ctx, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}
	return nil
}

// PruneWorktrees drops administrative entries for worktrees that no longer exist.
func (g *GitCLI) PruneWorktrees(ctx context.Context) error {
	return g.run(ctx, "worktree", "prune")
}
