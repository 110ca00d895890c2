// Package worktree allocates isolated git working copies to tasks.
//
// Each worktree is keyed by a task key and protected by a lease of kind
// "worktree", so two processes sharing a repository never hand the same
// working copy to two tasks. Worktrees whose lease expired, or that have not
// been touched for a while, are reclaimed by Prune.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/audit"
	"github.com/fentz26/fleetd/internal/lease"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/store"
)

// Sentinel conflicts.
var (
	ErrBranchInUse = errors.New("branch already checked out by another worktree")
	ErrPathInUse   = errors.New("path already used by another worktree")
)

// Store is the worktree persistence. *store.Store implements it.
type Store interface {
	InsertWorktree(ctx context.Context, wt models.Worktree) error
	GetWorktree(ctx context.Context, key string) (*models.Worktree, error)
	GetWorktreeByBranch(ctx context.Context, branch string) (*models.Worktree, error)
	GetWorktreeByPath(ctx context.Context, path string) (*models.Worktree, error)
	ListWorktrees(ctx context.Context) ([]models.Worktree, error)
	TouchWorktree(ctx context.Context, key, owner string, at time.Time) error
	DeleteWorktree(ctx context.Context, key string) (bool, error)
}

// Options configures a Manager.
type Options struct {
	Root         string
	BranchPrefix string
	TTLMinutes   int
	StaleAfter   time.Duration
	Now          func() time.Time
	Audit        audit.Recorder
	Logger       *slog.Logger
}

// Manager hands out and reclaims worktrees.
type Manager struct {
	store      Store
	leases     *lease.Manager
	git        Git
	root       string
	prefix     string
	ttl        int
	staleAfter time.Duration
	now        func() time.Time
	audit      audit.Recorder
	logger     *slog.Logger
}

// New creates a Manager. leases must be bound to models.LeaseKindWorktree.
func New(st Store, leases *lease.Manager, git Git, opts Options) *Manager {
	m := &Manager{
		store:      st,
		leases:     leases,
		git:        git,
		root:       opts.Root,
		prefix:     opts.BranchPrefix,
		ttl:        opts.TTLMinutes,
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
		audit:      opts.Audit,
		logger:     logging.Component(opts.Logger, "worktree"),
	}
	if m.root == "" {
		m.root = filepath.Join(".cache", "worktrees")
	}
	if m.ttl <= 0 {
		m.ttl = 120
	}
	if m.staleAfter <= 0 {
		m.staleAfter = 6 * time.Hour
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	return m
}

// TTLMinutes is the lease length used for worktrees.
func (m *Manager) TTLMinutes() int { return m.ttl }

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// Sanitize turns a task key into a path and branch safe slug.
func Sanitize(key string) string {
	s := unsafeChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(key)), "-")
	s = strings.Trim(s, "-.")
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "-.")
	}
	return s
}

// AcquireRequest asks for a worktree for one task.
type AcquireRequest struct {
	Key        string
	Branch     string
	BaseBranch string
	Owner      string
}

// Acquire returns the worktree for req.Key, creating it when needed. The
// caller holds the worktree lease until Release or expiry. Acquiring a key
// already held by the same owner touches it.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*models.Worktree, error) {
	key := strings.TrimSpace(req.Key)
	owner := strings.TrimSpace(req.Owner)
	slug := Sanitize(key)
	if key == "" || slug == "" {
		return nil, apperr.Validation("acquire worktree", key, "task key is required")
	}
	if owner == "" {
		return nil, apperr.Validation("acquire worktree", key, "owner is required")
	}

	existing, err := m.store.GetWorktree(ctx, key)
	if err != nil {
		return nil, err
	}

	l, err := m.leases.Claim(ctx, lease.ClaimRequest{ResourceID: key, Owner: owner, TTLMinutes: m.ttl, Note: "worktree"})
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()

	if existing != nil {
		if err := m.store.TouchWorktree(ctx, key, owner, now); err != nil {
			return nil, err
		}
		existing.Owner = owner
		existing.LastTouchedAt = now
		existing.Lease = l
		return existing, nil
	}

	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = m.prefix + slug
	}
	path := filepath.Join(m.root, slug)

	if other, err := m.store.GetWorktreeByBranch(ctx, branch); err != nil {
		return nil, m.abandon(ctx, key, owner, err)
	} else if other != nil {
		return nil, m.abandon(ctx, key, owner, apperr.Conflict("acquire worktree", key, fmt.Errorf("%w: %s held by %s", ErrBranchInUse, branch, other.Key)))
	}
	if other, err := m.store.GetWorktreeByPath(ctx, path); err != nil {
		return nil, m.abandon(ctx, key, owner, err)
	} else if other != nil {
		return nil, m.abandon(ctx, key, owner, apperr.Conflict("acquire worktree", key, fmt.Errorf("%w: %s held by %s", ErrPathInUse, path, other.Key)))
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, m.abandon(ctx, key, owner, fmt.Errorf("create worktree root: %w", err))
	}
	if err := m.git.AddWorktree(ctx, path, branch, req.BaseBranch); err != nil {
		return nil, m.abandon(ctx, key, owner, apperr.Unavailable("acquire worktree", key, err))
	}

	wt := models.Worktree{Key: key, Branch: branch, Path: path, Owner: owner, CreatedAt: now, LastTouchedAt: now}
	if err := m.store.InsertWorktree(ctx, wt); err != nil {
		if rmErr := m.git.RemoveWorktree(ctx, path); rmErr != nil {
			m.logger.Warn("rollback worktree failed", "key", key, "error", rmErr)
		}
		if errors.Is(err, store.ErrDuplicate) {
			err = apperr.Conflict("acquire worktree", key, err)
		}
		return nil, m.abandon(ctx, key, owner, err)
	}

	m.audit.Record(ctx, "worktree.acquire", req, audit.OutcomeSuccess, key, path)
	m.logger.Info("worktree acquired", "key", key, "branch", branch, "path", path, "owner", owner)
	wt.Lease = l
	return &wt, nil
}

// abandon releases the lease taken by a failed Acquire and returns cause.
func (m *Manager) abandon(ctx context.Context, key, owner string, cause error) error {
	if _, err := m.leases.Release(ctx, lease.ReleaseRequest{ResourceID: key, Owner: owner, Reason: "acquire failed"}); err != nil {
		m.logger.Warn("release after failed acquire", "key", key, "error", err)
	}
	return cause
}

// Touch renews the worktree lease and records activity.
func (m *Manager) Touch(ctx context.Context, key, owner string) (*models.Worktree, error) {
	wt, err := m.store.GetWorktree(ctx, key)
	if err != nil {
		return nil, err
	}
	if wt == nil {
		return nil, apperr.NotFound("touch worktree", key)
	}
	l, err := m.leases.Renew(ctx, lease.RenewRequest{ResourceID: key, Owner: owner, TTLMinutes: m.ttl})
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := m.store.TouchWorktree(ctx, key, owner, now); err != nil {
		return nil, err
	}
	wt.Owner = owner
	wt.LastTouchedAt = now
	wt.Lease = l
	return wt, nil
}

// ListActive returns every recorded worktree with its current lease.
func (m *Manager) ListActive(ctx context.Context) ([]models.Worktree, error) {
	leases, err := m.leases.List(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]models.Lease, len(leases))
	for _, l := range leases {
		byKey[l.ResourceID] = l
	}
	wts, err := m.store.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	for i := range wts {
		if l, ok := byKey[wts[i].Key]; ok {
			l := l
			wts[i].Lease = &l
		}
	}
	return wts, nil
}

// Stats summarizes worktree health.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Stale   int `json:"stale"`
}

// Stats counts worktrees by lease state and staleness.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	wts, err := m.ListActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := m.now().UTC()
	var s Stats
	for _, wt := range wts {
		s.Total++
		if wt.Lease.IsActive(now) {
			s.Active++
		} else {
			s.Expired++
		}
		if m.isStale(wt, now) {
			s.Stale++
		}
	}
	return s, nil
}

func (m *Manager) isStale(wt models.Worktree, now time.Time) bool {
	return now.Sub(wt.LastTouchedAt) > m.staleAfter
}

// PruneOptions controls Prune.
type PruneOptions struct {
	Actor string
}

// PruneError is a per-worktree cleanup failure.
type PruneError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// PruneResult reports what Prune did.
type PruneResult struct {
	Scanned int          `json:"scanned"`
	Pruned  []string     `json:"pruned"`
	Errors  []PruneError `json:"errors,omitempty"`
}

// Prune reclaims worktrees whose lease is no longer active or that went
// stale. A failed cleanup is reported in the result and does not stop the
// batch; the row is kept so the next prune retries it.
func (m *Manager) Prune(ctx context.Context, opts PruneOptions) (*PruneResult, error) {
	wts, err := m.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	res := &PruneResult{Scanned: len(wts), Pruned: []string{}}
	for _, wt := range wts {
		if wt.Lease.IsActive(now) && !m.isStale(wt, now) {
			continue
		}
		if err := m.destroy(ctx, wt, "pruned"); err != nil {
			res.Errors = append(res.Errors, PruneError{Key: wt.Key, Error: err.Error()})
			continue
		}
		res.Pruned = append(res.Pruned, wt.Key)
	}
	if len(res.Pruned) > 0 {
		if err := m.git.PruneWorktrees(ctx); err != nil {
			m.logger.Warn("git worktree prune failed", "error", err)
		}
	}

	outcome := audit.OutcomeSuccess
	if len(res.Errors) > 0 {
		outcome = audit.OutcomeFailed
	}
	m.audit.Record(ctx, "worktree.prune", opts, outcome, "",
		fmt.Sprintf("actor=%s scanned=%d pruned=%d errors=%d", opts.Actor, res.Scanned, len(res.Pruned), len(res.Errors)))
	if len(res.Pruned) > 0 || len(res.Errors) > 0 {
		m.logger.Info("worktrees pruned", "actor", opts.Actor, "pruned", res.Pruned, "errors", len(res.Errors))
	}
	return res, nil
}

// Release destroys the worktree for key. It returns true the first time and
// false, without error, once the worktree is gone.
func (m *Manager) Release(ctx context.Context, key string) (bool, error) {
	wt, err := m.store.GetWorktree(ctx, key)
	if err != nil || wt == nil {
		return false, err
	}
	if err := m.destroy(ctx, *wt, "released"); err != nil {
		return false, err
	}
	m.logger.Info("worktree released", "key", key, "branch", wt.Branch)
	return true, nil
}

// ReleaseByBranch is Release for the worktree checked out on branch.
func (m *Manager) ReleaseByBranch(ctx context.Context, branch string) (bool, error) {
	wt, err := m.store.GetWorktreeByBranch(ctx, branch)
	if err != nil || wt == nil {
		return false, err
	}
	return m.Release(ctx, wt.Key)
}

// destroy removes the working copy, its branch, its row and its lease, in
// that order. Only a working copy that cannot be removed at all is an error.
func (m *Manager) destroy(ctx context.Context, wt models.Worktree, reason string) error {
	if err := m.git.RemoveWorktree(ctx, wt.Path); err != nil {
		m.logger.Warn("git worktree remove failed, removing directory", "key", wt.Key, "error", err)
		if rmErr := os.RemoveAll(wt.Path); rmErr != nil {
			return fmt.Errorf("remove %s: %w", wt.Path, errors.Join(err, rmErr))
		}
		if err := m.git.PruneWorktrees(ctx); err != nil {
			m.logger.Warn("git worktree prune failed", "error", err)
		}
	}
	if err := m.git.DeleteBranch(ctx, wt.Branch); err != nil {
		m.logger.Warn("delete branch failed", "branch", wt.Branch, "error", err)
	}
	if _, err := m.store.DeleteWorktree(ctx, wt.Key); err != nil {
		return err
	}
	if _, err := m.leases.Release(ctx, lease.ReleaseRequest{ResourceID: wt.Key, Force: true, Reason: reason}); err != nil {
		m.logger.Warn("release worktree lease failed", "key", wt.Key, "error", err)
	}
	return nil
}
