// Package lease implements time-boxed exclusive claims on shared resources.
//
// A Manager is bound to one resource kind. All mutations are single
// read-modify-write transactions on the (kind, resource id) row, so two
// processes claiming the same resource are serialized by the database and at
// most one of them gets an active lease. Expiry is lazy: every read path
// sweeps leases whose expiry has passed before returning.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/audit"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/store"
)

// Sentinel errors for lease operations. They are wrapped in *apperr.Error.
var (
	ErrAlreadyLeased = errors.New("resource already leased")
	ErrNoActiveLease = errors.New("no active lease")
	ErrNotOwner      = errors.New("not the lease owner")
)

// Default TTL bounds in minutes.
const (
	DefaultTTLMinutes = 60
	MaxTTLMinutes     = 24 * 60
)

// Backend is the persistence a Manager needs. *store.Store implements it.
type Backend interface {
	UpdateLease(ctx context.Context, kind, resourceID string, fn store.LeaseMutator) (*models.Lease, error)
	GetLease(ctx context.Context, kind, resourceID string) (*models.Lease, error)
	ListLeases(ctx context.Context, kind string) ([]models.Lease, error)
	ExpireLeases(ctx context.Context, kind string, now time.Time) ([]string, error)
}

// Options configures a Manager.
type Options struct {
	Kind              string
	DefaultTTLMinutes int
	MaxTTLMinutes     int
	Now               func() time.Time
	Audit             audit.Recorder
	Logger            *slog.Logger
}

// Manager claims, renews and releases leases of one kind.
type Manager struct {
	backend    Backend
	kind       string
	defaultTTL int
	maxTTL     int
	now        func() time.Time
	audit      audit.Recorder
	logger     *slog.Logger
}

// New creates a Manager.
func New(backend Backend, opts Options) *Manager {
	m := &Manager{
		backend:    backend,
		kind:       opts.Kind,
		defaultTTL: opts.DefaultTTLMinutes,
		maxTTL:     opts.MaxTTLMinutes,
		now:        opts.Now,
		audit:      opts.Audit,
		logger:     logging.Component(opts.Logger, "lease").With("kind", opts.Kind),
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = DefaultTTLMinutes
	}
	if m.maxTTL <= 0 {
		m.maxTTL = MaxTTLMinutes
	}
	if m.defaultTTL > m.maxTTL {
		m.defaultTTL = m.maxTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	return m
}

// Kind returns the resource kind this Manager handles.
func (m *Manager) Kind() string { return m.kind }

// ClaimRequest asks for an exclusive lease.
type ClaimRequest struct {
	ResourceID string
	Owner      string
	TTLMinutes int
	Note       string
}

// RenewRequest extends an active lease.
type RenewRequest struct {
	ResourceID string
	Owner      string
	TTLMinutes int
	Force      bool
}

// ReleaseRequest ends a lease.
type ReleaseRequest struct {
	ResourceID string
	Owner      string
	Force      bool
	Reason     string
}

func (m *Manager) clampTTL(ttl int) int {
	if ttl <= 0 {
		return m.defaultTTL
	}
	if ttl > m.maxTTL {
		return m.maxTTL
	}
	return ttl
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// Claim grants req.Owner an exclusive lease on req.ResourceID. A fresh lease
// held by someone else fails with a conflict wrapping ErrAlreadyLeased; the
// same owner claiming again refreshes the lease.
func (m *Manager) Claim(ctx context.Context, req ClaimRequest) (*models.Lease, error) {
	resource := strings.TrimSpace(req.ResourceID)
	owner := strings.TrimSpace(req.Owner)
	if resource == "" {
		return nil, apperr.Validation("claim", m.kind, "resource id is required")
	}
	if owner == "" {
		return nil, apperr.Validation("claim", resource, "owner is required")
	}
	ttl := m.clampTTL(req.TTLMinutes)

	var holder string
	l, err := m.backend.UpdateLease(ctx, m.kind, resource, func(cur *models.Lease) (*models.Lease, error) {
		now := m.clock()
		if cur.IsActive(now) && cur.Owner != owner {
			holder = cur.Owner
			return nil, apperr.Conflict("claim", resource, fmt.Errorf("%w: held by %s until %s",
				ErrAlreadyLeased, cur.Owner, cur.ExpiresAt.Format(time.RFC3339)))
		}
		return &models.Lease{
			Owner:      owner,
			ClaimedAt:  now,
			TTLMinutes: ttl,
			ExpiresAt:  now.Add(time.Duration(ttl) * time.Minute),
			Note:       req.Note,
			Status:     models.LeaseStatusActive,
		}, nil
	})
	inputs := map[string]any{"kind": m.kind, "resource": resource, "owner": owner, "ttl_minutes": ttl}
	if err != nil {
		if holder != "" {
			m.audit.Record(ctx, "lease.claim", inputs, audit.OutcomeRejected, "", "held by "+holder)
		}
		return nil, err
	}
	m.audit.Record(ctx, "lease.claim", inputs, audit.OutcomeSuccess, "", fmt.Sprintf("%s claimed by %s", resource, owner))
	m.logger.Info("lease claimed", "resource", resource, "owner", owner, "ttl_minutes", ttl)
	return l, nil
}

// Renew extends the caller's active lease to now+ttl. Without Force the
// caller must be the owner.
func (m *Manager) Renew(ctx context.Context, req RenewRequest) (*models.Lease, error) {
	resource := strings.TrimSpace(req.ResourceID)
	owner := strings.TrimSpace(req.Owner)
	if resource == "" {
		return nil, apperr.Validation("renew", m.kind, "resource id is required")
	}
	if owner == "" && !req.Force {
		return nil, apperr.Validation("renew", resource, "owner is required")
	}
	ttl := m.clampTTL(req.TTLMinutes)

	l, err := m.backend.UpdateLease(ctx, m.kind, resource, func(cur *models.Lease) (*models.Lease, error) {
		now := m.clock()
		if !cur.IsActive(now) {
			return nil, apperr.Conflict("renew", resource, ErrNoActiveLease)
		}
		if cur.Owner != owner && !req.Force {
			return nil, apperr.Conflict("renew", resource, fmt.Errorf("%w: held by %s", ErrNotOwner, cur.Owner))
		}
		next := *cur
		next.TTLMinutes = ttl
		next.ExpiresAt = now.Add(time.Duration(ttl) * time.Minute)
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	m.audit.Record(ctx, "lease.renew", map[string]any{"kind": m.kind, "resource": resource, "owner": owner, "force": req.Force},
		audit.OutcomeSuccess, "", fmt.Sprintf("%s renewed until %s", resource, l.ExpiresAt.Format(time.RFC3339)))
	return l, nil
}

// Release marks the lease released and returns it. When nothing is actively
// leased it returns nil with a nil error.
func (m *Manager) Release(ctx context.Context, req ReleaseRequest) (*models.Lease, error) {
	resource := strings.TrimSpace(req.ResourceID)
	owner := strings.TrimSpace(req.Owner)
	if resource == "" {
		return nil, apperr.Validation("release", m.kind, "resource id is required")
	}
	reason := req.Reason
	if reason == "" {
		reason = "released"
	}

	l, err := m.backend.UpdateLease(ctx, m.kind, resource, func(cur *models.Lease) (*models.Lease, error) {
		now := m.clock()
		if !cur.IsActive(now) {
			return nil, nil
		}
		if cur.Owner != owner && !req.Force {
			return nil, apperr.Conflict("release", resource, fmt.Errorf("%w: held by %s", ErrNotOwner, cur.Owner))
		}
		next := *cur
		next.Status = models.LeaseStatusReleased
		next.ReleasedAt = &now
		next.ReleaseReason = reason
		return &next, nil
	})
	if err != nil || l == nil {
		return nil, err
	}
	m.audit.Record(ctx, "lease.release", map[string]any{"kind": m.kind, "resource": resource, "owner": owner, "force": req.Force},
		audit.OutcomeSuccess, "", reason)
	m.logger.Info("lease released", "resource", resource, "owner", l.Owner, "reason", reason)
	return l, nil
}

// SweepExpired marks every overdue active lease expired and returns the
// resource ids this call changed.
func (m *Manager) SweepExpired(ctx context.Context) ([]string, error) {
	ids, err := m.backend.ExpireLeases(ctx, m.kind, m.clock())
	if err != nil {
		return nil, fmt.Errorf("sweep %s leases: %w", m.kind, err)
	}
	for _, id := range ids {
		m.audit.Record(ctx, "lease.expire", map[string]any{"kind": m.kind, "resource": id}, audit.OutcomeSuccess, "", id+" expired")
	}
	if len(ids) > 0 {
		m.logger.Info("leases expired", "count", len(ids), "resources", ids)
	}
	return ids, nil
}

// Get sweeps, then returns the lease row for id (any status) or nil.
func (m *Manager) Get(ctx context.Context, resourceID string) (*models.Lease, error) {
	if _, err := m.SweepExpired(ctx); err != nil {
		return nil, err
	}
	return m.backend.GetLease(ctx, m.kind, resourceID)
}

// Active sweeps, then returns the active lease for id or nil.
func (m *Manager) Active(ctx context.Context, resourceID string) (*models.Lease, error) {
	l, err := m.Get(ctx, resourceID)
	if err != nil || l == nil || l.Status != models.LeaseStatusActive {
		return nil, err
	}
	return l, nil
}

// List sweeps, then returns every lease row of this kind.
func (m *Manager) List(ctx context.Context) ([]models.Lease, error) {
	if _, err := m.SweepExpired(ctx); err != nil {
		return nil, err
	}
	return m.backend.ListLeases(ctx, m.kind)
}
