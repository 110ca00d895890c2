// Package workspace is the registry of shared workspaces that agents lease
// for exclusive use, such as a staging environment or a cloud sandbox.
package workspace

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/lease"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
)

// Store is the workspace persistence. *store.Store implements it.
type Store interface {
	UpsertWorkspace(ctx context.Context, ws models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]models.Workspace, error)
}

// Options configures a Service.
type Options struct {
	// DefaultOwner is used when a request names no owner, normally the
	// local instance id.
	DefaultOwner string
	Now          func() time.Time
	Logger       *slog.Logger
}

// Service claims, renews and releases shared workspaces.
type Service struct {
	store        Store
	leases       *lease.Manager
	defaultOwner string
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a Service. leases must be bound to models.LeaseKindWorkspace.
func New(st Store, leases *lease.Manager, opts Options) *Service {
	s := &Service{
		store:        st,
		leases:       leases,
		defaultOwner: opts.DefaultOwner,
		now:          opts.Now,
		logger:       logging.Component(opts.Logger, "workspace"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Registry is the full set of workspaces with their current leases.
type Registry struct {
	Workspaces []models.Workspace `json:"workspaces"`
}

// Register adds or updates a workspace definition.
func (s *Service) Register(ctx context.Context, ws models.Workspace) error {
	ws.ID = strings.TrimSpace(ws.ID)
	if ws.ID == "" {
		return apperr.Validation("register workspace", "", "id is required")
	}
	if ws.Name == "" {
		ws.Name = ws.ID
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now().UTC()
	}
	return s.store.UpsertWorkspace(ctx, ws)
}

// Load sweeps expired leases, then returns the registry and the workspace
// ids that this sweep expired.
func (s *Service) Load(ctx context.Context) (*Registry, []string, error) {
	expired, err := s.leases.SweepExpired(ctx)
	if err != nil {
		return nil, nil, err
	}
	wss, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, nil, err
	}
	leases, err := s.leases.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	active := make(map[string]models.Lease, len(leases))
	for _, l := range leases {
		if l.Status == models.LeaseStatusActive {
			active[l.ResourceID] = l
		}
	}
	for i := range wss {
		if l, ok := active[wss[i].ID]; ok {
			l := l
			wss[i].Lease = &l
		}
	}
	if wss == nil {
		wss = []models.Workspace{}
	}
	if expired == nil {
		expired = []string{}
	}
	return &Registry{Workspaces: wss}, expired, nil
}

func (s *Service) lookup(ctx context.Context, op, id string) (*models.Workspace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation(op, "", "workspaceId required")
	}
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, apperr.NotFound(op, id)
	}
	return ws, nil
}

func (s *Service) owner(owner string) string {
	if o := strings.TrimSpace(owner); o != "" {
		return o
	}
	return s.defaultOwner
}

// ClaimRequest asks for a workspace.
type ClaimRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Owner       string `json:"owner"`
	TTLMinutes  int    `json:"ttlMinutes"`
	Note        string `json:"note"`
}

// Claim leases a workspace to req.Owner.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*models.Workspace, *models.Lease, error) {
	ws, err := s.lookup(ctx, "claim workspace", req.WorkspaceID)
	if err != nil {
		return nil, nil, err
	}
	l, err := s.leases.Claim(ctx, lease.ClaimRequest{
		ResourceID: ws.ID, Owner: s.owner(req.Owner), TTLMinutes: req.TTLMinutes, Note: req.Note,
	})
	if err != nil {
		return nil, nil, err
	}
	ws.Lease = l
	return ws, l, nil
}

// ReleaseRequest gives a workspace back.
type ReleaseRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Owner       string `json:"owner"`
	Force       bool   `json:"force"`
	Reason      string `json:"reason"`
}

// Release ends the workspace lease. The returned workspace is nil when the
// workspace was not leased.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (*models.Workspace, error) {
	ws, err := s.lookup(ctx, "release workspace", req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	l, err := s.leases.Release(ctx, lease.ReleaseRequest{
		ResourceID: ws.ID, Owner: s.owner(req.Owner), Force: req.Force, Reason: req.Reason,
	})
	if err != nil || l == nil {
		return nil, err
	}
	return ws, nil
}

// RenewRequest extends a workspace lease.
type RenewRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Owner       string `json:"owner"`
	TTLMinutes  int    `json:"ttlMinutes"`
	Force       bool   `json:"force"`
}

// Renew extends the caller's workspace lease.
func (s *Service) Renew(ctx context.Context, req RenewRequest) (*models.Workspace, *models.Lease, error) {
	ws, err := s.lookup(ctx, "renew workspace", req.WorkspaceID)
	if err != nil {
		return nil, nil, err
	}
	l, err := s.leases.Renew(ctx, lease.RenewRequest{
		ResourceID: ws.ID, Owner: s.owner(req.Owner), TTLMinutes: req.TTLMinutes, Force: req.Force,
	})
	if err != nil {
		return nil, nil, err
	}
	ws.Lease = l
	return ws, l, nil
}

// Availability states.
const (
	StateFree   = "free"
	StateLeased = "leased"
)

// Availability is one entry of AvailabilityMap.
type Availability struct {
	State     string     `json:"state"`
	Owner     string     `json:"owner,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// AvailabilityMap projects a registry to id -> availability. It does no I/O;
// pass a registry from Load so expired leases are already swept.
func AvailabilityMap(reg *Registry) map[string]Availability {
	out := make(map[string]Availability)
	if reg == nil {
		return out
	}
	for _, ws := range reg.Workspaces {
		if ws.Lease == nil || ws.Lease.Status != models.LeaseStatusActive {
			out[ws.ID] = Availability{State: StateFree}
			continue
		}
		exp := ws.Lease.ExpiresAt
		out[ws.ID] = Availability{State: StateLeased, Owner: ws.Lease.Owner, ExpiresAt: &exp}
	}
	return out
}
