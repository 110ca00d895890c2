// Package models defines the core domain types for fleetd.
package models

import "time"

// LeaseStatus represents the lifecycle state of a lease.
type LeaseStatus string

const (
	LeaseStatusActive   LeaseStatus = "active"
	LeaseStatusExpired  LeaseStatus = "expired"
	LeaseStatusReleased LeaseStatus = "released"
)

// Lease kinds. A lease is unique per (kind, resource id).
const (
	LeaseKindWorkspace = "workspace"
	LeaseKindWorktree  = "worktree"
)

// Lease is a time-boxed exclusive claim on a shared resource.
type Lease struct {
	ResourceID    string      `json:"resourceId"`
	Kind          string      `json:"kind"`
	Owner         string      `json:"owner"`
	ClaimedAt     time.Time   `json:"claimedAt"`
	TTLMinutes    int         `json:"ttlMinutes"`
	ExpiresAt     time.Time   `json:"expiresAt"`
	Note          string      `json:"note,omitempty"`
	Status        LeaseStatus `json:"status"`
	ReleasedAt    *time.Time  `json:"releasedAt,omitempty"`
	ReleaseReason string      `json:"releaseReason,omitempty"`
}

// IsActive reports whether the lease is active and not past its expiry at now.
func (l *Lease) IsActive(now time.Time) bool {
	return l != nil && l.Status == LeaseStatusActive && !now.After(l.ExpiresAt)
}

// Instance is one running fleetd process as seen by the presence table.
type Instance struct {
	InstanceID    string            `json:"instanceId"`
	WorkspaceID   string            `json:"workspaceId,omitempty"`
	Hostname      string            `json:"hostname"`
	PID           int               `json:"pid"`
	RepoRoot      string            `json:"repoRoot,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Worktree is a git working copy allocated to one task key.
type Worktree struct {
	Key           string    `json:"key"`
	Branch        string    `json:"branch"`
	Path          string    `json:"path"`
	Owner         string    `json:"owner"`
	CreatedAt     time.Time `json:"createdAt"`
	LastTouchedAt time.Time `json:"lastTouchedAt"`
	Lease         *Lease    `json:"lease,omitempty"`
}

// Workspace is a shared, named environment that agents lease.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Provider  string    `json:"provider,omitempty"`
	Region    string    `json:"region,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Lease     *Lease    `json:"lease,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputsHash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"taskId,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
