package controlplane

import "errors"

// Sentinel errors for control plane requests. They reach callers wrapped in
// an *apperr.Error whose kind picks the response status.
var (
	ErrExecutorDisabled    = errors.New("internal executor not enabled")
	ErrTaskIDRequired      = errors.New("taskId required")
	ErrTitleRequired       = errors.New("title is required")
	ErrNoUpdateFields      = errors.New("no update fields provided")
	ErrWorkspaceIDRequired = errors.New("workspaceId required")
	ErrReleaseTarget       = errors.New("taskKey or branch required")
	ErrInvalidBody         = errors.New("invalid json")
)
