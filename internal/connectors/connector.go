// Package connectors defines the command connector interface for fleetd.
// Backends that shell out (the gh issue backend, git worktree management)
// go through a Connector so tests can substitute a scripted fake.
package connectors

import (
	"context"
	"strings"
)

// ExecResult holds the result of a command execution. A non-zero ExitCode is
// not an error at this layer; callers decide what failure means.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command and returns the result.
	Execute(ctx context.Context, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// Succeeded reports whether the command exited zero.
func (r *ExecResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}

// Output returns trimmed stderr, falling back to stdout, for error messages.
func (r *ExecResult) Output() string {
	if r == nil {
		return ""
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}
