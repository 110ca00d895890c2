package models

import (
	"strings"
	"time"
)

// TaskStatus is the canonical, backend-independent task state.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "inprogress"
	TaskStatusInReview   TaskStatus = "inreview"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusError      TaskStatus = "error"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// TaskStatuses lists every canonical status.
var TaskStatuses = []TaskStatus{
	TaskStatusTodo,
	TaskStatusInProgress,
	TaskStatusInReview,
	TaskStatusDone,
	TaskStatusError,
	TaskStatusCancelled,
}

// IsTerminal reports whether no further work is expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// TaskPriority is the canonical priority. Empty means unset.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Task is the normalized view of a ticket, whichever backend it came from.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      TaskStatus     `json:"status"`
	Priority    TaskPriority   `json:"priority,omitempty"`
	Backend     string         `json:"backend"`
	ProjectID   string         `json:"projectId,omitempty"`
	URL         string         `json:"url,omitempty"`
	Labels      []string       `json:"labels,omitempty"`
	Assignees   []string       `json:"assignees,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	Comments    []Comment      `json:"comments,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Comment is a note attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project groups tasks inside one backend.
type Project struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

var statusAliases = map[string]TaskStatus{
	"todo":        TaskStatusTodo,
	"to_do":       TaskStatusTodo,
	"open":        TaskStatusTodo,
	"opened":      TaskStatusTodo,
	"backlog":     TaskStatusTodo,
	"new":         TaskStatusTodo,
	"pending":     TaskStatusTodo,
	"reopened":    TaskStatusTodo,
	"inprogress":  TaskStatusInProgress,
	"in_progress": TaskStatusInProgress,
	"started":     TaskStatusInProgress,
	"active":      TaskStatusInProgress,
	"working":     TaskStatusInProgress,
	"running":     TaskStatusInProgress,
	"inreview":    TaskStatusInReview,
	"in_review":   TaskStatusInReview,
	"review":      TaskStatusInReview,
	"reviewing":   TaskStatusInReview,
	"pr_open":     TaskStatusInReview,
	"done":        TaskStatusDone,
	"closed":      TaskStatusDone,
	"completed":   TaskStatusDone,
	"complete":    TaskStatusDone,
	"merged":      TaskStatusDone,
	"resolved":    TaskStatusDone,
	"error":       TaskStatusError,
	"failed":      TaskStatusError,
	"failure":     TaskStatusError,
	"blocked":     TaskStatusError,
	"cancelled":   TaskStatusCancelled,
	"canceled":    TaskStatusCancelled,
	"not_planned": TaskStatusCancelled,
	"wontfix":     TaskStatusCancelled,
	"abandoned":   TaskStatusCancelled,
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

// NormalizeStatus maps a backend status word onto the canonical set.
// Unknown or empty input becomes todo.
func NormalizeStatus(raw string) TaskStatus {
	if st, ok := statusAliases[normalizeToken(raw)]; ok {
		return st
	}
	return TaskStatusTodo
}

// ParseStatus is NormalizeStatus that reports whether raw was recognized.
func ParseStatus(raw string) (TaskStatus, bool) {
	st, ok := statusAliases[normalizeToken(raw)]
	return st, ok
}

// NormalizePriority maps backend priority words (including p0..p3) onto the
// canonical set. Unknown input yields the empty priority.
func NormalizePriority(raw string) TaskPriority {
	switch normalizeToken(raw) {
	case "low", "p3", "minor":
		return PriorityLow
	case "medium", "normal", "p2", "moderate":
		return PriorityMedium
	case "high", "p1", "major", "important":
		return PriorityHigh
	case "critical", "urgent", "p0", "blocker":
		return PriorityCritical
	default:
		return ""
	}
}
