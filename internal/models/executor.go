package models

import "time"

// SlotStatus is the state of one executor slot.
type SlotStatus string

const (
	SlotIdle  SlotStatus = "idle"
	SlotBusy  SlotStatus = "busy"
	SlotError SlotStatus = "error"
)

// ExecutorSlot describes one unit of execution capacity.
type ExecutorSlot struct {
	Index          int        `json:"index"`
	TaskID         string     `json:"taskId,omitempty"`
	TaskTitle      string     `json:"taskTitle,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	Status         SlotStatus `json:"status"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedCount int        `json:"completedCount"`
	AvgDurationMs  int64      `json:"avgDurationMs"`
	LastError      string     `json:"lastError,omitempty"`
}

// ExecutorStatus is a point-in-time snapshot of the pool.
type ExecutorStatus struct {
	Mode        string         `json:"mode"`
	MaxParallel int            `json:"maxParallel"`
	ActiveSlots int            `json:"activeSlots"`
	Paused      bool           `json:"paused"`
	Slots       []ExecutorSlot `json:"slots"`
}

// SyncMetrics are the webhook sync counters.
type SyncMetrics struct {
	SyncSuccess         int64      `json:"syncSuccess"`
	SyncFailure         int64      `json:"syncFailure"`
	InvalidSignature    int64      `json:"invalidSignature"`
	ConsecutiveFailures int64      `json:"consecutiveFailures"`
	AlertsTriggered     int64      `json:"alertsTriggered"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
}
