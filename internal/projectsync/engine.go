// Package projectsync reconciles external task events with the fleet.
//
// Webhook deliveries and poll ticks both funnel into Engine.SyncTask so
// they share one failure streak. When the streak reaches the configured
// threshold an alert fires once; it re-arms only after a successful sync.
package projectsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
)

// DefaultAlertThreshold is the consecutive-failure count that raises an alert.
const DefaultAlertThreshold = 3

// Syncer performs one sync of a task.
type Syncer interface {
	Sync(ctx context.Context, taskID string) error
}

// SyncerFunc adapts a function to Syncer.
type SyncerFunc func(ctx context.Context, taskID string) error

func (f SyncerFunc) Sync(ctx context.Context, taskID string) error { return f(ctx, taskID) }

// Options configures an Engine.
type Options struct {
	Threshold int
	Alerter   Alerter
	Now       func() time.Time
	Logger    *slog.Logger
}

// Engine counts sync outcomes and raises threshold alerts.
type Engine struct {
	syncer    Syncer
	alerter   Alerter
	threshold int64
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	metrics models.SyncMetrics
	alerted bool
}

// NewEngine creates an Engine.
func NewEngine(syncer Syncer, opts Options) *Engine {
	e := &Engine{
		syncer:    syncer,
		alerter:   opts.Alerter,
		threshold: int64(opts.Threshold),
		now:       opts.Now,
		logger:    logging.Component(opts.Logger, "projectsync"),
	}
	if e.threshold < 1 {
		e.threshold = DefaultAlertThreshold
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.alerter == nil {
		e.alerter = NewLogAlerter(opts.Logger)
	}
	return e
}

// SyncTask runs the syncer once for taskID and updates metrics.
func (e *Engine) SyncTask(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return apperr.Validation("projectsync.sync", "", "task id required")
	}

	err := e.syncer.Sync(ctx, taskID)

	now := e.now().UTC()
	e.mu.Lock()
	e.metrics.LastSyncAt = &now
	if err == nil {
		e.metrics.SyncSuccess++
		e.metrics.ConsecutiveFailures = 0
		e.metrics.LastError = ""
		e.alerted = false
		e.mu.Unlock()
		e.logger.Debug("task synced", "task_id", taskID)
		return nil
	}

	e.metrics.SyncFailure++
	e.metrics.ConsecutiveFailures++
	e.metrics.LastError = err.Error()
	var alert *Alert
	if !e.alerted && e.metrics.ConsecutiveFailures >= e.threshold {
		e.alerted = true
		e.metrics.AlertsTriggered++
		alert = &Alert{
			TaskID:              taskID,
			ConsecutiveFailures: e.metrics.ConsecutiveFailures,
			Threshold:           e.threshold,
			LastError:           err.Error(),
			At:                  now,
		}
	}
	e.mu.Unlock()

	e.logger.Warn("task sync failed", "task_id", taskID, "error", err)
	if alert != nil {
		if aerr := e.alerter.Alert(ctx, *alert); aerr != nil {
			e.logger.Error("sync alert delivery failed", "error", aerr)
		}
	}
	return fmt.Errorf("sync task %s: %w", taskID, err)
}

// RecordInvalidSignature counts a rejected webhook delivery.
func (e *Engine) RecordInvalidSignature() {
	e.mu.Lock()
	e.metrics.InvalidSignature++
	e.mu.Unlock()
}

// Metrics returns a snapshot of the counters.
func (e *Engine) Metrics() models.SyncMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.metrics
	if m.LastSyncAt != nil {
		t := *m.LastSyncAt
		m.LastSyncAt = &t
	}
	return m
}
