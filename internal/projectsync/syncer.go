package projectsync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
)

// TaskSource loads tasks. kanban.Adapter implements it.
type TaskSource interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

// Dispatcher accepts tasks for execution. *executor.Pool implements it.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, task models.Task) (int, error)
}

// TaskSyncer is the default Syncer. It refreshes the task from the backend
// and, when auto-dispatch is on, hands todo tasks to the executor.
type TaskSyncer struct {
	source     TaskSource
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewTaskSyncer creates a TaskSyncer. dispatcher may be nil to disable
// auto-dispatch.
func NewTaskSyncer(source TaskSource, dispatcher Dispatcher, logger *slog.Logger) *TaskSyncer {
	return &TaskSyncer{source: source, dispatcher: dispatcher, logger: logging.Component(logger, "projectsync.syncer")}
}

func (s *TaskSyncer) Sync(ctx context.Context, taskID string) error {
	task, err := s.source.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apperr.NotFound("projectsync.sync", taskID)
	}
	if s.dispatcher == nil || task.Status != models.TaskStatusTodo {
		return nil
	}
	slot, err := s.dispatcher.ExecuteTask(ctx, *task)
	if err != nil {
		// A busy or paused pool is backpressure, not a sync failure.
		if errors.Is(err, apperr.ErrConflict) {
			s.logger.Debug("dispatch deferred", "task_id", taskID, "reason", err)
			return nil
		}
		return err
	}
	s.logger.Info("task dispatched from sync", "task_id", taskID, "slot", slot)
	return nil
}
