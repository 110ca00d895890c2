// Package executor is the bounded dispatch pool that runs tasks in
// isolated worktrees.
//
// Each accepted task occupies one slot. Acceptance is synchronous and cheap;
// the work itself (worktree acquisition, status updates, the agent run)
// happens in a goroutine and never under the pool lock.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/worktree"
)

// Capacity bounds.
const (
	MaxParallelLimit   = 20
	DefaultMaxParallel = 3
	DefaultMode        = "internal"
)

var (
	ErrPaused         = errors.New("executor paused")
	ErrNoFreeSlot     = errors.New("no free executor slot")
	ErrAlreadyRunning = errors.New("task already running")
)

// Job is what a Runner receives.
type Job struct {
	SlotIndex int
	Task      models.Task
	Worktree  models.Worktree
}

// Runner performs the actual work for a task inside its worktree. It must
// return promptly once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) Run(ctx context.Context, job Job) error { return f(ctx, job) }

// Worktrees is the subset of *worktree.Manager the pool uses.
type Worktrees interface {
	Acquire(ctx context.Context, req worktree.AcquireRequest) (*models.Worktree, error)
	Touch(ctx context.Context, key, owner string) (*models.Worktree, error)
	Release(ctx context.Context, key string) (bool, error)
	TTLMinutes() int
}

// TaskUpdater writes task status back to the backend. kanban.Adapter
// implements it.
type TaskUpdater interface {
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error)
}

// Options configures a Pool.
type Options struct {
	MaxParallel int
	Mode        string
	Owner       string
	Runner      Runner
	Worktrees   Worktrees
	Tasks       TaskUpdater
	// HeartbeatInterval overrides the worktree lease touch period, which
	// otherwise is a third of the worktree TTL.
	HeartbeatInterval time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

type slotState struct {
	models.ExecutorSlot
	cancel context.CancelFunc
}

// Pool is the executor slot pool.
type Pool struct {
	runner    Runner
	worktrees Worktrees
	tasks     TaskUpdater
	owner     string
	mode      string
	heartbeat time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	slots       []*slotState
	maxParallel int
	paused      bool
	wg          sync.WaitGroup
}

// New creates a Pool.
func New(opts Options) (*Pool, error) {
	if opts.Runner == nil || opts.Worktrees == nil || opts.Tasks == nil {
		return nil, fmt.Errorf("executor requires a runner, worktrees and a task updater")
	}
	if opts.MaxParallel < 0 || opts.MaxParallel > MaxParallelLimit {
		return nil, apperr.Validation("executor.new", "", "maxParallel must be between 0 and %d", MaxParallelLimit)
	}
	p := &Pool{
		runner:      opts.Runner,
		worktrees:   opts.Worktrees,
		tasks:       opts.Tasks,
		owner:       opts.Owner,
		mode:        opts.Mode,
		heartbeat:   opts.HeartbeatInterval,
		now:         opts.Now,
		logger:      logging.Component(opts.Logger, "executor"),
		maxParallel: opts.MaxParallel,
		paused:      opts.MaxParallel == 0,
	}
	if p.mode == "" {
		p.mode = DefaultMode
	}
	if p.owner == "" {
		p.owner = "executor"
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.heartbeat <= 0 {
		ttl := time.Duration(opts.Worktrees.TTLMinutes()) * time.Minute
		p.heartbeat = ttl / 3
		if p.heartbeat <= 0 {
			p.heartbeat = time.Minute
		}
	}
	p.growLocked(p.maxParallel)
	return p, nil
}

func (p *Pool) growLocked(n int) {
	for len(p.slots) < n {
		p.slots = append(p.slots, &slotState{ExecutorSlot: models.ExecutorSlot{Index: len(p.slots), Status: models.SlotIdle}})
	}
}

func (p *Pool) activeLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.Status == models.SlotBusy {
			n++
		}
	}
	return n
}

// WorktreeKey is the worktree key used for a task.
func WorktreeKey(taskID string) string {
	return "task-" + taskID
}

// ExecuteTask accepts task into a free slot and starts it in the background.
// It returns the slot index, or an error when the task is rejected. Errors
// from the work itself are logged and recorded on the slot.
func (p *Pool) ExecuteTask(ctx context.Context, task models.Task) (int, error) {
	if task.ID == "" {
		return -1, apperr.Validation("executor.execute", "", "task id required")
	}

	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return -1, apperr.Conflict("executor.execute", task.ID, ErrPaused)
	}
	for _, s := range p.slots {
		if s.Status == models.SlotBusy && s.TaskID == task.ID {
			p.mu.Unlock()
			return -1, apperr.Conflict("executor.execute", task.ID, fmt.Errorf("%w in slot %d", ErrAlreadyRunning, s.Index))
		}
	}
	if p.activeLocked() >= p.maxParallel {
		p.mu.Unlock()
		return -1, apperr.Conflict("executor.execute", task.ID, ErrNoFreeSlot)
	}
	var slot *slotState
	for _, s := range p.slots {
		if s.Status != models.SlotBusy {
			slot = s
			break
		}
	}
	if slot == nil {
		p.growLocked(len(p.slots) + 1)
		slot = p.slots[len(p.slots)-1]
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	started := p.now()
	slot.Status = models.SlotBusy
	slot.TaskID = task.ID
	slot.TaskTitle = task.Title
	slot.Branch = task.Branch
	slot.StartedAt = &started
	slot.cancel = cancel
	idx := slot.Index
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Info("task dispatched", "task_id", task.ID, "slot", idx)
	go p.run(runCtx, idx, task, started)
	return idx, nil
}

func (p *Pool) run(ctx context.Context, idx int, task models.Task, started time.Time) {
	defer p.wg.Done()
	err := p.work(ctx, idx, task)
	p.finish(idx, err, p.now().Sub(started))
	if err != nil {
		p.logger.Warn("task failed", "task_id", task.ID, "slot", idx, "error", err)
		return
	}
	p.logger.Info("task completed", "task_id", task.ID, "slot", idx)
}

func (p *Pool) work(ctx context.Context, idx int, task models.Task) error {
	// Bookkeeping after the run must survive a force-stop.
	cleanup := context.WithoutCancel(ctx)
	key := WorktreeKey(task.ID)

	wt, err := p.worktrees.Acquire(ctx, worktree.AcquireRequest{Key: key, Branch: task.Branch, Owner: p.owner})
	if err != nil {
		p.setStatus(cleanup, task.ID, models.TaskStatusError)
		return fmt.Errorf("acquire worktree: %w", err)
	}
	defer func() {
		if _, err := p.worktrees.Release(cleanup, key); err != nil {
			p.logger.Warn("release worktree failed", "key", key, "error", err)
		}
	}()

	p.mu.Lock()
	p.slots[idx].Branch = wt.Branch
	p.mu.Unlock()

	p.setStatus(ctx, task.ID, models.TaskStatusInProgress)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.touchLoop(hbCtx, key)
	}()

	runErr := p.runner.Run(ctx, Job{SlotIndex: idx, Task: task, Worktree: *wt})
	stopHeartbeat()
	<-hbDone

	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("stopped: %w", ctx.Err())
	}
	if runErr != nil {
		p.setStatus(cleanup, task.ID, models.TaskStatusError)
		return runErr
	}
	p.setStatus(cleanup, task.ID, models.TaskStatusInReview)
	return nil
}

func (p *Pool) touchLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.worktrees.Touch(ctx, key, p.owner); err != nil && ctx.Err() == nil {
				p.logger.Warn("worktree heartbeat failed", "key", key, "error", err)
			}
		}
	}
}

func (p *Pool) setStatus(ctx context.Context, id string, status models.TaskStatus) {
	if _, err := p.tasks.UpdateTaskStatus(ctx, id, status); err != nil {
		p.logger.Warn("update task status failed", "task_id", id, "status", status, "error", err)
	}
}

func (p *Pool) finish(idx int, err error, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[idx]
	n := int64(s.CompletedCount)
	s.AvgDurationMs = (s.AvgDurationMs*n + elapsed.Milliseconds()) / (n + 1)
	s.CompletedCount++
	s.TaskID = ""
	s.TaskTitle = ""
	s.Branch = ""
	s.StartedAt = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err != nil {
		s.Status = models.SlotError
		s.LastError = err.Error()
		return
	}
	s.Status = models.SlotIdle
	s.LastError = ""
}

// Pause stops accepting new tasks. Running work is not affected.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.logger.Info("executor paused")
}

// Resume accepts new tasks again.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.logger.Info("executor resumed")
}

// IsPaused reports whether acceptance is gated.
func (p *Pool) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// SetMaxParallel changes capacity. Zero pauses; a positive value resumes.
// Lowering capacity below the running count lets that work finish; the cap
// applies to new dispatch only.
func (p *Pool) SetMaxParallel(n int) error {
	if n < 0 || n > MaxParallelLimit {
		return apperr.Validation("executor.max_parallel", "", "maxParallel must be between 0 and %d", MaxParallelLimit)
	}
	p.mu.Lock()
	p.maxParallel = n
	p.paused = n == 0
	p.growLocked(n)
	p.mu.Unlock()
	p.logger.Info("executor capacity changed", "max_parallel", n)
	return nil
}

// StopSlot cancels the work in slot index. When taskID is non-empty it must
// match the slot's task. The slot stays busy until the runner returns.
func (p *Pool) StopSlot(index int, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.slots) {
		return apperr.Validation("executor.stop_slot", fmt.Sprint(index), "slot index out of range")
	}
	s := p.slots[index]
	if s.Status != models.SlotBusy || s.cancel == nil {
		return apperr.NotFound("executor.stop_slot", fmt.Sprintf("slot %d", index))
	}
	if taskID != "" && s.TaskID != taskID {
		return apperr.Conflict("executor.stop_slot", taskID, fmt.Errorf("slot %d runs task %s", index, s.TaskID))
	}
	s.cancel()
	p.logger.Info("slot stop requested", "slot", index, "task_id", s.TaskID)
	return nil
}

// Status returns a snapshot safe to use after the lock is released.
func (p *Pool) Status() models.ExecutorStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := models.ExecutorStatus{
		Mode:        p.mode,
		MaxParallel: p.maxParallel,
		ActiveSlots: p.activeLocked(),
		Paused:      p.paused,
		Slots:       make([]models.ExecutorSlot, len(p.slots)),
	}
	for i, s := range p.slots {
		slot := s.ExecutorSlot
		if s.StartedAt != nil {
			t := *s.StartedAt
			slot.StartedAt = &t
		}
		st.Slots[i] = slot
	}
	return st
}

// Wait blocks until all in-flight work has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown pauses the pool, cancels running work and waits for it, or for
// ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.paused = true
	for _, s := range p.slots {
		if s.cancel != nil {
			s.cancel()
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
