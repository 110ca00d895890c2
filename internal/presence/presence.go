// Package presence tracks which fleetd instances are alive and elects a
// coordinator among them.
//
// Every instance heartbeats into a shared Store. An instance is alive while
// its last heartbeat is within the TTL window. The coordinator is the alive
// instance with the lexicographically smallest id, so every instance that
// reads the same records computes the same answer without talking to the
// others.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultTTL               = 180 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

// Store persists instance records. *store.Store and *RedisStore implement it.
type Store interface {
	UpsertInstance(ctx context.Context, inst models.Instance) error
	ListInstances(ctx context.Context) ([]models.Instance, error)
}

// Options configures a Tracker.
type Options struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
	// Hostname overrides os.Hostname, for tests.
	Hostname string
}

// InitOptions describes the local instance.
type InitOptions struct {
	InstanceID  string
	WorkspaceID string
	RepoRoot    string
	Metadata    map[string]string
}

// Tracker heartbeats the local instance and answers liveness queries.
type Tracker struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	hostname string
	logger   *slog.Logger

	mu     sync.Mutex
	self   *models.Instance
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker.
func New(st Store, opts Options) *Tracker {
	t := &Tracker{
		store:    st,
		ttl:      opts.TTL,
		interval: opts.HeartbeatInterval,
		now:      opts.Now,
		hostname: opts.Hostname,
		logger:   logging.Component(opts.Logger, "presence"),
	}
	if t.ttl <= 0 {
		t.ttl = DefaultTTL
	}
	if t.interval <= 0 {
		t.interval = DefaultHeartbeatInterval
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.hostname == "" {
		t.hostname, _ = os.Hostname()
	}
	if t.hostname == "" {
		t.hostname = "localhost"
	}
	return t
}

// TTL returns the default liveness window.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// Init establishes the local identity, writes the first heartbeat and starts
// the heartbeat loop. Calling it again returns the existing identity.
func (t *Tracker) Init(ctx context.Context, opts InitOptions) (*models.Instance, error) {
	t.mu.Lock()
	if t.self != nil {
		self := *t.self
		t.mu.Unlock()
		return &self, nil
	}

	id := strings.TrimSpace(opts.InstanceID)
	if id == "" {
		id = fmt.Sprintf("%s-%s", t.hostname, uuid.NewString()[:8])
	}
	now := t.now().UTC()
	self := &models.Instance{
		InstanceID:    id,
		WorkspaceID:   opts.WorkspaceID,
		Hostname:      t.hostname,
		PID:           os.Getpid(),
		RepoRoot:      opts.RepoRoot,
		StartedAt:     now,
		LastHeartbeat: now,
		Metadata:      opts.Metadata,
	}
	if err := t.store.UpsertInstance(ctx, *self); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("initial heartbeat: %w", err)
	}
	t.self = self

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.heartbeatLoop(loopCtx)
	t.mu.Unlock()

	t.logger.Info("presence initialized", "instance_id", id, "workspace_id", opts.WorkspaceID)
	out := *self
	return &out, nil
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Heartbeat refreshes the local instance record now.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	if t.self == nil {
		t.mu.Unlock()
		return fmt.Errorf("presence not initialized")
	}
	t.self.LastHeartbeat = t.now().UTC()
	rec := *t.self
	t.mu.Unlock()
	return t.store.UpsertInstance(ctx, rec)
}

// Self returns the local instance, or nil before Init.
func (t *Tracker) Self() *models.Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.self == nil {
		return nil
	}
	self := *t.self
	return &self
}

// Close stops the heartbeat loop.
func (t *Tracker) Close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

// ListActive returns instances whose last heartbeat is within ttl of now,
// ordered by id. A non-positive ttl uses the tracker default.
func (t *Tracker) ListActive(ctx context.Context, ttl time.Duration) ([]models.Instance, error) {
	if ttl <= 0 {
		ttl = t.ttl
	}
	all, err := t.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	active := make([]models.Instance, 0, len(all))
	for _, inst := range all {
		if now.Sub(inst.LastHeartbeat) <= ttl {
			active = append(active, inst)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].InstanceID < active[j].InstanceID })
	return active, nil
}

// SelectCoordinator returns the elected coordinator among active instances,
// or nil when none are active.
func (t *Tracker) SelectCoordinator(ctx context.Context, ttl time.Duration) (*models.Instance, error) {
	active, err := t.ListActive(ctx, ttl)
	if err != nil {
		return nil, err
	}
	return Elect(active), nil
}

// IsCoordinator reports whether the local instance is the elected coordinator.
func (t *Tracker) IsCoordinator(ctx context.Context, ttl time.Duration) (bool, error) {
	self := t.Self()
	if self == nil {
		return false, nil
	}
	coord, err := t.SelectCoordinator(ctx, ttl)
	if err != nil {
		return false, err
	}
	return coord != nil && coord.InstanceID == self.InstanceID, nil
}

// Elect picks the instance with the smallest id. It does not filter on
// liveness; pass the output of ListActive.
func Elect(instances []models.Instance) *models.Instance {
	var best *models.Instance
	for i := range instances {
		if best == nil || instances[i].InstanceID < best.InstanceID {
			best = &instances[i]
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
