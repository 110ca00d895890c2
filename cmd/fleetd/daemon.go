package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/fleetd/internal/audit"
	"github.com/fentz26/fleetd/internal/config"
	"github.com/fentz26/fleetd/internal/connectors/localexec"
	"github.com/fentz26/fleetd/internal/controlplane"
	"github.com/fentz26/fleetd/internal/executor"
	"github.com/fentz26/fleetd/internal/kanban"
	"github.com/fentz26/fleetd/internal/lease"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/presence"
	"github.com/fentz26/fleetd/internal/projectsync"
	"github.com/fentz26/fleetd/internal/scheduler"
	"github.com/fentz26/fleetd/internal/store"
	"github.com/fentz26/fleetd/internal/workspace"
	"github.com/fentz26/fleetd/internal/worktree"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful shutdown of the server and executor.
const shutdownTimeout = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the fleetd daemon",
	Long:  `Starts the fleetd daemon: presence heartbeat, executor pool, coordinator poller and the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().String("listen", "", "Listen address for the API server")
	daemonCmd.Flags().String("db", "", "Path to SQLite database")
	daemonCmd.Flags().String("instance", "", "Instance id (default: hostname-random)")
	daemonCmd.Flags().Int("max-parallel", 0, "Executor slots (0-20)")
	bindFlag("listen", daemonCmd, "listen")
	bindFlag("db_path", daemonCmd, "db")
	bindFlag("instance.id", daemonCmd, "instance")
	bindFlag("executor.max_parallel", daemonCmd, "max-parallel")
}

// daemon holds every running component so shutdown can unwind them.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	presence *presence.RedisStore
	tracker  *presence.Tracker
	pool     *executor.Pool
	nats     *projectsync.NATSAlerter
	webhook  *projectsync.WebhookHandler
	sched    *scheduler.Scheduler
	server   *controlplane.Server
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Options{Dir: cfg.Logging.Dir, Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{cfg: cfg, logger: logger}
	defer d.close()
	if err := d.build(ctx); err != nil {
		return err
	}
	return d.run(ctx)
}

// build opens storage and wires every component. Errors here are fatal.
func (d *daemon) build(ctx context.Context) error {
	cfg, logger := d.cfg, d.logger

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	d.store = st
	pdr := audit.NewPDRWriter(st, logger)

	// Presence
	var presenceStore presence.Store = st
	if cfg.Presence.Backend == "redis" {
		rs, err := presence.NewRedisStore(cfg.Presence.RedisURL, cfg.Presence.RedisKey)
		if err != nil {
			return err
		}
		d.presence = rs
		presenceStore = rs
	}
	d.tracker = presence.New(presenceStore, presence.Options{
		TTL:               cfg.Instance.PresenceTTL,
		HeartbeatInterval: cfg.Instance.HeartbeatInterval,
		Logger:            logger,
	})
	repoRoot, _ := os.Getwd()
	self, err := d.tracker.Init(ctx, presence.InitOptions{
		InstanceID:  cfg.Instance.ID,
		WorkspaceID: cfg.Instance.WorkspaceID,
		RepoRoot:    repoRoot,
		Metadata:    map[string]string{"version": version, "kanban": cfg.Kanban.Backend},
	})
	if err != nil {
		return err
	}
	instanceID := self.InstanceID
	logger = logger.With("instance_id", instanceID)
	d.logger = logger

	// Leases, worktrees and shared workspaces
	conn := localexec.New(repoRoot, localexec.WithLogger(logger))
	wtLeases := lease.New(st, lease.Options{
		Kind:              models.LeaseKindWorktree,
		DefaultTTLMinutes: cfg.Worktrees.TTLMinutes,
		Audit:             pdr,
		Logger:            logger,
	})
	worktrees := worktree.New(st, wtLeases, worktree.NewGitCLI(conn), worktree.Options{
		Root:         cfg.Worktrees.Root,
		BranchPrefix: cfg.Worktrees.BranchPrefix,
		TTLMinutes:   cfg.Worktrees.TTLMinutes,
		StaleAfter:   cfg.Worktrees.StaleAfter,
		Audit:        pdr,
		Logger:       logger,
	})
	wsLeases := lease.New(st, lease.Options{
		Kind:              models.LeaseKindWorkspace,
		DefaultTTLMinutes: cfg.SharedWorkspaces.DefaultTTLMinutes,
		MaxTTLMinutes:     cfg.SharedWorkspaces.MaxTTLMinutes,
		Audit:             pdr,
		Logger:            logger,
	})
	workspaces := workspace.New(st, wsLeases, workspace.Options{DefaultOwner: instanceID, Logger: logger})
	for _, seed := range cfg.SharedWorkspaces.Workspaces {
		ws := models.Workspace{ID: seed.ID, Name: seed.Name, Provider: seed.Provider, Region: seed.Region}
		if err := workspaces.Register(ctx, ws); err != nil {
			return fmt.Errorf("register workspace %s: %w", seed.ID, err)
		}
	}

	// Task backend
	tasks, err := kanban.New(kanban.Config{
		Backend: cfg.Kanban.Backend,
		GitHub: kanban.GitHubConfig{
			RepoSlug:         cfg.Kanban.GitHub.RepoSlug,
			Owner:            cfg.Kanban.GitHub.Owner,
			Name:             cfg.Kanban.GitHub.Name,
			TaskLabel:        cfg.Kanban.GitHub.TaskLabel,
			EnforceTaskLabel: cfg.Kanban.GitHub.EnforceTaskLabel,
			ProjectMode:      cfg.Kanban.GitHub.ProjectMode,
		},
		VK:        kanban.VKConfig{EndpointURL: cfg.Kanban.VK.EndpointURL, Timeout: cfg.Kanban.VK.Timeout},
		StorePath: cfg.Kanban.Internal.StorePath,
	}, kanban.Deps{Connector: conn, Logger: logger})
	if err != nil {
		return err
	}

	// Executor. Mode "disabled" leaves dispatch to other instances.
	var exec controlplane.Executor
	var dispatcher projectsync.Dispatcher
	if cfg.Executor.Mode != "disabled" {
		runner := &executor.CommandRunner{Command: cfg.Executor.Command, Args: cfg.Executor.Args}
		if runner.Command == "" {
			if agent, ok := executor.DetectAgent(); ok {
				runner.Command, runner.Args = agent.Path, agent.Args
				logger.Info("using detected agent", "agent", agent.ID, "path", agent.Path)
			} else {
				logger.Warn("no executor.command configured and no agent CLI found; started tasks will fail")
			}
		}
		d.pool, err = executor.New(executor.Options{
			MaxParallel: cfg.Executor.MaxParallel,
			Mode:        cfg.Executor.Mode,
			Owner:       instanceID,
			Runner:      runner,
			Worktrees:   worktrees,
			Tasks:       tasks,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		exec = d.pool
		if cfg.Executor.AutoDispatch {
			dispatcher = d.pool
		}
	}

	// Project sync
	var alerter projectsync.Alerter = projectsync.NewLogAlerter(logger)
	if cfg.Webhook.NATSURL != "" {
		d.nats, err = projectsync.NewNATSAlerter(cfg.Webhook.NATSURL, cfg.Webhook.AlertSubject, instanceID)
		if err != nil {
			return err
		}
		alerter = projectsync.MultiAlerter{alerter, d.nats}
	}
	engine := projectsync.NewEngine(projectsync.NewTaskSyncer(tasks, dispatcher, logger), projectsync.Options{
		Threshold: cfg.Webhook.AlertFailureThreshold,
		Alerter:   alerter,
		Logger:    logger,
	})
	d.webhook = projectsync.NewWebhookHandler(engine, projectsync.WebhookOptions{
		Secret:           cfg.Webhook.Secret,
		RequireSignature: cfg.Webhook.RequireSignature,
		Logger:           logger,
	})
	if !cfg.Webhook.RequireSignature {
		logger.Warn("webhook signature verification disabled", "path", cfg.Webhook.Path)
	}

	if cfg.Poll.Enabled {
		d.sched = scheduler.New(scheduler.Deps{
			Coordinator: d.tracker,
			Tasks:       tasks,
			Sync:        engine,
			Workspaces:  workspaces,
			Worktrees:   worktrees,
			Audit:       pdr,
			Logger:      logger,
			Actor:       instanceID,
		}, &scheduler.Config{Interval: cfg.Poll.Interval, PresenceTTL: cfg.Instance.PresenceTTL})
	}

	service := controlplane.NewService(controlplane.Deps{
		Store:      st,
		Tasks:      tasks,
		Executor:   exec,
		Worktrees:  worktrees,
		Presence:   d.tracker,
		Workspaces: workspaces,
		Sync:       engine,
		Audit:      pdr,
		Actor:      instanceID,
		Logger:     logger,
	})
	d.server = controlplane.NewServer(service, controlplane.ServerOptions{
		Addr:        cfg.Listen,
		WebhookPath: cfg.Webhook.Path,
		Webhook:     d.webhook,
		Logger:      logger,
	})

	logger.Info("fleetd configured",
		"kanban", tasks.Name(),
		"presence", cfg.Presence.Backend,
		"executor", cfg.Executor.Mode,
		"max_parallel", cfg.Executor.MaxParallel,
		"poll", cfg.Poll.Enabled)
	return nil
}

// run serves until ctx ends or the server fails, then shuts down.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if d.sched != nil {
		d.sched.Start()
	}

	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http server shutdown error", "error", err)
		}
		d.webhook.Close()
		if d.sched != nil {
			d.sched.Stop()
		}
		if d.pool != nil {
			if err := d.pool.Shutdown(shutdownCtx); err != nil {
				d.logger.Warn("executor shutdown error", "error", err)
			}
		}
		return nil
	})

	err := g.Wait()
	d.logger.Info("shutdown complete")
	return err
}

// close releases storage and connections. Safe after a partial build.
func (d *daemon) close() {
	if d.tracker != nil {
		d.tracker.Close()
	}
	if d.nats != nil {
		d.nats.Close()
	}
	if d.presence != nil {
		if err := d.presence.Close(); err != nil {
			d.logger.Warn("redis close error", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("database close error", "error", err)
		}
	}
}
