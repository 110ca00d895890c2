// Package localexec runs the gh and git subcommands fleetd needs, and
// nothing else.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/connectors"
	"github.com/fentz26/fleetd/internal/logging"
)

// DefaultTimeout bounds a single command when the caller's context has no
// earlier deadline.
const DefaultTimeout = 2 * time.Minute

// maxCapture caps how much stdout or stderr is kept per command.
const maxCapture = 4 << 20

// anyVerb allows every action under a subcommand.
var anyVerb []string

// allowedCommands maps command -> subcommand -> allowed actions. The issue
// backend drives gh; the worktree manager drives git.
var allowedCommands = map[string]map[string][]string{
	"gh": {
		"issue": {"list", "view", "create", "edit", "close", "reopen", "comment", "delete"},
		"label": {"create", "list"},
		"auth":  {"status"},
	},
	"git": {
		"worktree":  {"add", "remove", "prune", "list"},
		"branch":    anyVerb,
		"rev-parse": anyVerb,
		"status":    anyVerb,
		"diff":      anyVerb,
	},
}

// LocalExec implements connectors.Connector for commands on this host.
type LocalExec struct {
	workDir string
	env     []string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a LocalExec.
type Option func(*LocalExec)

// WithEnv appends KEY=VALUE pairs to every command's environment.
func WithEnv(env ...string) Option {
	return func(l *LocalExec) { l.env = append(l.env, env...) }
}

// WithTimeout overrides DefaultTimeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(l *LocalExec) { l.timeout = d }
}

// WithLogger logs each command at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(l *LocalExec) { l.logger = logging.Component(logger, "localexec") }
}

// New creates a connector running commands in workDir.
func New(workDir string, opts ...Option) *LocalExec {
	l := &LocalExec{workDir: workDir, timeout: DefaultTimeout, logger: logging.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed reports whether cmd with args passes the allowlist. The action
// must directly follow the subcommand.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	subcmds, ok := allowedCommands[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	verbs, ok := subcmds[args[0]]
	if !ok {
		return false
	}
	if verbs == nil {
		return true
	}
	if len(args) < 2 {
		return false
	}
	action := args[1]
	for _, v := range verbs {
		if v == action {
			return true
		}
	}
	return false
}

// Execute runs an allowlisted command. A non-zero exit is reported through
// ExecResult.ExitCode, not as an error.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	if len(l.env) > 0 {
		execCmd.Env = append(os.Environ(), l.env...)
	}

	stdout := &cappedBuffer{limit: maxCapture}
	stderr := &cappedBuffer{limit: maxCapture}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	start := time.Now()
	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec %s: %w", cmd, err)
		}
		exitCode = exitError.ExitCode()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("exec %s %s: %w", cmd, args[0], ctx.Err())
		}
	}
	l.logger.Debug("command finished",
		"cmd", cmd, "subcommand", args[0], "exit_code", exitCode, "duration", time.Since(start))

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
