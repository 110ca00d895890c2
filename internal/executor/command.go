package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandRunner runs an agent command inside the task's worktree. The task
// is passed through FLEET_* environment variables.
type CommandRunner struct {
	Command string
	Args    []string
	Env     []string
}

const maxErrorOutput = 512

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, job Job) error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("agent command not configured")
	}
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = job.Worktree.Path
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"FLEET_TASK_ID="+job.Task.ID,
		"FLEET_TASK_TITLE="+job.Task.Title,
		"FLEET_WORKTREE="+job.Worktree.Path,
		"FLEET_BRANCH="+job.Worktree.Branch,
		fmt.Sprintf("FLEET_SLOT=%d", job.SlotIndex),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if len(out) > maxErrorOutput {
			out = out[len(out)-maxErrorOutput:]
		}
		if out != "" {
			return fmt.Errorf("%s: %w: %s", r.Command, err, out)
		}
		return fmt.Errorf("%s: %w", r.Command, err)
	}
	return nil
}
