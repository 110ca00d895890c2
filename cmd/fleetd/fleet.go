package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fentz26/fleetd/internal/models"
	"github.com/spf13/cobra"
)

// --- executor ---

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Inspect and control the local executor pool",
}

var executorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show executor slots",
	RunE:  runExecutorStatus,
}

var executorPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop dispatching new tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/api/executor/pause", nil); err != nil {
			return err
		}
		fmt.Println("Executor paused")
		return nil
	},
}

var executorResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatching",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/api/executor/resume", nil); err != nil {
			return err
		}
		fmt.Println("Executor resumed")
		return nil
	},
}

var executorMaxCmd = &cobra.Command{
	Use:   "max [n]",
	Short: "Set the number of executor slots (0-20)",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutorMax,
}

var executorStopCmd = &cobra.Command{
	Use:   "stop-slot [index]",
	Short: "Cancel the task running in a slot",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutorStop,
}

var stopTaskID string

func init() {
	executorCmd.AddCommand(executorStatusCmd, executorPauseCmd, executorResumeCmd, executorMaxCmd, executorStopCmd)
	executorStopCmd.Flags().StringVar(&stopTaskID, "task", "", "Only stop if the slot runs this task")
}

func runExecutorStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/executor")
	if err != nil {
		return err
	}
	var st models.ExecutorStatus
	if err := resp.decodeData(&st); err != nil {
		return err
	}

	state := "running"
	if st.Paused {
		state = "paused"
	}
	fmt.Printf("Mode: %s  State: %s  Active: %d/%d\n\n", st.Mode, state, st.ActiveSlots, st.MaxParallel)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATUS\tTASK\tBRANCH\tDONE\tAVG")
	for _, s := range st.Slots {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			s.Index, s.Status, truncate(s.TaskTitle, 40), s.Branch, s.CompletedCount,
			(time.Duration(s.AvgDurationMs) * time.Millisecond).Round(time.Second))
	}
	return w.Flush()
}

func runExecutorMax(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid slot count %q", args[0])
	}
	resp, err := apiPost("/api/executor/maxparallel", map[string]int{"value": n})
	if err != nil {
		return err
	}
	var result struct {
		MaxParallel int `json:"maxParallel"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		return err
	}
	fmt.Printf("Max parallel set to %d\n", result.MaxParallel)
	return nil
}

func runExecutorStop(cmd *cobra.Command, args []string) error {
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid slot index %q", args[0])
	}
	body := map[string]any{"slot": idx}
	if stopTaskID != "" {
		body["taskId"] = stopTaskID
	}
	if _, err := apiPost("/api/executor/stop-slot", body); err != nil {
		return err
	}
	fmt.Printf("Stopped slot %d\n", idx)
	return nil
}

// --- worktrees ---

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "Manage task worktrees",
}

var worktreesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active worktrees",
	RunE:  runWorktreesList,
}

var worktreesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired and stale worktrees",
	RunE:  runWorktreesPrune,
}

var worktreesReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release a worktree by task key or branch",
	RunE:  runWorktreesRelease,
}

var (
	releaseKey    string
	releaseBranch string
)

func init() {
	worktreesCmd.AddCommand(worktreesListCmd, worktreesPruneCmd, worktreesReleaseCmd)
	worktreesReleaseCmd.Flags().StringVar(&releaseKey, "key", "", "Task key")
	worktreesReleaseCmd.Flags().StringVar(&releaseBranch, "branch", "", "Branch name")
	worktreesReleaseCmd.MarkFlagsOneRequired("key", "branch")
}

func runWorktreesList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/worktrees")
	if err != nil {
		return err
	}
	var wts []models.Worktree
	if err := resp.decodeData(&wts); err != nil {
		return err
	}
	var meta struct {
		Stats struct {
			Total   int `json:"total"`
			Active  int `json:"active"`
			Expired int `json:"expired"`
			Stale   int `json:"stale"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(resp.Raw, &meta); err != nil {
		return err
	}

	if len(wts) == 0 {
		fmt.Println("No active worktrees")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tBRANCH\tOWNER\tEXPIRES\tPATH")
		for _, wt := range wts {
			expires := "-"
			if wt.Lease != nil {
				expires = wt.Lease.ExpiresAt.Local().Format("15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncate(wt.Key, 24), wt.Branch, wt.Owner, expires, wt.Path)
		}
		w.Flush()
	}
	st := meta.Stats
	fmt.Printf("\n%d total, %d active, %d expired, %d stale\n", st.Total, st.Active, st.Expired, st.Stale)
	return nil
}

func runWorktreesPrune(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/worktrees/prune", nil)
	if err != nil {
		return err
	}
	var res struct {
		Scanned int      `json:"scanned"`
		Pruned  []string `json:"pruned"`
		Errors  []struct {
			Key   string `json:"key"`
			Error string `json:"error"`
		} `json:"errors"`
	}
	if err := resp.decodeData(&res); err != nil {
		return err
	}
	fmt.Printf("Scanned %d, pruned %d\n", res.Scanned, len(res.Pruned))
	for _, k := range res.Pruned {
		fmt.Printf("  - %s\n", k)
	}
	for _, e := range res.Errors {
		fmt.Printf("  ! %s: %s\n", e.Key, e.Error)
	}
	return nil
}

func runWorktreesRelease(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/worktrees/release", map[string]string{"taskKey": releaseKey, "branch": releaseBranch})
	if err != nil {
		return err
	}
	var released bool
	if err := resp.decodeData(&released); err != nil {
		return err
	}
	if !released {
		fmt.Println("No matching worktree")
		return nil
	}
	fmt.Println("Worktree released")
	return nil
}

// --- presence ---

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List live fleet instances and the elected coordinator",
	RunE:  runPresence,
}

func runPresence(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/presence")
	if err != nil {
		return err
	}
	var view struct {
		Instances   []models.Instance `json:"instances"`
		Coordinator *models.Instance  `json:"coordinator"`
		Self        *models.Instance  `json:"self"`
	}
	if err := resp.decodeData(&view); err != nil {
		return err
	}

	coord := ""
	if view.Coordinator != nil {
		coord = view.Coordinator.InstanceID
	}
	self := ""
	if view.Self != nil {
		self = view.Self.InstanceID
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tHOST\tPID\tWORKSPACE\tLAST SEEN\tROLE")
	for _, inst := range view.Instances {
		var role string
		switch inst.InstanceID {
		case coord:
			role = "coordinator"
		case self:
			role = "self"
		}
		if inst.InstanceID == coord && inst.InstanceID == self {
			role = "coordinator (self)"
		}
		ago := time.Since(inst.LastHeartbeat).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s ago\t%s\n", inst.InstanceID, inst.Hostname, inst.PID, inst.WorkspaceID, ago, role)
	}
	return w.Flush()
}

// --- shared workspaces ---

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "Manage shared workspace leases",
}

var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show workspace availability",
	RunE:  runWorkspacesList,
}

var workspacesClaimCmd = &cobra.Command{
	Use:   "claim [workspace-id]",
	Short: "Claim a shared workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacesClaim,
}

var workspacesReleaseCmd = &cobra.Command{
	Use:   "release [workspace-id]",
	Short: "Release a shared workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacesRelease,
}

var workspacesRenewCmd = &cobra.Command{
	Use:   "renew [workspace-id]",
	Short: "Renew a shared workspace lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacesRenew,
}

var (
	wsOwner  string
	wsTTL    int
	wsNote   string
	wsForce  bool
	wsReason string
)

func init() {
	workspacesCmd.AddCommand(workspacesListCmd, workspacesClaimCmd, workspacesReleaseCmd, workspacesRenewCmd)

	for _, c := range []*cobra.Command{workspacesClaimCmd, workspacesReleaseCmd, workspacesRenewCmd} {
		c.Flags().StringVar(&wsOwner, "owner", "", "Lease owner (default: daemon instance id)")
	}
	workspacesClaimCmd.Flags().IntVar(&wsTTL, "ttl", 0, "Lease TTL in minutes")
	workspacesClaimCmd.Flags().StringVar(&wsNote, "note", "", "Free-form note")
	workspacesRenewCmd.Flags().IntVar(&wsTTL, "ttl", 0, "New TTL in minutes")
	workspacesRenewCmd.Flags().BoolVar(&wsForce, "force", false, "Renew even if owned by someone else")
	workspacesReleaseCmd.Flags().BoolVar(&wsForce, "force", false, "Release even if owned by someone else")
	workspacesReleaseCmd.Flags().StringVar(&wsReason, "reason", "", "Release reason")
}

func runWorkspacesList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/shared-workspaces")
	if err != nil {
		return err
	}
	var meta struct {
		Availability map[string]struct {
			State     string     `json:"state"`
			Owner     string     `json:"owner"`
			ExpiresAt *time.Time `json:"expiresAt"`
		} `json:"availability"`
		Expired []string `json:"expired"`
	}
	if err := json.Unmarshal(resp.Raw, &meta); err != nil {
		return err
	}
	if len(meta.Availability) == 0 {
		fmt.Println("No shared workspaces registered")
		return nil
	}

	ids := make([]string, 0, len(meta.Availability))
	for id := range meta.Availability {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKSPACE\tSTATE\tOWNER\tEXPIRES")
	for _, id := range ids {
		a := meta.Availability[id]
		expires := "-"
		if a.ExpiresAt != nil {
			expires = a.ExpiresAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, a.State, a.Owner, expires)
	}
	w.Flush()
	if len(meta.Expired) > 0 {
		fmt.Printf("\nexpired this sweep: %v\n", meta.Expired)
	}
	return nil
}

func printLease(resp *apiEnvelope, verb string) error {
	var res struct {
		Lease *models.Lease `json:"lease"`
	}
	if err := json.Unmarshal(resp.Raw, &res); err != nil {
		return err
	}
	if res.Lease == nil {
		fmt.Println(verb)
		return nil
	}
	fmt.Printf("%s %s for %s until %s\n", verb, res.Lease.ResourceID, res.Lease.Owner,
		res.Lease.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func runWorkspacesClaim(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/shared-workspaces/claim", map[string]any{
		"workspaceId": args[0], "owner": wsOwner, "ttlMinutes": wsTTL, "note": wsNote,
	})
	if err != nil {
		return err
	}
	return printLease(resp, "Claimed")
}

func runWorkspacesRenew(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/shared-workspaces/renew", map[string]any{
		"workspaceId": args[0], "owner": wsOwner, "ttlMinutes": wsTTL, "force": wsForce,
	})
	if err != nil {
		return err
	}
	return printLease(resp, "Renewed")
}

func runWorkspacesRelease(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/shared-workspaces/release", map[string]any{
		"workspaceId": args[0], "owner": wsOwner, "force": wsForce, "reason": wsReason,
	}); err != nil {
		return err
	}
	fmt.Printf("Released %s\n", args[0])
	return nil
}
