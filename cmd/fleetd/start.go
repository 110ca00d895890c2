package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
)

const (
	startPollInterval = 250 * time.Millisecond
	startPollAttempts = 20
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Long:  `Spawns "fleetd daemon" detached from the terminal and waits until /health answers.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if h, err := CheckHealth(); err == nil {
		fmt.Printf("fleetd already running (%s, instance %s)\n", h.Version, h.Instance)
		return nil
	}
	return startDaemon()
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemonArgs := []string{"daemon"}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	cmd := exec.Command(exe, daemonArgs...)
	configureDaemonProc(cmd)

	// Detached: the daemon logs to logging.dir when set.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	fmt.Print("Waiting for daemon...")
	for i := 0; i < startPollAttempts; i++ {
		if h, err := CheckHealth(); err == nil {
			fmt.Printf(" done (pid %d, instance %s)\n", pid, h.Instance)
			return nil
		}
		time.Sleep(startPollInterval)
		fmt.Print(".")
	}
	fmt.Println(" timeout")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
