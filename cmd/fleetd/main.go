package main

import (
	"fmt"
	"os"

	"github.com/fentz26/fleetd/internal/config"
	"github.com/fentz26/fleetd/internal/controlplane"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd - fleet coordination for parallel coding agents",
	Long: `fleetd coordinates a fleet of agent instances: it leases shared workspaces and
git worktrees, elects a coordinator, dispatches kanban tasks to executor slots and
keeps the board in sync with GitHub project webhooks.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string

	// v carries defaults, environment overrides and bound daemon flags.
	v = config.New()
)

func init() {
	controlplane.Version = version

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to fleetd.yaml (default: ./fleetd.yaml or .fleet/fleetd.yaml)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(worktreesCmd)
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(workspacesCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fleetd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("fleetd", version)
	},
}

// loadConfig reads configuration through v so bound flags take part.
func loadConfig() (*config.Config, error) {
	return config.LoadFrom(v, configPath)
}

func bindFlag(key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
