package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 success, 1 generic failure, 2 not found, 3 conflict.
const (
	exitOK       = 0
	exitError    = 1
	exitNotFound = 2
	exitConflict = 3
)

var managerAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch status.Code(err) {
	case codes.NotFound:
		return exitNotFound
	case codes.FailedPrecondition, codes.Aborted, codes.AlreadyExists:
		return exitConflict
	default:
		return exitError
	}
}

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Hive - distributed compute session scheduler",
	Long: `Hive schedules and supervises compute sessions across a pool of
worker agents. A session is one or more kernels (containers) scheduled
and torn down together, with per-scope resource accounting and a
replicated control plane.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hive version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&managerAddr, "manager", "127.0.0.1:7100",
		"Manager API address")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(joinTokenCmd)

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(interruptCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(setPriorityCmd)
	rootCmd.AddCommand(showQueueCmd)
	rootCmd.AddCommand(watchCmd)

	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(drainAgentCmd)
	rootCmd.AddCommand(forceTerminateCmd)
	rootCmd.AddCommand(recalcUsageCmd)
	rootCmd.AddCommand(rescanImagesCmd)
	rootCmd.AddCommand(clusterInfoCmd)
}
