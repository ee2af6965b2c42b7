package cmd

import (
	"errors"
	"fmt"

	"github.com/goosewin/promptmatrix/internal/state"
	"github.com/spf13/cobra"
)

var (
	stopAll bool
)

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop a running evaluation",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVarP(&stopAll, "all", "a", false, "Stop all running evaluations")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	if err := state.InitState(); err != nil {
		return err
	}

	if stopAll {
		return stopAllRuns()
	}

	if len(args) == 0 || args[0] == "" {
		return errors.New("run id is required (use --all to stop all runs)")
	}

	run, err := state.StopRun(args[0])
	if err != nil {
		return err
	}
	if run.Status != state.StatusStopped {
		fmt.Printf("Run %s is not running (status: %s)\n", run.ID, run.Status)
		return nil
	}

	fmt.Printf("Stopped run: %s\n", run.ID)
	return nil
}

func stopAllRuns() error {
	runs, err := state.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	stopped := 0
	for _, run := range runs {
		if run.Status != state.StatusRunning {
			continue
		}
		if _, err := state.StopRun(run.ID); err != nil {
			return err
		}
		fmt.Printf("Stopped run: %s\n", run.ID)
		stopped++
	}

	if stopped == 0 {
		fmt.Println("No running runs to stop")
		return nil
	}

	fmt.Printf("Stopped %d run(s)\n", stopped)
	return nil
}
