package cmd

import (
	"fmt"
	"strings"

	"github.com/goosewin/promptmatrix/internal/state"
	"github.com/spf13/cobra"
)

var runsRemoveStale bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recorded evaluation runs",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().BoolVar(&runsRemoveStale, "cleanup", false, "Remove runs whose process has exited")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	if err := state.InitState(); err != nil {
		return err
	}

	mode := state.CleanupMark
	if runsRemoveStale {
		mode = state.CleanupRemove
	}
	cleaned, err := state.CleanupStale(mode)
	if err != nil {
		return err
	}
	if runsRemoveStale && len(cleaned) > 0 {
		fmt.Printf("Removed %d stale run(s)\n\n", len(cleaned))
	}

	runs, err := state.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		fmt.Println("Start one with: promptmatrix run <input>")
		return nil
	}

	idWidth := len("ID")
	statusWidth := len("STATUS")
	progressWidth := len("PROGRESS")
	outputWidth := len("OUTPUT")

	progress := make([]string, len(runs))
	outputs := make([]string, len(runs))
	for i, run := range runs {
		progress[i] = formatProgress(run)
		outputs[i] = truncatePath(run.Output, 48)
		idWidth = max(idWidth, len(run.ID))
		statusWidth = max(statusWidth, len(run.Status))
		progressWidth = max(progressWidth, len(progress[i]))
		outputWidth = max(outputWidth, len(outputs[i]))
	}

	fmt.Printf("%-*s  %-*s  %-*s  %-*s\n", idWidth, "ID", statusWidth, "STATUS", progressWidth, "PROGRESS", outputWidth, "OUTPUT")
	fmt.Printf("%-*s  %-*s  %-*s  %-*s\n", idWidth, strings.Repeat("-", idWidth), statusWidth, strings.Repeat("-", statusWidth), progressWidth, strings.Repeat("-", progressWidth), outputWidth, strings.Repeat("-", outputWidth))
	for i, run := range runs {
		fmt.Printf("%-*s  %-*s  %-*s  %-*s\n", idWidth, run.ID, statusWidth, run.Status, progressWidth, progress[i], outputWidth, outputs[i])
	}

	fmt.Println("")
	fmt.Println("Commands: promptmatrix results <id>, promptmatrix stop <id>")
	return nil
}

func formatProgress(run state.Run) string {
	progress := fmt.Sprintf("%d/%d", run.Completed, run.Total)
	if run.Failed > 0 {
		progress += fmt.Sprintf(" (%d failed)", run.Failed)
	}
	return progress
}

func truncatePath(path string, limit int) string {
	if limit <= 0 || len(path) <= limit {
		return path
	}
	if limit <= 3 {
		return path[:limit]
	}
	return "..." + path[len(path)-(limit-3):]
}
