package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goosewin/promptmatrix/internal/sink"
	"github.com/goosewin/promptmatrix/internal/state"
	"github.com/spf13/cobra"
)

var (
	resultsFollow bool
)

var resultsCmd = &cobra.Command{
	Use:   "results <run-id|path>",
	Short: "Print the records of a run's output file",
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

func init() {
	resultsCmd.Flags().BoolVar(&resultsFollow, "follow", false, "Follow the output while the run is in progress")
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path, runID, err := resolveOutputPath(out, args[0])
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("output file does not exist: %s", path)
	}
	defer file.Close()

	if resultsFollow {
		return followRecords(file, out, runFinished(runID))
	}
	return sink.ReadRecords(file, func(rec sink.Record) error {
		printRecord(out, rec)
		return nil
	})
}

// resolveOutputPath treats arg as a run id when the registry knows it and as
// a file path otherwise. The run id is empty for plain paths.
func resolveOutputPath(w io.Writer, arg string) (string, string, error) {
	if err := state.InitState(); err == nil {
		if run, found, err := state.GetRun(arg); err == nil && found {
			if run.Output == "" {
				return "", "", fmt.Errorf("run %s has no output file", arg)
			}
			fmt.Fprintf(w, "Run: %s (status: %s)\n", run.ID, run.Status)
			fmt.Fprintf(w, "Output: %s\n\n", run.Output)
			return run.Output, run.ID, nil
		}
	}
	if _, err := os.Stat(arg); err != nil {
		return "", "", fmt.Errorf("no run or output file named %s", arg)
	}
	return arg, "", nil
}

// runFinished reports whether a registered run has stopped producing
// output. Plain files are followed until interrupted.
func runFinished(id string) func() bool {
	if id == "" {
		return nil
	}
	return func() bool {
		run, found, err := state.GetRun(id)
		if err != nil || !found {
			return true
		}
		return run.Status != state.StatusRunning || !state.Alive(run)
	}
}

func printRecord(w io.Writer, rec sink.Record) {
	fmt.Fprintf(w, "=== %s\n", rec.Name)
	if rec.System != "" {
		fmt.Fprintf(w, "system: %s\n", rec.System)
	}
	fmt.Fprintf(w, "user: %s\n\n", rec.User)
	fmt.Fprintln(w, strings.TrimRight(rec.Response, "\n"))
	fmt.Fprintln(w, "")
}

var followInterval = 500 * time.Millisecond

// followRecords prints every complete line of file and keeps polling for new
// ones until finished reports true. A partial trailing line is held until its
// newline arrives. Lines appended before finished was observed are still
// printed.
func followRecords(file *os.File, w io.Writer, finished func() bool) error {
	reader := bufio.NewReader(file)
	var pending strings.Builder
	draining := false
	for {
		chunk, readErr := reader.ReadString('\n')
		pending.WriteString(chunk)
		if readErr == nil {
			line := strings.TrimSpace(pending.String())
			pending.Reset()
			if line == "" {
				continue
			}
			var rec sink.Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			printRecord(w, rec)
			continue
		}

		if readErr != io.EOF {
			return readErr
		}
		if draining {
			return nil
		}
		if finished != nil && finished() {
			draining = true
			continue
		}

		time.Sleep(followInterval)
	}
}
