package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/goosewin/promptmatrix/internal/backend"
	"github.com/goosewin/promptmatrix/internal/backend/local"
	"github.com/goosewin/promptmatrix/internal/backend/local/llamaserver"
	"github.com/goosewin/promptmatrix/internal/backend/remote"
	_ "github.com/goosewin/promptmatrix/internal/backend/remote/google"
	_ "github.com/goosewin/promptmatrix/internal/backend/remote/openai"
	"github.com/goosewin/promptmatrix/internal/config"
	"github.com/goosewin/promptmatrix/internal/core"
	"github.com/goosewin/promptmatrix/internal/input"
	"github.com/goosewin/promptmatrix/internal/logging"
	"github.com/goosewin/promptmatrix/internal/notify"
	"github.com/goosewin/promptmatrix/internal/sink"
	"github.com/goosewin/promptmatrix/internal/state"
)

var (
	runConcurrent bool
	runWebhook    string
)

var runCmd = &cobra.Command{
	Use:   "run <input|->",
	Short: "Run every prompt variant against every configured model",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runConcurrent, "concurrent", false, "Run local and remote models in parallel")
	runCmd.Flags().StringVar(&runWebhook, "webhook", "", "Notification webhook URL")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := loadConfigForCwd(); err != nil {
		return err
	}
	settings := config.Current()
	logger := logging.New(os.Stderr)

	flags := cmd.Flags()
	concurrent := runConcurrent
	if !flags.Changed("concurrent") {
		concurrent = settings.Concurrent
	}
	webhook := strings.TrimSpace(runWebhook)
	if !flags.Changed("webhook") {
		webhook = strings.TrimSpace(settings.NotifyWebhook)
	}

	inputPath := args[0]
	doc, err := input.Load(inputPath, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if inputPath != input.StdinPath {
		if abs, err := filepath.Abs(inputPath); err == nil {
			inputPath = abs
		}
	}

	startedAt := time.Now()
	path := strings.TrimSpace(outputPath)
	if path == "" {
		path = sink.DefaultPath(settings.OutputDir, startedAt)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	out, err := sink.Open(path, logger)
	if err != nil {
		return err
	}

	if err := state.InitState(); err != nil {
		_ = out.Close()
		return err
	}
	run := state.Run{
		ID:        state.NewRunID(startedAt, os.Getpid()),
		PID:       os.Getpid(),
		Input:     inputPath,
		Output:    path,
		Status:    state.StatusRunning,
		Total:     len(core.Expand(doc.Variables)) * doc.Active(),
		StartedAt: startedAt.UTC(),
	}
	if err := state.SaveRun(run); err != nil {
		_ = out.Close()
		return err
	}
	logger.Debug("registered run", "id", run.ID, "output", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mirror io.Writer
	if showOutput {
		mirror = cmd.OutOrStdout()
	}

	summary, runErr := core.Run(ctx, core.Options{
		Prompt:     doc.Prompt,
		System:     doc.System,
		Variables:  doc.Variables,
		Models:     doc.Models(),
		Strategies: buildStrategies(settings, logger),
		Sink:       out,
		Mirror:     mirror,
		Concurrent: concurrent,
		Progress:   progressRecorder(run.ID, logger),
		Logger:     logger,
	})

	if err := out.Close(); err != nil {
		runErr = multierr.Append(runErr, err)
	}
	if failed := out.Failed(); failed > 0 {
		logger.Warn("records were not written", "count", failed)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records to %s\n", out.Written(), path)

	if err := state.FinishRun(run.ID, summary.Completed, summary.Failed, runErr); err != nil {
		logger.Warn("failed to record run result", "id", run.ID, "err", err)
	}

	if webhook != "" {
		notifyRun(webhook, run, summary, runErr, logger)
	}

	return runErr
}

func buildStrategies(settings config.Settings, logger *log.Logger) map[backend.Kind]backend.Strategy {
	engine := llamaserver.New()
	if settings.Local.ServerPath != "" {
		engine.ServerPath = settings.Local.ServerPath
	}
	if settings.Local.StartupTimeout > 0 {
		engine.StartupTimeout = settings.Local.StartupTimeout
	}
	if settings.Local.GPULayers > 0 {
		engine.GPULayers = settings.Local.GPULayers
	}
	engine.Logger = logger

	return map[backend.Kind]backend.Strategy{
		backend.KindLocal: &local.Strategy{
			Loader: engine,
			UseGPU: useGPU,
			Logger: logger,
		},
		backend.KindRemote: &remote.Strategy{
			APIKeys:         settings.Remote.APIKeys,
			IncludeUsage:    settings.Remote.IncludeUsage,
			Timeout:         settings.Remote.RequestTimeout,
			MaxStreamErrors: remote.DefaultMaxStreamErrors,
			Logger:          logger,
		},
	}
}

// progressRecorder mirrors dispatch counts into the run registry. Phases may
// report concurrently.
func progressRecorder(id string, logger *log.Logger) core.ProgressCallback {
	var (
		mu                sync.Mutex
		completed, failed int
	)
	return func(update core.ProgressUpdate) {
		mu.Lock()
		defer mu.Unlock()
		if update.Failed {
			failed++
		} else {
			completed++
		}
		err := state.UpdateRun(id, func(run *state.Run) {
			run.Completed = completed
			run.Failed = failed
		})
		if err != nil {
			logger.Debug("failed to record progress", "id", id, "err", err)
		}
	}
}

func notifyRun(webhook string, run state.Run, summary core.Summary, runErr error, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source := run.Input
	if source == input.StdinPath {
		source = "stdin"
	}
	details := notify.RunSummary{
		RunID:     run.ID,
		Input:     source,
		Output:    run.Output,
		Total:     summary.Total,
		Completed: summary.Completed,
		Failed:    summary.Failed,
		Duration:  summary.Duration,
	}

	var err error
	if runErr != nil {
		err = notify.NotifyFailed(ctx, notify.FailedOptions{WebhookURL: webhook, Run: details, FailureReason: runErr.Error()})
	} else {
		err = notify.NotifyComplete(ctx, notify.CompleteOptions{WebhookURL: webhook, Run: details})
	}
	if err != nil {
		logger.Warn("webhook notification failed", "err", err)
	}
}
