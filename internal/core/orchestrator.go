package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/goosewin/promptmatrix/internal/backend"
	"github.com/goosewin/promptmatrix/internal/sink"
)

var (
	ErrNoSink         = errors.New("output sink is required")
	ErrNoStrategy     = errors.New("no strategy configured")
	ErrDispatchFailed = errors.New("dispatches failed")
)

// ProgressCallback receives one update per finished dispatch.
type ProgressCallback func(update ProgressUpdate)

type ProgressUpdate struct {
	N      int
	Total  int
	Name   string
	Failed bool
}

type Options struct {
	Prompt    string
	System    string
	Variables map[string][]string
	// Models in input order. Kinds are dispatched local first.
	Models     []backend.ModelConfig
	Strategies map[backend.Kind]backend.Strategy
	Sink       *sink.Sink
	// Mirror receives streamed tokens with a blank line before and after each
	// dispatch. Writes are serialized; in concurrent mode tokens of the two
	// phases may interleave.
	Mirror io.Writer
	// Concurrent runs the local and remote phases in parallel. Progress must
	// then be safe for concurrent use.
	Concurrent bool
	Progress   ProgressCallback
	Logger     *log.Logger
}

type Summary struct {
	Variants  int
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// phaseOrder is the dispatch order of backend kinds.
var phaseOrder = []backend.Kind{backend.KindLocal, backend.KindRemote}

type phase struct {
	kind     backend.Kind
	strategy backend.Strategy
	configs  []backend.ModelConfig
	// offset is the number of active configs dispatched by earlier phases.
	offset int
}

// Run validates every configuration, then dispatches each variant to each
// active configuration and sends the results to the sink. A failure in one
// phase does not stop the other; their errors are combined.
func Run(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{}
	if opts.Sink == nil {
		return summary, ErrNoSink
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	grouped := make(map[backend.Kind][]backend.ModelConfig, len(phaseOrder))
	for _, cfg := range opts.Models {
		grouped[cfg.Kind()] = append(grouped[cfg.Kind()], cfg)
	}

	phases := make([]phase, 0, len(phaseOrder))
	active := 0
	for _, kind := range phaseOrder {
		configs := grouped[kind]
		if len(configs) == 0 {
			continue
		}
		strategy := opts.Strategies[kind]
		if strategy == nil {
			return summary, fmt.Errorf("%w for %s models", ErrNoStrategy, kind)
		}
		if err := strategy.Validate(configs); err != nil {
			return summary, err
		}

		runnable := make([]backend.ModelConfig, 0, len(configs))
		for _, cfg := range configs {
			if cfg.Skipped() {
				summary.Skipped++
				continue
			}
			runnable = append(runnable, cfg)
		}
		phases = append(phases, phase{kind: kind, strategy: strategy, configs: runnable, offset: active})
		active += len(runnable)
	}

	variants := Expand(opts.Variables)
	summary.Variants = len(variants)
	summary.Total = len(variants) * active
	logger.Infof("generated %d variants", len(variants))
	logger.Info("starting run", "backends", active, "skipped", summary.Skipped, "total", summary.Total)

	start := time.Now()
	r := &runner{opts: opts, logger: logger, variants: variants, total: summary.Total}
	errs := make([]error, len(phases))
	if opts.Concurrent {
		var wg conc.WaitGroup
		for i, p := range phases {
			wg.Go(func() {
				errs[i] = r.runPhase(ctx, p)
			})
		}
		wg.Wait()
	} else {
		for i, p := range phases {
			errs[i] = r.runPhase(ctx, p)
		}
	}

	summary.Completed, summary.Failed = r.counts()
	summary.Duration = time.Since(start)
	return summary, multierr.Combine(errs...)
}

type runner struct {
	opts     Options
	logger   *log.Logger
	variants []Variant
	total    int

	mu        sync.Mutex
	completed int
	failed    int

	mirrorMu sync.Mutex
}

func (r *runner) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed, r.failed
}

func (r *runner) record(n int, name string, failed bool) {
	r.mu.Lock()
	if failed {
		r.failed++
	} else {
		r.completed++
	}
	r.mu.Unlock()

	if r.opts.Progress != nil {
		r.opts.Progress(ProgressUpdate{N: n, Total: r.total, Name: name, Failed: failed})
	}
}

// runPhase dispatches every variant to each config of one kind. An Open
// failure ends the phase. Dispatch failures are logged, skipped, and
// reported together once the loop finishes.
func (r *runner) runPhase(ctx context.Context, p phase) error {
	if len(r.variants) == 0 || len(p.configs) == 0 {
		return nil
	}

	sender := r.opts.Sink.Sender()
	defer sender.Release()

	var observer backend.TokenFunc
	if r.opts.Mirror != nil {
		observer = r.mirror
	}

	attempted, failed := 0, 0
	var errs error
	for i, cfg := range p.configs {
		dispatcher, err := p.strategy.Open(ctx, cfg)
		if err != nil {
			r.logger.Error("open backend", "kind", p.kind, "name", cfg.ID(), "err", err)
			errs = multierr.Append(errs, fmt.Errorf("%s phase aborted: %w", p.kind, err))
			break
		}

		for j, variant := range r.variants {
			if err := ctx.Err(); err != nil {
				closeDispatcher(r.logger, dispatcher, cfg)
				return multierr.Append(errs, err)
			}

			n := (p.offset+i)*len(r.variants) + j + 1
			entry := Render(r.opts.System, r.opts.Prompt, variant)
			r.logger.Infof("[%d/%d] running prompt %d with %s", n, r.total, j+1, cfg.ID())

			attempted++
			r.mirrorBreak()
			result, err := dispatcher.Dispatch(ctx, entry, observer)
			r.mirrorBreak()
			if err != nil {
				failed++
				r.logger.Error("dispatch failed", "name", cfg.ID(), "prompt", j+1, "err", err)
				r.record(n, cfg.ID(), true)
				continue
			}

			if err := sender.Send(toRecord(result)); err != nil {
				failed++
				r.logger.Error("queue result", "name", cfg.ID(), "prompt", j+1, "err", err)
				r.record(n, cfg.ID(), true)
				continue
			}
			r.record(n, cfg.ID(), false)
		}

		closeDispatcher(r.logger, dispatcher, cfg)
	}

	if failed > 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d of %d %s", ErrDispatchFailed, failed, attempted, p.kind))
	}
	return errs
}

// mirror serializes writes so concurrent phases never share the writer.
func (r *runner) mirror(text string) {
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()
	_, _ = io.WriteString(r.opts.Mirror, text)
}

func (r *runner) mirrorBreak() {
	if r.opts.Mirror != nil {
		r.mirror("\n")
	}
}

func closeDispatcher(logger *log.Logger, dispatcher backend.Dispatcher, cfg backend.ModelConfig) {
	if err := dispatcher.Close(); err != nil {
		logger.Warn("close backend", "name", cfg.ID(), "err", err)
	}
}

func toRecord(result backend.Result) sink.Record {
	return sink.Record{
		Name:     result.Name,
		System:   result.System,
		User:     result.User,
		Response: result.Response,
	}
}
