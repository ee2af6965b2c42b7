// Package local dispatches rendered entries to models loaded on this
// machine. Inference is synchronous: tokens reach the observer inline, in
// generation order.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/goosewin/promptmatrix/internal/backend"
)

const (
	SystemMarker = "{{SYSTEM}}"
	PromptMarker = "{{PROMPT}}"
)

var (
	ErrUnknownArchitecture = errors.New("invalid model architecture")
	ErrModelLoad           = errors.New("load model")
)

// Architecture is a recognized model architecture tag.
type Architecture string

const (
	ArchBloom   Architecture = "bloom"
	ArchGPT2    Architecture = "gpt2"
	ArchGPTJ    Architecture = "gptj"
	ArchGPTNeoX Architecture = "gptneox"
	ArchLlama   Architecture = "llama"
	ArchMPT     Architecture = "mpt"
	ArchFalcon  Architecture = "falcon"
)

// Architectures lists every recognized tag.
func Architectures() []Architecture {
	return []Architecture{ArchBloom, ArchGPT2, ArchGPTJ, ArchGPTNeoX, ArchLlama, ArchMPT, ArchFalcon}
}

// ParseArchitecture resolves a tag case-insensitively.
func ParseArchitecture(tag string) (Architecture, error) {
	normalized := Architecture(strings.ToLower(strings.TrimSpace(tag)))
	for _, arch := range Architectures() {
		if arch == normalized {
			return arch, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownArchitecture, tag)
}

// LoadOptions describes one model to load.
type LoadOptions struct {
	Path         string
	Architecture Architecture
	UseGPU       bool
}

// InferStats reports generation counts for one inference.
type InferStats struct {
	Tokens   int
	Duration time.Duration
}

// Model is a loaded model that can run many inferences.
type Model interface {
	Infer(ctx context.Context, prompt string, onToken backend.TokenFunc) (InferStats, error)
	Close() error
}

// Loader loads model weights.
type Loader interface {
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}

// Strategy is the local backend strategy. Validate must run before Open so
// templates are read up front.
type Strategy struct {
	Loader Loader
	UseGPU bool
	Logger *log.Logger

	templates map[string]string
}

var _ backend.Strategy = (*Strategy)(nil)

func (s *Strategy) Kind() backend.Kind {
	return backend.KindLocal
}

// Validate checks the architecture tag of every local model, skipped or not,
// and reads the prompt template of every model that will run.
func (s *Strategy) Validate(configs []backend.ModelConfig) error {
	models := make([]backend.LocalModel, 0, len(configs))
	for _, cfg := range configs {
		model, ok := cfg.(backend.LocalModel)
		if !ok {
			return fmt.Errorf("local strategy cannot validate %s config", cfg.Kind())
		}
		if _, err := ParseArchitecture(model.Architecture); err != nil {
			return err
		}
		models = append(models, model)
	}

	templates := make(map[string]string, len(models))
	for _, model := range models {
		if model.Skip {
			continue
		}
		if _, ok := templates[model.TemplatePath]; ok {
			continue
		}
		data, err := os.ReadFile(model.TemplatePath)
		if err != nil {
			return fmt.Errorf("reading template %s: %w", model.TemplatePath, err)
		}
		templates[model.TemplatePath] = string(data)
	}
	s.templates = templates
	return nil
}

// Open loads the model once; the dispatcher reuses it for every variant.
func (s *Strategy) Open(ctx context.Context, cfg backend.ModelConfig) (backend.Dispatcher, error) {
	model, ok := cfg.(backend.LocalModel)
	if !ok {
		return nil, fmt.Errorf("local strategy cannot open %s config", cfg.Kind())
	}
	if s.Loader == nil {
		return nil, errors.New("local model loader is not configured")
	}

	template, ok := s.templates[model.TemplatePath]
	if !ok {
		return nil, fmt.Errorf("template %s was not validated", model.TemplatePath)
	}
	arch, err := ParseArchitecture(model.Architecture)
	if err != nil {
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger.Info("loading model", "path", model.Path, "architecture", arch, "gpu", s.UseGPU)

	loaded, err := s.Loader.Load(ctx, LoadOptions{Path: model.Path, Architecture: arch, UseGPU: s.UseGPU})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrModelLoad, model.Path, err)
	}

	return &dispatcher{
		name:     model.Path,
		template: template,
		model:    loaded,
		logger:   logger,
	}, nil
}

// ApplyTemplate places rendered system and user text into a model prompt
// template.
func ApplyTemplate(template string, entry backend.Entry) string {
	prompt := strings.ReplaceAll(template, SystemMarker, entry.System)
	return strings.ReplaceAll(prompt, PromptMarker, entry.User)
}

type dispatcher struct {
	name     string
	template string
	model    Model
	logger   *log.Logger
}

func (d *dispatcher) Dispatch(ctx context.Context, entry backend.Entry, observer backend.TokenFunc) (backend.Result, error) {
	result := backend.Result{
		Name:   d.name,
		System: entry.System,
		User:   entry.User,
	}

	var response strings.Builder
	stats, err := d.model.Infer(ctx, ApplyTemplate(d.template, entry), func(token string) {
		response.WriteString(token)
		if observer != nil {
			observer(token)
		}
	})
	if err != nil {
		return result, fmt.Errorf("inference with %s: %w", d.name, err)
	}

	result.Response = response.String()
	result.Stats = backend.Stats{Tokens: stats.Tokens, Duration: stats.Duration, TokensExact: true}
	if rate, ok := result.Stats.TokensPerSecond(); ok {
		d.logger.Infof("generated %d tokens in %s (%.2f tokens/sec)", stats.Tokens, stats.Duration.Round(time.Millisecond), rate)
	}
	return result, nil
}

func (d *dispatcher) Close() error {
	return d.model.Close()
}
