// Package remote dispatches rendered entries to hosted chat-completion APIs
// over streaming HTTP.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/goosewin/promptmatrix/internal/backend"
)

// DefaultMaxStreamErrors bounds consecutive chunk errors before a stream is
// abandoned.
const DefaultMaxStreamErrors = 8

var ErrStreamStart = errors.New("start stream")

// Request is one chat completion to stream.
type Request struct {
	Model  string
	System string
	User   string
}

// Usage is the token accounting a provider reports at the end of a stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Chunk is one decoded increment of a response stream.
type Chunk struct {
	Content string
	Usage   *Usage
}

// Stream yields chunks until it returns io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider opens response streams against one endpoint.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ProviderOptions configures a provider client for one remote model.
type ProviderOptions struct {
	BaseURL      string
	APIKey       string
	IncludeUsage bool
	Timeout      time.Duration
}

// Factory builds a provider client.
type Factory func(ctx context.Context, opts ProviderOptions) (Provider, error)

// Strategy is the remote backend strategy.
type Strategy struct {
	// APIKeys maps provider name to credential.
	APIKeys         map[string]string
	IncludeUsage    bool
	Timeout         time.Duration
	MaxStreamErrors int
	Logger          *log.Logger
}

var _ backend.Strategy = (*Strategy)(nil)

func (s *Strategy) Kind() backend.Kind {
	return backend.KindRemote
}

// Validate checks that each remote model that will run names a model and a
// known provider, and that the provider's options are usable.
func (s *Strategy) Validate(configs []backend.ModelConfig) error {
	for _, cfg := range configs {
		model, ok := cfg.(backend.RemoteModel)
		if !ok {
			return fmt.Errorf("remote strategy cannot validate %s config", cfg.Kind())
		}
		if model.Skip {
			continue
		}
		if strings.TrimSpace(model.Name) == "" {
			return errors.New("remote model name is required")
		}
		providerName := resolveName(model.Provider)
		if _, ok := Lookup(providerName); !ok {
			return fmt.Errorf("%w: %s", ErrProviderNotFound, model.Provider)
		}
		if check := lookupCheck(providerName); check != nil {
			if err := check(s.providerOptions(providerName, model)); err != nil {
				return fmt.Errorf("remote model %s (%s): %w", model.Name, providerName, err)
			}
		}
	}
	return nil
}

// Open builds the provider client for one remote model.
func (s *Strategy) Open(ctx context.Context, cfg backend.ModelConfig) (backend.Dispatcher, error) {
	model, ok := cfg.(backend.RemoteModel)
	if !ok {
		return nil, fmt.Errorf("remote strategy cannot open %s config", cfg.Kind())
	}

	providerName := resolveName(model.Provider)
	factory, ok := Lookup(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}

	provider, err := factory(ctx, s.providerOptions(providerName, model))
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", providerName, err)
	}

	maxErrors := s.MaxStreamErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxStreamErrors
	}

	logger := s.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &dispatcher{
		model:     model,
		provider:  provider,
		maxErrors: maxErrors,
		logger:    logger.With("model", model.Name),
	}, nil
}

func (s *Strategy) providerOptions(providerName string, model backend.RemoteModel) ProviderOptions {
	return ProviderOptions{
		BaseURL:      model.APIBaseURL,
		APIKey:       s.APIKeys[providerName],
		IncludeUsage: s.IncludeUsage,
		Timeout:      s.Timeout,
	}
}

type dispatcher struct {
	model     backend.RemoteModel
	provider  Provider
	maxErrors int
	logger    *log.Logger
}

func (d *dispatcher) Dispatch(ctx context.Context, entry backend.Entry, observer backend.TokenFunc) (backend.Result, error) {
	start := time.Now()
	result := backend.Result{
		Name:   d.model.Name,
		System: entry.System,
		User:   entry.User,
	}

	stream, err := d.provider.Stream(ctx, Request{
		Model:  d.model.Name,
		System: entry.System,
		User:   entry.User,
	})
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrStreamStart, err)
	}
	defer stream.Close()

	var (
		response    strings.Builder
		usage       *Usage
		consecutive int
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			consecutive++
			d.logger.Error("stream chunk failed", "err", err)
			if consecutive >= d.maxErrors {
				d.logger.Warn("abandoning stream after repeated errors", "errors", consecutive)
				break
			}
			continue
		}
		consecutive = 0

		if chunk.Content != "" {
			response.WriteString(chunk.Content)
			if observer != nil {
				observer(chunk.Content)
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	result.Response = response.String()
	result.Stats.Duration = time.Since(start)
	if usage != nil {
		result.Stats.Tokens = usage.CompletionTokens
		result.Stats.TokensExact = true
	}

	if rate, ok := result.Stats.TokensPerSecond(); ok {
		d.logger.Infof("generated %d tokens in %s (%.2f tokens/sec)", result.Stats.Tokens, result.Stats.Duration.Round(time.Millisecond), rate)
	} else {
		d.logger.Infof("completed in %s", result.Stats.Duration.Round(time.Millisecond))
	}

	return result, nil
}

func (d *dispatcher) Close() error {
	if closer, ok := d.provider.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
