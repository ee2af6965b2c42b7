package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/goosewin/promptmatrix/internal/backend/remote"
)

// DefaultBaseURL is used when a remote model does not set apiBaseUrl.
const DefaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	client       *openai.Client
	includeUsage bool
}

var _ remote.Provider = (*Provider)(nil)

func init() {
	if err := remote.Register("openai", New); err != nil {
		panic(err)
	}
}

// New builds a chat-completion client for an OpenAI-compatible endpoint.
func New(_ context.Context, opts remote.ProviderOptions) (remote.Provider, error) {
	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = DefaultBaseURL
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Provider{
		client:       openai.NewClientWithConfig(cfg),
		includeUsage: opts.IncludeUsage,
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req remote.Request) (remote.Stream, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	msgs = append(msgs,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User},
	)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	}
	if p.includeUsage {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	return &chatStream{stream: stream}, nil
}

type chatStream struct {
	stream *openai.ChatCompletionStream
}

// Recv concatenates the delta content of every choice in the next event.
func (s *chatStream) Recv() (remote.Chunk, error) {
	response, err := s.stream.Recv()
	if err != nil {
		return remote.Chunk{}, err
	}

	var chunk remote.Chunk
	if len(response.Choices) > 0 {
		var builder strings.Builder
		for _, choice := range response.Choices {
			builder.WriteString(choice.Delta.Content)
		}
		chunk.Content = builder.String()
	}
	if response.Usage != nil {
		chunk.Usage = &remote.Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
		}
	}
	return chunk, nil
}

func (s *chatStream) Close() error {
	if s.stream == nil {
		return errors.New("stream is not open")
	}
	return s.stream.Close()
}
