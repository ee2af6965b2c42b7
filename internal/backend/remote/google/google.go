package google

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/goosewin/promptmatrix/internal/backend/remote"
)

type Provider struct {
	client *genai.Client
}

var _ remote.Provider = (*Provider)(nil)

func init() {
	if err := remote.RegisterWithCheck("google", New, CheckOptions); err != nil {
		panic(err)
	}
}

// ErrMissingAPIKey is returned when no Gemini API key is configured.
var ErrMissingAPIKey = errors.New("google API key is required")

// CheckOptions rejects options a Gemini client cannot be built from.
func CheckOptions(opts remote.ProviderOptions) error {
	if strings.TrimSpace(opts.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// New builds a Gemini Developer API client.
func New(ctx context.Context, opts remote.ProviderOptions) (remote.Provider, error) {
	if err := CheckOptions(opts); err != nil {
		return nil, err
	}

	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: strings.TrimSpace(opts.BaseURL),
		},
	}
	if opts.Timeout > 0 {
		timeout := opts.Timeout
		cfg.HTTPOptions.Timeout = &timeout
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Stream(ctx context.Context, req remote.Request) (remote.Stream, error) {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	seq := p.client.Models.GenerateContentStream(ctx, req.Model, genai.Text(req.User), cfg)
	next, stop := iter.Pull2(seq)

	// The request is sent when the iterator is first advanced, so pull the
	// first response here to surface connection failures as start errors.
	first, err, ok := next()
	if ok && err != nil {
		stop()
		return nil, err
	}

	return &contentStream{next: next, stop: stop, first: first, primed: ok}, nil
}

type contentStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	first  *genai.GenerateContentResponse
	primed bool
}

func (s *contentStream) Recv() (remote.Chunk, error) {
	var (
		response *genai.GenerateContentResponse
		err      error
		ok       bool
	)
	if s.primed {
		response, ok = s.first, true
		s.first, s.primed = nil, false
	} else {
		response, err, ok = s.next()
	}
	if !ok {
		return remote.Chunk{}, io.EOF
	}
	if err != nil {
		return remote.Chunk{}, err
	}
	return toChunk(response), nil
}

func (s *contentStream) Close() error {
	s.stop()
	return nil
}

func toChunk(response *genai.GenerateContentResponse) remote.Chunk {
	var chunk remote.Chunk
	if response == nil {
		return chunk
	}
	chunk.Content = response.Text()
	if response.UsageMetadata != nil && response.UsageMetadata.CandidatesTokenCount > 0 {
		chunk.Usage = &remote.Usage{
			PromptTokens:     int(response.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(response.UsageMetadata.CandidatesTokenCount),
		}
	}
	return chunk
}
