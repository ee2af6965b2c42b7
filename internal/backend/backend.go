package backend

import (
	"context"
	"time"
)

// Kind identifies one of the two supported backend families.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// ModelConfig is a configured backend target. Only LocalModel and
// RemoteModel implement it.
type ModelConfig interface {
	Kind() Kind
	ID() string
	Skipped() bool
	sealed()
}

// LocalModel configures an in-process inference engine.
type LocalModel struct {
	Path         string `json:"path" yaml:"path"`
	Architecture string `json:"architecture" yaml:"architecture"`
	TemplatePath string `json:"templatePath" yaml:"templatePath"`
	Skip         bool   `json:"skip,omitempty" yaml:"skip,omitempty"`
}

func (m LocalModel) Kind() Kind    { return KindLocal }
func (m LocalModel) ID() string    { return m.Path }
func (m LocalModel) Skipped() bool { return m.Skip }
func (LocalModel) sealed()         {}

// RemoteModel configures a hosted chat-completion API. Name is sent as the
// target model identifier.
type RemoteModel struct {
	Name       string `json:"name" yaml:"name"`
	APIBaseURL string `json:"apiBaseUrl,omitempty" yaml:"apiBaseUrl,omitempty"`
	Provider   string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Skip       bool   `json:"skip,omitempty" yaml:"skip,omitempty"`
}

func (m RemoteModel) Kind() Kind    { return KindRemote }
func (m RemoteModel) ID() string    { return m.Name }
func (m RemoteModel) Skipped() bool { return m.Skip }
func (RemoteModel) sealed()         {}

// Entry is the rendered system and user text for one dispatch.
type Entry struct {
	System string
	User   string
}

// TokenFunc observes each increment of generated text as it arrives.
type TokenFunc func(text string)

// Stats describes one dispatch for throughput reporting.
type Stats struct {
	Tokens   int
	Duration time.Duration
	// TokensExact is false when the backend did not report a token count.
	TokensExact bool
}

// TokensPerSecond returns the generation rate, or false when it cannot be
// computed from exact counts.
func (s Stats) TokensPerSecond() (float64, bool) {
	if !s.TokensExact || s.Duration <= 0 {
		return 0, false
	}
	return float64(s.Tokens) / s.Duration.Seconds(), true
}

// Result is the outcome of one completed dispatch.
type Result struct {
	Name     string
	System   string
	User     string
	Response string
	Stats    Stats
}

// Strategy executes dispatches for one backend kind.
type Strategy interface {
	Kind() Kind
	// Validate checks every configuration of this kind before any work starts.
	Validate(configs []ModelConfig) error
	// Open acquires the resources for one configuration. The returned
	// dispatcher is reused for every variant.
	Open(ctx context.Context, cfg ModelConfig) (Dispatcher, error)
}

// Dispatcher runs rendered entries against one opened configuration.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry Entry, observer TokenFunc) (Result, error)
	Close() error
}
