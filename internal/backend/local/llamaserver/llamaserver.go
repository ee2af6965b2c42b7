// Package llamaserver loads local models by running a llama.cpp server
// process per model and streaming completions from it.
package llamaserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	units "github.com/docker/go-units"
	openai "github.com/sashabaranov/go-openai"

	"github.com/goosewin/promptmatrix/internal/backend"
	"github.com/goosewin/promptmatrix/internal/backend/local"
)

const (
	DefaultServerPath     = "llama-server"
	DefaultStartupTimeout = 2 * time.Minute
	DefaultGPULayers      = 999
)

var ErrServerExited = errors.New("llama-server exited")

// Engine starts one llama-server process per loaded model.
type Engine struct {
	ServerPath     string
	StartupTimeout time.Duration
	// GPULayers is the layer count offloaded when GPU use is requested.
	GPULayers int
	Logger    *log.Logger
}

var _ local.Loader = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		ServerPath:     DefaultServerPath,
		StartupTimeout: DefaultStartupTimeout,
		GPULayers:      DefaultGPULayers,
	}
}

// CheckInstalled reports whether the server binary can be found.
func (e *Engine) CheckInstalled() error {
	if strings.TrimSpace(e.ServerPath) == "" {
		return errors.New("llama-server executable path is empty")
	}
	if _, err := exec.LookPath(e.ServerPath); err != nil {
		return fmt.Errorf("llama-server not installed: %w", err)
	}
	return nil
}

// Load starts a server for the model and blocks until it reports healthy.
func (e *Engine) Load(ctx context.Context, opts local.LoadOptions) (local.Model, error) {
	info, err := os.Stat(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("model path is a directory: %s", opts.Path)
	}
	if err := e.CheckInstalled(); err != nil {
		return nil, err
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	gpuLayers := 0
	if opts.UseGPU {
		gpuLayers = e.GPULayers
		if gpuLayers <= 0 {
			gpuLayers = DefaultGPULayers
		}
	}

	args := []string{
		"-m", opts.Path,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"-ngl", strconv.Itoa(gpuLayers),
	}

	// The process lives until Close, not until the load context ends.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, e.ServerPath, args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start llama-server: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	stop := processStopper(cancel, exited, stderr)

	timeout := e.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitHealthy(ctx, baseURL, timeout, exited); err != nil {
		cancel()
		if errors.Is(err, ErrServerExited) {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("%w: %s", err, lastLine(msg))
			}
			return nil, err
		}
		<-exited
		return nil, err
	}

	if e.Logger != nil {
		e.Logger.Info("loaded model", "path", opts.Path, "size", units.HumanSize(float64(info.Size())), "gpu_layers", gpuLayers)
	}

	return newModel(baseURL, filepath.Base(opts.Path), stop), nil
}

type model struct {
	client *openai.Client
	name   string
	stop   func() error
	once   sync.Once
}

func newModel(baseURL, name string, stop func() error) *model {
	cfg := openai.DefaultConfig("no-key")
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return &model{client: openai.NewClientWithConfig(cfg), name: name, stop: stop}
}

// Infer streams one completion. The server emits one token per event.
func (m *model) Infer(ctx context.Context, prompt string, onToken backend.TokenFunc) (local.InferStats, error) {
	start := time.Now()
	stream, err := m.client.CreateCompletionStream(ctx, openai.CompletionRequest{
		Model:  m.name,
		Prompt: prompt,
		Stream: true,
	})
	if err != nil {
		return local.InferStats{}, err
	}
	defer stream.Close()

	tokens := 0
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return local.InferStats{Tokens: tokens, Duration: time.Since(start)}, err
		}
		for _, choice := range response.Choices {
			if choice.Text == "" {
				continue
			}
			tokens++
			if onToken != nil {
				onToken(choice.Text)
			}
		}
	}

	return local.InferStats{Tokens: tokens, Duration: time.Since(start)}, nil
}

func (m *model) Close() error {
	var err error
	m.once.Do(func() {
		if m.stop != nil {
			err = m.stop()
		}
	})
	return err
}

// processStopper returns a close function that reports a server which exited
// on its own before being stopped.
func processStopper(cancel context.CancelFunc, exited <-chan error, stderr *syncBuffer) func() error {
	return func() error {
		select {
		case err := <-exited:
			cancel()
			reason := "exit status 0"
			if err != nil {
				reason = err.Error()
			}
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				reason += ": " + lastLine(msg)
			}
			return fmt.Errorf("%w before close: %s", ErrServerExited, reason)
		default:
		}
		cancel()
		<-exited
		return nil
	}
}

func waitHealthy(ctx context.Context, baseURL string, timeout time.Duration, exited <-chan error) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("llama-server not healthy after %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-exited:
			if err != nil {
				return fmt.Errorf("%w: %w", ErrServerExited, err)
			}
			return ErrServerExited
		case <-ticker.C:
		}
	}
}

func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

func lastLine(text string) string {
	if idx := strings.LastIndex(text, "\n"); idx >= 0 {
		return text[idx+1:]
	}
	return text
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
