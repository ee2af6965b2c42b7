package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goosewin/promptmatrix/internal/state"
)

const (
	defaultHost         = "127.0.0.1"
	defaultPort         = 8080
	defaultMaxBodyBytes = 4096
)

// Options configures the HTTP status server.
type Options struct {
	Host         string
	Port         int
	Token        string
	Open         bool
	MaxBodyBytes int64
}

// StartServer runs the HTTP status server until ctx is canceled.
func StartServer(ctx context.Context, opts Options) error {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = defaultHost
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	if err := state.InitState(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Handler:           newHandler(handlerOptions{host: host, token: opts.Token, open: opts.Open, maxBody: maxBody}),
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctxTimeout)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		select {
		case shutdownErr := <-shutdownErr:
			return shutdownErr
		default:
			return nil
		}
	}
	return err
}

type handlerOptions struct {
	host    string
	token   string
	open    bool
	maxBody int64
}

func newHandler(opts handlerOptions) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, listRunsResponse())
	})

	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rest, ok := pathRemainder(r.URL.Path, "/runs/")
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		id, results := strings.CutSuffix(rest, "/results")
		if strings.Contains(id, "/") {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}

		run, found, err := state.GetRun(id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "Failed to read run")
			return
		}
		if !found {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Run not found: %s", id))
			return
		}
		if results {
			streamResults(w, run)
			return
		}
		writeJSON(w, http.StatusOK, enrichRun(run))
	})

	mux.HandleFunc("/stop/", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		id, ok := pathRemainder(r.URL.Path, "/stop/")
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		run, err := state.StopRun(id)
		if err != nil {
			if errors.Is(err, state.ErrRunNotFound) {
				writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Run not found: %s", id))
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "Failed to stop run")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Run stopped", "status": run.Status})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "promptmatrix-server"})
	})

	return withCORS(mux, opts)
}

func withCORS(next http.Handler, opts handlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corsOrigin := resolveCORSOrigin(r.Header.Get("Origin"), opts.host, opts.open)
		if corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			if corsOrigin != "*" {
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if opts.maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, opts.maxBody)
		}

		next.ServeHTTP(w, r)
	})
}

func authorizeRequest(w http.ResponseWriter, r *http.Request, opts handlerOptions) bool {
	if opts.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") || fields[1] != opts.token {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or missing Bearer token")
		return false
	}
	return true
}

func resolveCORSOrigin(origin, host string, open bool) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if open {
		return "*"
	}

	switch origin {
	case "http://localhost", "http://127.0.0.1", "http://[::1]":
		return origin
	}

	host = strings.TrimSpace(host)
	if host != "" && host != "0.0.0.0" && host != "::" {
		if origin == "http://"+host {
			return origin
		}
	}
	return ""
}

func pathRemainder(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	remainder := strings.TrimPrefix(path, prefix)
	if remainder == "" {
		return "", false
	}
	decoded, err := url.PathUnescape(remainder)
	if err != nil {
		return "", false
	}
	return decoded, true
}

type runResponse struct {
	state.Run
	IsAlive bool `json:"isAlive"`
}

type listResponse struct {
	Runs []runResponse `json:"runs"`
}

func listRunsResponse() listResponse {
	runs, err := state.ListRuns()
	if err != nil {
		return listResponse{Runs: []runResponse{}}
	}
	response := listResponse{Runs: make([]runResponse, 0, len(runs))}
	for _, run := range runs {
		response.Runs = append(response.Runs, enrichRun(run))
	}
	return response
}

// enrichRun reports a running entry whose process is gone as stale without
// touching the registry.
func enrichRun(run state.Run) runResponse {
	alive := state.Alive(run)
	if run.Status == state.StatusRunning && !alive {
		run.Status = state.StatusStale
	}
	return runResponse{Run: run, IsAlive: alive}
}

func streamResults(w http.ResponseWriter, run state.Run) {
	if run.Output == "" {
		writeJSONError(w, http.StatusNotFound, "Run has no output file")
		return
	}
	file, err := os.Open(run.Output)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Output not found: %s", run.Output))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "Failed to open output")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	payload := map[string]string{"error": message}
	writeJSON(w, status, payload)
}
