package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/goosewin/promptmatrix/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveHost  string
	servePort  int
	serveToken string
	serveOpen  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP run status server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	defaultHost := envOrDefault("PROMPTMATRIX_SERVER_HOST", "127.0.0.1")
	defaultPort := envIntOrDefault("PROMPTMATRIX_SERVER_PORT", 8080)
	defaultToken := os.Getenv("PROMPTMATRIX_SERVER_TOKEN")
	defaultOpen := envBoolOrDefault("PROMPTMATRIX_SERVER_OPEN", false)

	serveCmd.Flags().StringVarP(&serveHost, "host", "H", defaultHost, "Host/IP to bind to")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", defaultPort, "Port number")
	serveCmd.Flags().StringVarP(&serveToken, "token", "t", defaultToken, "Authentication token")
	serveCmd.Flags().BoolVar(&serveOpen, "open", defaultOpen, "Disable token requirement (use with caution)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	host := strings.TrimSpace(serveHost)
	if host == "" {
		host = "127.0.0.1"
	}
	if servePort < 1 || servePort > 65535 {
		return fmt.Errorf("invalid port number: %d", servePort)
	}
	if !isLocalhost(host) && serveToken == "" && !serveOpen {
		return errors.New("token required when binding to non-localhost address (use --token or --open)")
	}
	if !isLocalhost(host) && serveOpen && serveToken == "" {
		fmt.Fprintln(os.Stderr, "Warning: server exposed without authentication (--open flag used)")
		fmt.Fprintln(os.Stderr, "Anyone with network access can view and stop your runs!")
	}

	printServerInfo(host, servePort, serveToken)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.StartServer(ctx, server.Options{
		Host:  host,
		Port:  servePort,
		Token: serveToken,
		Open:  serveOpen,
	})
}

func printServerInfo(host string, port int, token string) {
	fmt.Printf("Starting promptmatrix status server on %s:%d...\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /runs              - List all runs")
	fmt.Println("  GET  /runs/:id          - Get a specific run")
	fmt.Println("  GET  /runs/:id/results  - Stream a run's NDJSON output")
	fmt.Println("  POST /stop/:id          - Stop a run")
	if strings.TrimSpace(token) != "" {
		fmt.Println("Authentication: Bearer token required")
	} else {
		fmt.Println("Authentication: None (use --token to enable)")
	}
	fmt.Println("")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("")
}

func isLocalhost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envBoolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
