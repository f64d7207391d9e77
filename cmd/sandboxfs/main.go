// sandboxfs browses a remote sandbox filesystem from the terminal.
//
// The backend is chosen by SANDBOXFS_BACKEND (http, local, sftp, s3) and configured
// from the environment; see internal/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/sandboxfs/internal/config"
	"github.com/fruitsalade/sandboxfs/internal/logging"
	"github.com/fruitsalade/sandboxfs/internal/metrics"
	"github.com/fruitsalade/sandboxfs/pkg/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := flag.String("root", "", "Root path to browse (overrides SANDBOXFS_ROOT)")
	verbose := flag.Bool("v", false, "Log at debug level (overrides LOG_LEVEL)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 || args[0] == "help" {
		printUsage()
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if *root != "" {
		cfg.Root = *root
	}

	format := cfg.LogFormat
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		}
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     format,
		OutputPath: "stderr",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		return 1
	}
	defer logging.Sync()
	if *verbose {
		logging.SetLevel("debug")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := startMetrics(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	fs, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		logging.Error("backend connection failed", zap.String("backend", cfg.Backend), zap.Error(err))
		return 1
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logging.Warn("backend close failed", zap.Error(err))
		}
	}()

	sess, err := engine.Open(ctx, fs, cfg.Root, engine.SessionConfig{Manager: managerConfig(cfg)})
	if err != nil {
		logging.Error("session open failed", zap.Error(err))
		return 1
	}
	defer sess.Close()

	logging.Debug("session opened",
		zap.String("backend", cfg.Backend),
		zap.String("root", sess.Manager().Root()))

	if err := cmd.run(ctx, sess, args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `sandboxfs - browse a sandbox filesystem

Usage: sandboxfs [-root path] [-v] <command> [args]

Commands:`)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
	fmt.Fprintln(os.Stderr, `  help                 Show this help message

Environment:
  SANDBOXFS_BACKEND    http, local, sftp or s3 (default: http)
  SANDBOXFS_ROOT       Root path (default: /)
  LOG_LEVEL            debug, info, warn, error (default: info)
  METRICS_ADDR         Serve Prometheus metrics on this address

Examples:
  SANDBOXFS_BACKEND=local LOCAL_DIR=. sandboxfs tree -depth 3
  HTTP_BASE_URL=http://localhost:8080 sandboxfs cat /src/main.go
  SANDBOXFS_BACKEND=s3 S3_BUCKET=sandbox sandboxfs url /report.pdf`)
}
