package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/flowpilot/internal/logging"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/flowpilot/
var version = "dev"

const usageText = `flowpilot runs visual automation workflows.

Usage:
  flowpilot <command> [flags]

Commands:
  serve      start the HTTP API, realtime streams and scheduler
  mcp        serve the MCP tools over stdio
  run        execute a workflow definition file and print the result
  validate   check a workflow definition file
  init       write settings.json
  version    print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "mcp":
		err = runMCP(args)
	case "run":
		err = runFile(args, os.Stdout)
	case "validate":
		err = runValidate(args, os.Stdout)
	case "init":
		err = runInit(args)
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP stdio transport.
func newLogger(cfg Config, level *slog.LevelVar) *slog.Logger {
	level.Set(logging.ParseLevel(cfg.LogLevel))
	return logging.New(os.Stderr, logging.Options{Format: cfg.LogFormat, LevelVar: level})
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	level := new(slog.LevelVar)
	logger := newLogger(cfg, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.startScheduler(ctx); err != nil {
		return errors.Join(err, a.Close(context.Background()))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.apiServer(ctx).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("flowpilot listening", "addr", cfg.ListenAddr, "db", cfg.DBPath, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err, ok := <-serveErr:
			if ok {
				runErr = err
			}
			break loop
		case <-hup:
			cfg = reloadConfig(cfg, level, logger)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()
	// Request contexts derive from ctx; cancelling it ends open streams.
	srv.RegisterOnShutdown(stop)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
		_ = srv.Close()
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// reloadConfig applies what can change at runtime and reports the rest.
func reloadConfig(old Config, level *slog.LevelVar, logger *slog.Logger) Config {
	next, err := loadConfig()
	if err != nil {
		logger.Error("config reload failed", "error", err)
		return old
	}
	d := diffConfigs(old, next)
	if d.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", "level", next.LogLevel)
	}
	if len(d.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", "fields", d.RestartNeeded)
	}
	// Keep the running values of fields that were not applied.
	old.LogLevel = next.LogLevel
	return old
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	withScheduler := fs.Bool("scheduler", false, "also run scheduled jobs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, new(slog.LevelVar))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if *withScheduler {
		if err := a.startScheduler(ctx); err != nil {
			return errors.Join(err, a.Close(context.Background()))
		}
	}

	serveErr := a.mcp.Serve(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	return errors.Join(serveErr, a.Close(shutdownCtx))
}

func runInit(args []string) error {
	def := defaultConfig()
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", def.ListenAddr, "TCP listen address")
	dbPath := fs.String("db-path", def.DBPath, "database path")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", def.LogFormat, "log format: text, json")
	force := fs.Bool("force", false, "overwrite an existing settings.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := def
	cfg.ListenAddr = *listenAddr
	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	return writeSettings(settingsPath(), cfg, *force, os.Stdout)
}

func writeSettings(path string, cfg Config, force bool, out io.Writer) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", path)
	return nil
}
