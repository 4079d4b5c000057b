package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/turnstile/internal/backoff"
	"github.com/haasonsaas/turnstile/internal/config"
	"github.com/haasonsaas/turnstile/internal/gateway"
	"github.com/haasonsaas/turnstile/internal/observability"
	"github.com/haasonsaas/turnstile/internal/sessions"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, wires the gateway and runs until a signal
// arrives, or with --once until the event file is drained.
func runServe(cmd *cobra.Command, opts serveOptions) error {
	if opts.once && opts.events == "" {
		return fmt.Errorf("--once requires --events")
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		cfg     *config.Config
		watcher *config.Watcher
	)
	if path, ok := resolveConfigPath(); ok {
		w, err := config.NewWatcher(path, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		watcher = w
		cfg = w.Current()
	} else {
		cfg = config.Default()
	}

	logCfg := cfg.LogConfig()
	if opts.debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	tracer, shutdownTracer := observability.NewTracer(cfg.TraceConfig(version))
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	out, closeOut, err := openOutput(cmd, opts.output)
	if err != nil {
		return err
	}
	defer closeOut()

	gw, err := gateway.New(cfg, store, gateway.NewLogEngine(out, opts.engineDelay),
		gateway.WithLogger(logger),
		gateway.WithTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	stopHeartbeat, err := gw.Tracker().StartHeartbeat(cfg.Observability.Heartbeat)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer stopHeartbeat()

	if watcher != nil {
		watcher.Subscribe(gw.ApplyConfig)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
		defer watcher.Close()
	}

	logger.Info("turnstile started",
		"version", version,
		"commit", commit,
		"store", cfg.Store.Driver,
		"queue_mode", cfg.Queue.Mode,
	)

	g, gctx := errgroup.WithContext(ctx)

	addr := strings.TrimSpace(opts.httpAddr)
	if addr == "" {
		addr = cfg.Server.HTTPAddr
	}
	if addr != "off" {
		g.Go(func() error {
			return gw.Serve(gctx, addr)
		})
	}

	if opts.events != "" {
		in, closeIn, err := openInput(cmd, opts.events)
		if err != nil {
			return err
		}
		defer closeIn()
		g.Go(func() error {
			if err := readEvents(gctx, gw, in, logger); err != nil {
				return err
			}
			if opts.once {
				waitIdle(gctx, gw)
				cancel()
			}
			return nil
		})
	}
	if addr == "off" && opts.events == "" {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := gw.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return runErr
}

// openStore opens the configured session store, retrying transient
// connection failures.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sessions.Store, error) {
	var store sessions.Store
	err := backoff.Retry(ctx, backoff.DefaultPolicy(), cfg.Store.ConnectAttempts, func(attempt int) error {
		s, err := dialStore(ctx, cfg)
		if err != nil {
			logger.Warn("session store unavailable", "driver", cfg.Store.Driver, "attempt", attempt, "error", err)
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return store, nil
}

func dialStore(ctx context.Context, cfg *config.Config) (sessions.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		return sessions.NewSQLiteStore(ctx, cfg.Store.Path)
	case "postgres":
		return sessions.NewPostgresStore(ctx, cfg.Store.DSN, cfg.PostgresConfig())
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open events: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// readEvents submits one inbound event per JSON line. Blank lines and lines
// starting with '#' are skipped; malformed or unroutable events are logged
// and skipped.
func readEvents(ctx context.Context, gw *gateway.Gateway, r io.Reader, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev models.InboundEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			logger.Warn("skipping malformed event", "line", line, "error", err)
			continue
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = time.Now()
		}
		decision, err := gw.HandleInbound(ctx, &ev)
		if err != nil {
			logger.Warn("event not scheduled", "line", line, "error", err)
			continue
		}
		logger.Info("event scheduled",
			"line", line,
			"action", decision.Action,
			"turn_id", decision.TurnID,
			"queue_depth", decision.QueueDepth,
		)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

// waitIdle blocks until no session lane is active or ctx is done.
func waitIdle(ctx context.Context, gw *gateway.Gateway) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(gw.Snapshot().Sessions) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
