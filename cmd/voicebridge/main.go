package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halyard-ai/voicebridge/config"
	"github.com/halyard-ai/voicebridge/internal/listener"
	"github.com/halyard-ai/voicebridge/pkg/commons"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(1)
	}

	logger, err := commons.NewApplicationLogger(commons.LoggerConfig{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("exiting on error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.BridgeConfig, logger commons.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := listener.New(ctx, cfg, relayTools(logger), logger)
	if err != nil {
		return err
	}

	admin := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
		Handler: listener.NewAdminRouter(l, logger),
	}
	go func() {
		logger.Infow("admin API listening", "addr", admin.Addr)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("admin API failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Infow("shutting down, draining calls", "grace", shutdownGrace.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		return err
	case <-shutdownCtx.Done():
		logger.Warnw("calls still live at grace expiry, exiting anyway")
		return nil
	}
}

// relayTools is the default tool handler: the engine only relays tool calls,
// so every tool is acknowledged and logged. Deployments with real booking
// backends replace this at the listener seam.
func relayTools(logger commons.Logger) func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		logger.Infow("tool call relayed", "tool", name, "args", string(args))
		return json.RawMessage(`{"status":"ok"}`), nil
	}
}
