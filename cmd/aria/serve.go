package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/aria/internal/api"
	"github.com/nugget/aria/internal/buildinfo"
	"github.com/nugget/aria/internal/config"
	"github.com/nugget/aria/internal/connwatch"
	"github.com/nugget/aria/internal/mqtt"
)

// shutdownTimeout bounds draining HTTP requests and the MQTT goodbye.
const shutdownTimeout = 10 * time.Second

// runServe handles "aria serve". It wires every component, starts the
// API server, the enrichment workers, and the optional MQTT bridge, and
// blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. the signal cancels the shared context
//  2. the running turn, if any, is cancelled and keeps its partial reply
//  3. the HTTP server drains and the MQTT bridge publishes "offline"
//  4. enrichment workers stop and the database closes
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger, err := config.NewLogger(stdout, "info", "text")
	if err != nil {
		return err
	}
	info := buildinfo.Get()
	logger.Info("starting Aria", "version", info.Version, "commit", info.GitCommit, "branch", info.GitBranch, "built", info.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point logs at the configured level and
	// format. Both were validated by config.Load.
	logger, err = config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.queue.Start(ctx)
	defer a.queue.Stop()

	bridge, err := newBridge(cfg, a, logger)
	if err != nil {
		return err
	}

	health := connwatch.NewManager(a.bus, logger)
	defer health.Stop()
	health.Watch(ctx, "database", a.kv.DB().PingContext, connwatch.BackoffConfig{})
	if bridge != nil {
		health.Watch(ctx, "mqtt", bridge.Check, connwatch.BackoffConfig{
			PollInterval: 30 * time.Second,
		})
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Engine:        a.orch,
		Conversations: a.convs,
		Facts:         a.facts,
		Snippets:      a.snippets,
		Usage:         a.usage,
		Planner:       a.planner,
		Bus:           a.bus,
		Health:        health,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Start(gctx); err != nil {
				// The bridge is optional; losing it does not stop serving.
				logger.Error("mqtt bridge failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		a.orch.Cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer shutdownCancel()

		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Aria stopped")
	return nil
}

// newBridge returns the MQTT bridge, or nil when no broker is
// configured.
func newBridge(cfg *config.Config, a *app, logger *slog.Logger) (*mqtt.Bridge, error) {
	if !cfg.MQTT.Configured() {
		logger.Info("mqtt bridge disabled (not configured)")
		return nil, nil
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load mqtt instance id: %w", err)
	}
	clientID := mqtt.ClientID(cfg.MQTT.ClientID, instanceID)

	logger.Info("mqtt bridge enabled",
		"broker", cfg.MQTT.Broker,
		"topic_prefix", cfg.MQTT.TopicPrefix,
		"client_id", clientID,
	)
	return mqtt.New(cfg.MQTT, clientID, a.bus, a.orch, logger), nil
}
