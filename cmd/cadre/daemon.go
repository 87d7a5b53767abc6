package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/cadre/internal/audit"
	"github.com/fentz26/cadre/internal/config"
	"github.com/fentz26/cadre/internal/controlplane"
	"github.com/fentz26/cadre/internal/events"
	"github.com/fentz26/cadre/internal/logger"
	"github.com/fentz26/cadre/internal/scheduler"
	"github.com/fentz26/cadre/internal/store"
	"github.com/fentz26/cadre/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Cadre daemon",
	Long:  `Starts the Cadre daemon which runs the agent execution loops and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("starting cadre daemon", "version", controlplane.Version, "db", cfg.Store.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database connection")
		if err := s.Close(); err != nil {
			log.Error("database close error", "error", err)
		}
	}()

	conn, err := newConnector(cfg.Completion)
	if err != nil {
		return err
	}
	log.Info("completion connector ready", "connector", conn.Name())

	publisher, closeEvents := newPublisher(ctx, cfg.Events, log)
	defer closeEvents()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		if metrics, err = telemetry.NewMetrics(); err != nil {
			log.Warn("telemetry disabled", "error", err)
		}
	}

	pdr := audit.NewPDRWriter(s, log)
	manager := scheduler.New(scheduler.Deps{
		Store:     s,
		Completer: conn,
		Config:    scheduler.ConfigFrom(cfg.Engine),
		Logger:    log,
		Metrics:   metrics,
		Audit:     pdr,
		Events:    publisher,
	})

	agents, err := s.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if err := manager.StartAll(ctx, agents); err != nil {
		log.Warn("some agents were not started", "error", err)
	}

	service := controlplane.NewService(s, pdr, manager)
	server := controlplane.NewServer(service, s, cfg.Server.Listen, log)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", "error", err)
			manager.StopAll()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	log.Info("stopping agent loops")
	if err := manager.StopAll(); err != nil {
		log.Error("agent loop shutdown error", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}

// newPublisher connects the NATS event bus when configured and falls back
// to a no-op publisher otherwise.
func newPublisher(ctx context.Context, cfg config.Events, log *slog.Logger) (events.Publisher, func()) {
	if cfg.NATSURL == "" {
		return events.Noop{}, func() {}
	}
	sender, err := events.ConnectNATS(ctx, cfg.NATSURL, cfg.SubjectPrefix)
	if err != nil {
		log.Warn("event bus unavailable, continuing without events", "url", cfg.NATSURL, "error", err)
		return events.Noop{}, func() {}
	}
	return events.NewBus(sender, cfg.SubjectPrefix, log), func() {
		if err := sender.Close(); err != nil {
			log.Warn("nats drain failed", "error", err)
		}
	}
}

