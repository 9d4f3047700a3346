// agentrelay daemon entrypoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/daemon"
	"github.com/ashureev/agentrelay/internal/events"
	"github.com/ashureev/agentrelay/internal/ledger"
	"github.com/ashureev/agentrelay/internal/ptyorch"
	"github.com/ashureev/agentrelay/internal/router"
	"github.com/ashureev/agentrelay/internal/store"
	"github.com/ashureev/agentrelay/internal/supervisor"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting relay daemon", "dataDir", cfg.DataDir, "socket", cfg.SocketPath())

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		slog.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}

	adapter, err := openStorage(cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := adapter.Close(); closeErr != nil {
			slog.Error("failed to close storage", "error", closeErr)
		}
	}()
	slog.Info("storage ready")

	rtr := router.New(adapter, nil, logger)

	controlDir := filepath.Join(cfg.DataDir, "control")
	if err := os.MkdirAll(controlDir, 0o750); err != nil {
		slog.Error("failed to create control socket dir", "error", err)
		os.Exit(1)
	}
	orch := ptyorch.NewOrchestrator(cfg.SocketPath(), controlDir, cfg.PTY, logger)

	hub := events.New(200, logger)
	sup := supervisor.New(cfg.Supervisor, orch, hub, logger)
	sup.SetRouter(rtr)
	orch.SetSupervisor(sup)

	ledgerStore, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		slog.Error("failed to initialize file ledger", "error", err)
		os.Exit(1)
	}
	defer ledgerStore.Close()

	watcher, err := ledger.NewWatcher(cfg.OutboxDir, ledgerStore, rtr, orch, logger)
	if err != nil {
		slog.Error("failed to initialize outbox watcher", "error", err)
		os.Exit(1)
	}

	d := daemon.New(cfg, adapter, rtr, orch, logger)
	d.SetEventSink(hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			slog.Error("outbox watcher stopped with error", "error", err)
		}
	}()

	if cfg.DebugAddr != "" {
		debugSrv := &http.Server{Addr: cfg.DebugAddr, Handler: events.NewServer(hub, []string{"*"}, logger)}
		go func() {
			slog.Info("dashboard debug surface listening", "addr", cfg.DebugAddr)
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("dashboard debug surface failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownGrace)
			defer cancel()
			_ = debugSrv.Shutdown(shutdownCtx)
		}()
	}

	if err := d.Run(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("relay daemon stopped successfully")
}

func openStorage(cfg *config.Config) (store.Adapter, error) {
	if cfg.StorageURL != "" {
		slog.Info("using remote storage backend")
		return store.NewRemote(cfg.StorageURL)
	}
	return store.NewSQLite(cfg.DBPath)
}
