// Nightwatch aggregates telemetry from a remote astrophotography rig into a
// single derived state and serves it to dashboards over WebSocket and HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nightwatch-obs/nightwatch/pkg/api"
	"github.com/nightwatch-obs/nightwatch/pkg/config"
	"github.com/nightwatch-obs/nightwatch/pkg/database"
	"github.com/nightwatch-obs/nightwatch/pkg/events"
	"github.com/nightwatch-obs/nightwatch/pkg/seed"
	"github.com/nightwatch-obs/nightwatch/pkg/state"
	"github.com/nightwatch-obs/nightwatch/pkg/unified"
	"github.com/nightwatch-obs/nightwatch/pkg/upstream"
	"github.com/nightwatch-obs/nightwatch/pkg/version"
)

// Exit codes: 1 for storage failures, 2 for configuration failures. Normal
// shutdown exits 0.
const (
	exitStorage = 1
	exitConfig  = 2
)

func main() {
	// Load .env if present; a missing file just means plain environment.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	// 1. Resolve configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitConfig)
	}

	slog.Info("Starting nightwatch",
		"version", version.Full(),
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"timezone", cfg.Timezone,
		"upstream", cfg.Upstream.URL)

	ctx := context.Background()

	// 2. Open the embedded database and apply migrations
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.DBPath))
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(exitStorage)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "path", cfg.DBPath)

	// 3. Restore persisted state, if any
	initial := loadInitialState(ctx, dbClient)

	// 4. Start the state manager (single writer)
	normalizer := events.NewNormalizer(cfg.Location())
	manager := unified.NewManager(dbClient, normalizer, initial, unified.Config{
		QueueSize:         cfg.Writer.QueueSize,
		DrainTimeout:      cfg.Writer.DrainTimeout,
		TargetExpiry:      cfg.Session.TargetExpiry,
		HousekeepInterval: cfg.Session.HousekeepInterval,
	})
	manager.Start()

	// 5. Seed from upstream event history (non-fatal); the same seeder
	// rebuilds the state after an administrative reset.
	historyClient := upstream.NewHistoryClient(cfg.Upstream)
	seeder := seed.NewSeeder(historyClient, manager, events.NewNormalizer(cfg.Location()))
	manager.SetReseeder(seeder.Run)
	seedCtx, seedCancel := context.WithTimeout(ctx, cfg.Upstream.HistoryReadTimeout)
	if err := seeder.Run(seedCtx); err != nil {
		slog.Warn("History seed failed, continuing with persisted state", "error", err)
	}
	seedCancel()

	// 6. Connect to the live upstream stream
	upstreamClient := upstream.NewClient(cfg.Upstream, manager)
	upstreamClient.Start()

	// 7. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg.Fanout, manager, dbClient)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Nightwatch started")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop intake first, then the outward surface,
	// then the writer so the final state lands on disk.
	upstreamClient.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	manager.Stop()

	slog.Info("Shutdown complete")
}

// loadInitialState restores the persisted state blob. Anything unreadable
// falls back to the empty state; history seeding will rebuild it.
func loadInitialState(ctx context.Context, db *database.Client) *state.UnifiedState {
	blob, savedAt, err := db.LoadState(ctx)
	if err != nil {
		if !errors.Is(err, database.ErrNoState) {
			slog.Warn("Failed to load persisted state, starting empty", "error", err)
		}
		return state.New()
	}

	var s state.UnifiedState
	if err := json.Unmarshal(blob, &s); err != nil {
		slog.Warn("Persisted state is unreadable, starting empty", "error", err)
		return state.New()
	}

	slog.Info("Restored persisted state", "saved_at", savedAt)
	return &s
}
