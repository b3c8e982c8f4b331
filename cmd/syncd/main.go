package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"walletsync/internal/config"
	"walletsync/internal/metrics"
	"walletsync/internal/server"
	"walletsync/internal/storage"
)

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	if err := config.EnsureDir(cfg.ServerDBPath); err != nil {
		log.Fatalf("Failed to prepare database path: %v", err)
	}
	db, err := storage.New(cfg.ServerDBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := storage.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	slog.Info("Database initialized", "path", cfg.ServerDBPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	syncHandler := server.NewSyncHandler(storage.NewRemoteRepo(db), server.SyncConfig{
		MaxBodyBytes: cfg.MaxBodyBytes,
		Compression:  cfg.ChunkCompression,
		Metrics:      m,
	})
	router := server.NewRouter(&server.Deps{
		Sync:     syncHandler,
		Health:   server.NewHealthHandler(db),
		Gatherer: registry,
		APIKey:   cfg.SyncAPIKey,
	})
	if cfg.SyncAPIKey == "" {
		slog.Warn("SYNC_API_KEY is empty, the sync endpoint accepts unauthenticated requests")
	}

	addr := ":" + cfg.APIPort
	slog.Info("Starting sync backend", "addr", addr, "compression", cfg.ChunkCompression, "max_body_bytes", cfg.MaxBodyBytes)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Sync backend failed to start: %v", err)
	}
}
