package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"walletsync/internal/codec"
)

// Config holds all configuration for the sync client and the reference backend.
type Config struct {
	// Client side.
	SyncBaseURL  string
	SyncAPIKey   string
	WalletID     string
	WalletDBPath string // leveldb directory of the wallet store
	SyncDBPath   string // sqlite file for queue, hydration state and cursors

	ChunkTargetBytes     int
	SplitTargetBytes     int
	QueueMaxBytes        int64
	QueueMaxRetries      int
	QueueBaseBackoff     time.Duration
	HydrationConcurrency int
	HydrationBatchDelay  time.Duration

	// Backend side.
	ServerDBPath     string
	APIPort          string
	MaxBodyBytes     int64
	ChunkCompression codec.Format

	LogLevel  slog.Level
	LogFormat string
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates the numeric ones.
// If a .env file exists in the current directory or a parent directory, it will be loaded automatically.
// Environment variables already set take precedence over .env file values.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ { // Limit search depth
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break // Reached filesystem root
			}
			dir = parent
		}
	}

	cfg := &Config{
		SyncBaseURL:  strings.TrimRight(getEnv("SYNC_BASE_URL", "http://localhost:9000"), "/"),
		SyncAPIKey:   getEnv("SYNC_API_KEY", ""),
		WalletID:     getEnv("WALLET_ID", ""),
		WalletDBPath: getEnv("WALLET_DB_PATH", "./data/wallet"),
		SyncDBPath:   getEnv("SYNC_DB_PATH", "./data/walletsync.db"),
		ServerDBPath: getEnv("SERVER_DB_PATH", "./data/syncd.db"),
		APIPort:      getEnv("API_PORT", "9000"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
	}

	if cfg.ChunkTargetBytes, err = getInt("CHUNK_TARGET_BYTES", 3*1024*1024); err != nil {
		return nil, err
	}
	if cfg.SplitTargetBytes, err = getInt("SPLIT_TARGET_BYTES", 2_400_000); err != nil {
		return nil, err
	}
	queueMax, err := getInt("QUEUE_MAX_BYTES", 200_000_000)
	if err != nil {
		return nil, err
	}
	cfg.QueueMaxBytes = int64(queueMax)
	if cfg.QueueMaxRetries, err = getInt("QUEUE_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.HydrationConcurrency, err = getInt("HYDRATION_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	maxBody, err := getInt("MAX_BODY_BYTES", 4_500_000)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = int64(maxBody)

	if cfg.QueueBaseBackoff, err = getDuration("QUEUE_BASE_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if cfg.HydrationBatchDelay, err = getDuration("HYDRATION_BATCH_DELAY", 100*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.ChunkCompression, err = codec.ParseFormat(getEnv("CHUNK_COMPRESSION", string(codec.FormatNDJSON))); err != nil {
		return nil, fmt.Errorf("CHUNK_COMPRESSION: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

// EnsureDir creates the parent directory of path.
func EnsureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt parses a positive integer variable.
func getInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return v, nil
}

// getDuration parses a Go duration such as "250ms". Zero is allowed.
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
