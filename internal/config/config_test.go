package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"walletsync/internal/codec"
)

// setEnv sets an environment variable, ignoring errors (for test setup)
func setEnv(key, value string) {
	_ = os.Setenv(key, value)
}

// unsetEnv unsets an environment variable, ignoring errors (for test cleanup)
func unsetEnv(key string) {
	_ = os.Unsetenv(key)
}

var envVars = []string{
	"SYNC_BASE_URL", "SYNC_API_KEY", "WALLET_ID", "WALLET_DB_PATH", "SYNC_DB_PATH",
	"SERVER_DB_PATH", "API_PORT", "LOG_LEVEL", "LOG_FORMAT",
	"CHUNK_TARGET_BYTES", "SPLIT_TARGET_BYTES", "QUEUE_MAX_BYTES", "QUEUE_MAX_RETRIES",
	"QUEUE_BASE_BACKOFF", "HYDRATION_CONCURRENCY", "HYDRATION_BATCH_DELAY",
	"CHUNK_COMPRESSION", "MAX_BODY_BYTES",
}

// isolateEnv clears the config variables for one test and restores them afterwards.
func isolateEnv(t *testing.T) {
	t.Helper()
	original := make(map[string]string)
	for _, key := range envVars {
		original[key] = os.Getenv(key)
		unsetEnv(key)
	}
	t.Cleanup(func() {
		for key, value := range original {
			if value != "" {
				setEnv(key, value)
			} else {
				unsetEnv(key)
			}
		}
	})

	// Change to a temp directory without .env file to avoid loading it
	originalWd, _ := os.Getwd()
	_ = os.Chdir(t.TempDir())
	t.Cleanup(func() {
		_ = os.Chdir(originalWd)
	})
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setupEnv    func(*testing.T)
		wantErr     bool
		checkConfig func(*Config) bool
	}{
		{
			name:     "default values",
			setupEnv: func(t *testing.T) {},
			checkConfig: func(cfg *Config) bool {
				return cfg.SyncBaseURL == "http://localhost:9000" &&
					cfg.WalletDBPath == "./data/wallet" &&
					cfg.SyncDBPath == "./data/walletsync.db" &&
					cfg.ServerDBPath == "./data/syncd.db" &&
					cfg.APIPort == "9000" &&
					cfg.ChunkTargetBytes == 3*1024*1024 &&
					cfg.SplitTargetBytes == 2_400_000 &&
					cfg.QueueMaxBytes == 200_000_000 &&
					cfg.QueueMaxRetries == 3 &&
					cfg.QueueBaseBackoff == time.Second &&
					cfg.HydrationConcurrency == 8 &&
					cfg.HydrationBatchDelay == 100*time.Millisecond &&
					cfg.MaxBodyBytes == 4_500_000 &&
					cfg.ChunkCompression == codec.FormatNDJSON &&
					cfg.LogLevel == slog.LevelInfo &&
					cfg.LogFormat == "text"
			},
		},
		{
			name: "custom values",
			setupEnv: func(t *testing.T) {
				setEnv("SYNC_BASE_URL", "https://sync.example.com/")
				setEnv("WALLET_ID", "wallet-1")
				setEnv("HYDRATION_CONCURRENCY", "32")
				setEnv("HYDRATION_BATCH_DELAY", "0")
				setEnv("QUEUE_BASE_BACKOFF", "250ms")
				setEnv("CHUNK_COMPRESSION", "snappy")
				setEnv("LOG_LEVEL", "debug")
				setEnv("LOG_FORMAT", "json")
			},
			checkConfig: func(cfg *Config) bool {
				// concurrency is clamped by the hydration manager, not here
				return cfg.SyncBaseURL == "https://sync.example.com" &&
					cfg.WalletID == "wallet-1" &&
					cfg.HydrationConcurrency == 32 &&
					cfg.HydrationBatchDelay == 0 &&
					cfg.QueueBaseBackoff == 250*time.Millisecond &&
					cfg.ChunkCompression == codec.FormatSnappy &&
					cfg.LogLevel == slog.LevelDebug &&
					cfg.LogFormat == "json"
			},
		},
		{
			name: "invalid integer",
			setupEnv: func(t *testing.T) {
				setEnv("QUEUE_MAX_BYTES", "lots")
			},
			wantErr: true,
		},
		{
			name: "zero integer",
			setupEnv: func(t *testing.T) {
				setEnv("CHUNK_TARGET_BYTES", "0")
			},
			wantErr: true,
		},
		{
			name: "negative duration",
			setupEnv: func(t *testing.T) {
				setEnv("QUEUE_BASE_BACKOFF", "-1s")
			},
			wantErr: true,
		},
		{
			name: "invalid duration",
			setupEnv: func(t *testing.T) {
				setEnv("HYDRATION_BATCH_DELAY", "soon")
			},
			wantErr: true,
		},
		{
			name: "unknown compression",
			setupEnv: func(t *testing.T) {
				setEnv("CHUNK_COMPRESSION", "zstd")
			},
			wantErr: true,
		},
		{
			name: "unknown log level",
			setupEnv: func(t *testing.T) {
				setEnv("LOG_LEVEL", "loud")
			},
			wantErr: true,
		},
		{
			name: "unknown log format",
			setupEnv: func(t *testing.T) {
				setEnv("LOG_FORMAT", "xml")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			tt.setupEnv(t)

			cfg, err := Load()

			if tt.wantErr {
				if err == nil {
					t.Errorf("Load() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("Load() unexpected error: %v", err)
				return
			}

			if cfg == nil {
				t.Fatal("Load() returned nil config")
			}

			if tt.checkConfig != nil && !tt.checkConfig(cfg) {
				t.Errorf("Load() config validation failed: %+v", cfg)
			}
		})
	}
}

func TestLoad_DotEnvFromParent(t *testing.T) {
	isolateEnv(t)

	root := t.TempDir()
	nested := filepath.Join(root, "cmd", "syncd")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("WALLET_ID=from-dotenv\nAPI_PORT=9100\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Chdir(nested); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	setEnv("API_PORT", "9200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WalletID != "from-dotenv" {
		t.Errorf("Load() WalletID = %q, want from-dotenv", cfg.WalletID)
	}
	if cfg.APIPort != "9200" {
		t.Errorf("Load() APIPort = %q, want the environment to win over .env", cfg.APIPort)
	}
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "db.db")

	if err := EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("EnsureDir() did not create %s: %v", filepath.Dir(path), err)
	}
}

func TestGetEnv(t *testing.T) {
	originalValue := os.Getenv("TEST_ENV_VAR")
	defer func() {
		if originalValue != "" {
			setEnv("TEST_ENV_VAR", originalValue)
		} else {
			unsetEnv("TEST_ENV_VAR")
		}
	}()

	tests := []struct {
		name         string
		setupEnv     func()
		key          string
		defaultValue string
		want         string
	}{
		{
			name: "env var set",
			setupEnv: func() {
				setEnv("TEST_ENV_VAR", "set-value")
			},
			key:          "TEST_ENV_VAR",
			defaultValue: "default",
			want:         "set-value",
		},
		{
			name: "env var not set",
			setupEnv: func() {
				unsetEnv("TEST_ENV_VAR")
			},
			key:          "TEST_ENV_VAR",
			defaultValue: "default",
			want:         "default",
		},
		{
			name: "empty env var uses default",
			setupEnv: func() {
				setEnv("TEST_ENV_VAR", "")
			},
			key:          "TEST_ENV_VAR",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupEnv()
			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}
