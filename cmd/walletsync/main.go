package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"walletsync/internal/config"
	"walletsync/internal/contextutil"
	"walletsync/internal/hydration"
	"walletsync/internal/session"
)

var (
	walletFlag = &cli.StringFlag{
		Name:    "wallet",
		Usage:   "wallet scope id, overrides WALLET_ID",
		EnvVars: []string{"WALLET_ID"},
	}
	partitionFlag = &cli.StringFlag{
		Name:  "partition",
		Usage: "limit the command to one partition (chain id)",
	}
	forceFlag = &cli.BoolFlag{
		Name:  "force",
		Usage: "hydrate even when the remote snapshot is unchanged",
	}
	modeFlag = &cli.StringFlag{
		Name:  "mode",
		Usage: "write mode: auto, full or append",
		Value: "auto",
	}
	watchFlag = &cli.DurationFlag{
		Name:  "watch",
		Usage: "keep draining at this interval until interrupted",
	}
	retryFailedFlag = &cli.BoolFlag{
		Name:  "retry-failed",
		Usage: "put terminally failed items back in line first",
	}
)

func main() {
	app := &cli.App{
		Name:  "walletsync",
		Usage: "export, upload and hydrate wallet store snapshots",
		Flags: []cli.Flag{walletFlag},
		Commands: []*cli.Command{
			{
				Name:   "export",
				Usage:  "export the wallet store and upload it",
				Flags:  []cli.Flag{partitionFlag},
				Action: withSession(exportCmd),
			},
			{
				Name:   "hydrate",
				Usage:  "replace or extend the wallet store with the latest remote snapshot",
				Flags:  []cli.Flag{partitionFlag, forceFlag, modeFlag},
				Action: withSession(hydrateCmd),
			},
			{
				Name:   "drain",
				Usage:  "redeliver queued chunks and publish held manifests",
				Flags:  []cli.Flag{watchFlag, retryFailedFlag},
				Action: withSession(drainCmd),
			},
			{
				Name:   "backup",
				Usage:  "upload a full backup of the wallet store",
				Action: withSession(backupCmd),
			},
			{
				Name:   "restore",
				Usage:  "replace the wallet store with its backup",
				Action: withSession(restoreCmd),
			},
			{
				Name:   "recover",
				Usage:  "recover a wiped wallet store from the backup or the latest snapshot",
				Action: withSession(recoverCmd),
			},
			{
				Name:   "status",
				Usage:  "show queue and hydration state",
				Flags:  []cli.Flag{partitionFlag},
				Action: withSession(statusCmd),
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type sessionAction func(ctx context.Context, c *cli.Context, s *session.Session) error

// withSession loads the configuration, sets up logging and opens a session for the command.
func withSession(action sessionAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger := newLogger(cfg)
		slog.SetDefault(logger)

		scfg := session.ConfigFrom(cfg)
		if wallet := c.String(walletFlag.Name); wallet != "" {
			scfg.ScopeID = wallet
		}
		for _, path := range []string{scfg.WalletDBPath, scfg.SyncDBPath} {
			if err := config.EnsureDir(path); err != nil {
				return err
			}
		}

		s, err := session.New(scfg, session.Deps{})
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Error("failed to close session", "error", err)
			}
		}()

		ctx := contextutil.WithLogger(c.Context, logger.With("scope_id", scfg.ScopeID))
		return action(ctx, c, s)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exportCmd(ctx context.Context, c *cli.Context, s *session.Session) error {
	res, err := s.ExportAndUpload(ctx, c.String(partitionFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func hydrateCmd(ctx context.Context, c *cli.Context, s *session.Session) error {
	mode, err := parseMode(c.String(modeFlag.Name))
	if err != nil {
		return err
	}
	state, err := s.Hydrate(ctx, hydration.Options{
		PartitionID: c.String(partitionFlag.Name),
		Force:       c.Bool(forceFlag.Name),
		Mode:        mode,
		OnProgress: func(p hydration.Progress) {
			contextutil.LoggerFromContext(ctx).Info("hydration progress",
				"percent", p.Percent,
				"chunk", p.LastChunk,
				"total_chunks", p.TotalChunks,
			)
		},
	})
	if err != nil {
		return err
	}
	return printJSON(state)
}

func parseMode(s string) (hydration.Mode, error) {
	switch s {
	case "", "auto":
		return hydration.ModeAuto, nil
	case "full":
		return hydration.ModeFull, nil
	case "append":
		return hydration.ModeAppend, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

func drainCmd(ctx context.Context, c *cli.Context, s *session.Session) error {
	if c.Bool(retryFailedFlag.Name) {
		n, err := s.RetryFailed(ctx)
		if err != nil {
			return err
		}
		contextutil.LoggerFromContext(ctx).Info("failed items requeued", "count", n)
	}

	if interval := c.Duration(watchFlag.Name); interval > 0 {
		s.Run(ctx, interval)
		return nil
	}

	res, err := s.DrainQueue(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func backupCmd(ctx context.Context, _ *cli.Context, s *session.Session) error {
	created, err := s.CreateBackup(ctx)
	if err != nil {
		return err
	}
	if !created {
		return errors.New("wallet store is empty, nothing to back up")
	}
	return printJSON(map[string]any{"created": true, "at": time.Now().UTC()})
}

func restoreCmd(ctx context.Context, _ *cli.Context, s *session.Session) error {
	res, err := s.RestoreFromBackup(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func recoverCmd(ctx context.Context, _ *cli.Context, s *session.Session) error {
	res, err := s.Recover(ctx, nil)
	if res != nil {
		if perr := printJSON(res); perr != nil {
			return perr
		}
	}
	return err
}

func statusCmd(ctx context.Context, c *cli.Context, s *session.Session) error {
	stats, err := s.QueueStats(ctx)
	if err != nil {
		return err
	}
	state, err := s.HydrationState(ctx, c.String(partitionFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"scopeId":   s.ScopeID(),
		"queue":     stats,
		"hydration": state,
	})
}
