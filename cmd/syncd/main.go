// Package main is the entry point for the syncd daemon: a one-way,
// real-time replication pipeline from a local mail store to a remote
// document database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hkdb/syncd/internal/config"
	"github.com/hkdb/syncd/internal/credentials"
	"github.com/hkdb/syncd/internal/database"
	"github.com/hkdb/syncd/internal/fetcher"
	"github.com/hkdb/syncd/internal/logging"
	"github.com/hkdb/syncd/internal/parser"
	"github.com/hkdb/syncd/internal/projector"
	"github.com/hkdb/syncd/internal/radar"
	"github.com/hkdb/syncd/internal/remote"
	"github.com/hkdb/syncd/internal/scheduler"
	"github.com/hkdb/syncd/internal/state"
)

// Exit codes.
const (
	exitClean           = 0
	exitGeneral         = 1
	exitConfigError     = 2
	exitAuthFailurePerm = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := pflag.String("config", "", "config file (default searches $XDG_CONFIG_HOME/syncd, ~/.config/syncd, .)")
	logLevel := pflag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := pflag.String("log-format", "", "override logging format (json, console)")
	pflag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	log := logging.WithComponent("main")

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		return exitConfigError
	}

	if used := loader.ConfigFileUsed(); used != "" {
		log.Debug().Str("config_file", used).Msg("loaded config file")
	}
	log.Info().Msg("syncd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.StateDBPath())
	if err != nil {
		log.Error().Err(err).Msg("failed to open state store")
		return exitGeneral
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Error().Err(err).Msg("failed to migrate state store")
		return exitGeneral
	}
	go db.StartCheckpointRoutine(ctx)

	remoteToken, err := resolveRemoteToken(db, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve remote database token")
		return exitConfigError
	}

	mailIndex, err := radar.Open(cfg.MailStore.IndexPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open mail store index")
		return exitGeneral
	}
	defer mailIndex.Close()

	store := state.NewStore(db, cfg.Sync.MaxRetries)

	f := fetcher.New(
		fetcher.ScriptRunner{Path: cfg.MailStore.ScriptPath},
		cfg.MailStore.AccountName,
		time.Duration(cfg.MailStore.ScriptTimeoutS)*time.Second,
	)

	remoteClient := remote.New(remote.Config{
		Token:           remoteToken,
		BaseURL:         cfg.Remote.BaseURL,
		WritesPerSecond: cfg.Remote.WritesPerSecond,
		Timeout:         time.Duration(cfg.Remote.TimeoutS) * time.Second,
	})

	parseOpts := parser.Options{
		MaxAttachmentBytes:    cfg.Sync.MaxAttachmentBytes,
		AllowedAttachmentExts: cfg.AllowedAttachmentExtSet(),
		TempDir:               cfg.TempDir(),
	}

	proj := projector.New(remoteClient, f, store, projector.Config{
		EmailDatabaseID:    cfg.Remote.EmailDatabaseID,
		CalendarDatabaseID: cfg.Remote.CalendarDatabaseID,
		ParseOptions:       parseOpts,
	})

	horizon, err := cfg.SyncHorizon()
	if err != nil {
		log.Error().Err(err).Msg("invalid sync_start_date")
		return exitConfigError
	}

	sched := scheduler.New(mailIndex, store, f, proj, scheduler.Config{
		PollInterval:               time.Duration(cfg.Sync.PollIntervalS) * time.Second,
		RetryBatchSize:             cfg.Sync.RetryBatchSize,
		DetectionBatchSize:         cfg.Sync.InitBatchSize,
		SyncMailboxes:              cfg.MailStore.SyncMailboxes,
		SyncHorizon:                horizon,
		ParseOptions:               parseOpts,
		MaxConsecutiveAuthFailures: cfg.Sync.MaxConsecutiveAuthFailures,
	})

	sched.Start(ctx)
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, draining in-flight cycle")
	case <-sched.Done():
		// The run loop stopped on its own, e.g. after persistent remote
		// authentication failure.
	}
	sched.Stop()

	if err := sched.FatalErr(); err != nil {
		log.Error().Err(err).Msg("stopped after persistent remote authentication failure")
		return exitAuthFailurePerm
	}

	log.Info().Msg("syncd exited cleanly")
	return exitClean
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// resolveRemoteToken prefers whatever is already in the credentials store
// (OS keyring or encrypted database fallback); on first run it seeds the
// store from the configured bootstrap value.
func resolveRemoteToken(db *database.DB, cfg *config.Config) (string, error) {
	store, err := credentials.NewStore(db.DB, cfg.Global.DataDir)
	if err != nil {
		return "", fmt.Errorf("create credential store: %w", err)
	}

	token, err := store.GetRemoteToken()
	if err == nil && token != "" {
		return token, nil
	}

	if cfg.Remote.Token == "" {
		return "", fmt.Errorf("remote.remote_token is required on first run")
	}

	if err := store.SetRemoteToken(cfg.Remote.Token); err != nil {
		return "", fmt.Errorf("persist remote token: %w", err)
	}
	return cfg.Remote.Token, nil
}
