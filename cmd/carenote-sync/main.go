// Carenote-sync keeps a device-local care-tracking database in sync with the
// carenote service, using last-write-wins conflict resolution and
// server-assigned document ids.
//
// Usage:
//
//	carenote-sync init --name <recipient> [--config <path>]  # first-run bootstrap
//	carenote-sync daemon [--config <path>]                   # periodic sync loop
//	carenote-sync sync-once [--config ...] [--wait]          # single pass then exit
//	carenote-sync push [--config ...]                        # upload local changes only
//	carenote-sync pull [--config ...]                        # download remote changes only
//	carenote-sync status                                     # show config & sync state
//	carenote-sync version                                    # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kazu-apps/carenote-sync/internal/caresync"
	"github.com/kazu-apps/carenote-sync/internal/config"
	"github.com/kazu-apps/carenote-sync/internal/localstore"
	"github.com/kazu-apps/carenote-sync/internal/mapping"
	"github.com/kazu-apps/carenote-sync/internal/model"
	"github.com/kazu-apps/carenote-sync/internal/remotestore"
	"github.com/kazu-apps/carenote-sync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "init":
		return runInit(os.Args[2:])
	case "daemon":
		return runSync(os.Args[2:], "daemon")
	case "sync-once":
		return runSync(os.Args[2:], "once")
	case "push":
		return runSync(os.Args[2:], "push")
	case "pull":
		return runSync(os.Args[2:], "pull")
	case "status":
		return runStatus()
	case "version":
		fmt.Println("carenote-sync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; run 'carenote-sync' for usage", cmd)
	}
}

// printUsage shows help and suggests init if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "carenote-sync: offline-first sync for care-tracking data")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  carenote-sync init --name <recipient>   First-run care recipient setup")
	fmt.Fprintln(os.Stderr, "  carenote-sync daemon [--config ...]     Run the periodic sync loop")
	fmt.Fprintln(os.Stderr, "  carenote-sync sync-once [--config ...]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  carenote-sync push [--config ...]       Upload local changes only")
	fmt.Fprintln(os.Stderr, "  carenote-sync pull [--config ...]       Download remote changes only")
	fmt.Fprintln(os.Stderr, "  carenote-sync status                    Show config & sync state")
	fmt.Fprintln(os.Stderr, "  carenote-sync version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Create one and run 'carenote-sync init'.")
	}

	os.Exit(1)
	return nil // unreachable
}

// env bundles everything the subcommands need after wiring.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	mapStore *mapping.Store
	locStore *localstore.Store
	client   *remotestore.Client
	cleanup  func()
}

// setupEnv loads the config, sets up logging and telemetry, opens both
// databases, and builds the remote client. Callers must defer e.cleanup().
func setupEnv(cfgPath string, verbose bool, recipientRequired bool) (*env, error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	if recipientRequired && cfg.CareRecipientID == "" {
		return nil, fmt.Errorf("care_recipient_id is not set in %q; run 'carenote-sync init' first", cfgPath)
	}
	logger.Info("config loaded",
		"remote_url", cfg.RemoteURL,
		"poll_interval", cfg.PollInterval,
		"entity_types", len(cfg.EntityTypes),
	)

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:        cfg.Telemetry.Insecure,
			ServiceName:     cfg.Telemetry.ServiceName,
			ServiceVersion:  version,
			CareRecipientID: cfg.CareRecipientID,
			Headers:         cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			cleanups = append(cleanups, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	mapPath := cfg.MappingDBPath
	if mapPath == "" {
		if mapPath, err = mapping.DefaultDBPath(); err != nil {
			cleanup()
			return nil, fmt.Errorf("resolving mapping DB path: %w", err)
		}
	}
	mapStore, err := mapping.Open(mapPath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("opening mapping DB at %q: %w", mapPath, err)
	}
	cleanups = append(cleanups, func() {
		if err := mapStore.Close(); err != nil {
			logger.Error("closing mapping DB", "error", err)
		}
	})
	logger.Info("mapping DB opened", "path", mapPath)

	locPath := cfg.LocalDBPath
	if locPath == "" {
		if locPath, err = localstore.DefaultDBPath(); err != nil {
			cleanup()
			return nil, fmt.Errorf("resolving local DB path: %w", err)
		}
	}
	locStore, err := localstore.Open(locPath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("opening local DB at %q: %w", locPath, err)
	}
	cleanups = append(cleanups, func() {
		if err := locStore.Close(); err != nil {
			logger.Error("closing local DB", "error", err)
		}
	})
	logger.Info("local DB opened", "path", locPath)

	client, err := remotestore.NewClient(cfg.RemoteURL, cfg.APIToken, cfg.CareRecipientID, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("initialising care service client: %w", err)
	}

	return &env{cfg: cfg, logger: logger, mapStore: mapStore, locStore: locStore, client: client, cleanup: cleanup}, nil
}

// --- Subcommands -------------------------------------------------------------

// runInit bootstraps the care recipient on the server and prints the id to
// put into the config file.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	name := fs.String("name", "", "care recipient name (required)")
	notes := fs.String("notes", "", "optional free-form notes")
	owner := fs.String("owner", "", "user id registered as the owning care team member (required)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *owner == "" {
		return fmt.Errorf("--name and --owner are required")
	}

	e, err := setupEnv(*cfgPath, *verbose, false)
	if err != nil {
		return err
	}
	defer e.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := e.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to care service at %q: %w", e.cfg.RemoteURL, err)
	}

	b := caresync.NewBootstrapper(e.locStore, e.client, e.mapStore, e.logger)
	remoteID, err := b.SetupInitialCareRecipient(ctx, model.CareRecipient{Name: *name, Notes: *notes}, *owner)

	var bootErr *caresync.BootstrapLocalError
	if errors.As(err, &bootErr) {
		fmt.Fprintf(os.Stderr, "Care recipient created remotely as %s, but local setup failed: %v\n", bootErr.RemoteID, bootErr.Err)
		fmt.Fprintln(os.Stderr, "Fix the problem and re-run init; do not create the recipient again by hand.")
		return err
	}
	if err != nil {
		return fmt.Errorf("bootstrapping care recipient: %w", err)
	}

	fmt.Printf("Care recipient %q created with id %s\n", *name, remoteID)
	fmt.Printf("Add this to %s:\n\n  care_recipient_id: %q\n", *cfgPath, remoteID)
	return nil
}

// runSync handles the daemon, sync-once, push, and pull subcommands.
func runSync(args []string, mode string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	wait := fs.Bool("wait", false, "wait for a concurrent pass instead of failing")
	entity := fs.String("entity", "", "sync only this entity type (sync-once only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := setupEnv(*cfgPath, *verbose, true)
	if err != nil {
		return err
	}
	defer e.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	e.logger.Info("pinging care service", "url", e.cfg.RemoteURL)
	if err := e.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to care service at %q: %w\n\nCheck remote_url and api_token in your config file", e.cfg.RemoteURL, err)
	}
	e.logger.Info("care service reachable")

	pub := caresync.NewPublisher()
	coord, err := caresync.NewCoordinator(caresync.CoordinatorConfig{
		RecipientID: e.cfg.CareRecipientID,
		EntityTypes: e.cfg.EntityTypes,
		Workers:     e.cfg.Workers,
		Local:       e.locStore,
		Remote:      e.client,
		Mapper:      e.mapStore,
		Probe:       e.client,
		Publisher:   pub,
		Logger:      e.logger,
	})
	if err != nil {
		return fmt.Errorf("building sync coordinator: %w", err)
	}
	engine := caresync.NewEngine(coord, e.cfg.PollInterval, e.logger)
	opts := caresync.Options{Wait: *wait}

	switch mode {
	case "push":
		return reportResult(e.logger, engine.PushOnce(ctx, opts))
	case "pull":
		return reportResult(e.logger, engine.PullOnce(ctx, opts))
	case "once":
		if *entity != "" {
			return reportResult(e.logger, coord.SyncEntityType(ctx, *entity, opts))
		}
		return reportResult(e.logger, engine.RunOnce(ctx, opts))
	}

	// Daemon mode: log every state transition while the engine polls.
	states, unsubscribe := pub.Subscribe()
	defer unsubscribe()
	go func() {
		for s := range states {
			logState(e.logger, s)
		}
	}()

	e.logger.Info("daemon starting", "poll_interval", e.cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	e.logger.Info("shutdown complete")
	return nil
}

// reportResult logs a one-shot pass outcome and maps it to the exit status.
func reportResult(logger *slog.Logger, res caresync.Result) error {
	logger.Info("sync complete",
		"status", res.Status.String(),
		"uploaded", res.Uploaded,
		"downloaded", res.Downloaded,
		"conflicts", res.Conflicts,
		"failed", len(res.Failed),
	)
	for _, f := range res.Failed {
		logger.Warn("record failed", "entity_type", f.EntityType, "local_id", f.LocalID, "error", f.Err)
	}
	if res.Status == caresync.StatusFailure {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("sync made no progress")
	}
	return nil
}

// logState renders one sync state transition.
func logState(logger *slog.Logger, s caresync.State) {
	switch s.Kind {
	case caresync.KindSyncing:
		logger.Info("sync progress", "progress", fmt.Sprintf("%.0f%%", s.Progress*100), "entity_type", s.CurrentEntity)
	case caresync.KindSuccess:
		logger.Info("sync succeeded", "last_synced_at", s.LastSyncedAt)
	case caresync.KindError:
		logger.Warn("sync failed", "error", s.Err, "retryable", s.Retryable)
	}
}

// runStatus prints the current configuration and sync state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	mapPath, _ := mapping.DefaultDBPath()
	locPath, _ := localstore.DefaultDBPath()

	fmt.Println("carenote-sync status")
	fmt.Println("--------------------")

	var cfg *config.Config
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, loadErr := config.Load(cfgPath)
		if loadErr == nil {
			cfg = loaded
			fmt.Printf("  Config:     %s\n", cfgPath)
			fmt.Printf("  Remote:     %s\n", cfg.RemoteURL)
			fmt.Printf("  Recipient:  %s\n", valueOr(cfg.CareRecipientID, "not set (run init)"))
			fmt.Printf("  Entities:   %d type(s)\n", len(cfg.EntityTypes))
			fmt.Printf("  Poll:       %s\n", cfg.PollInterval)
			if cfg.MappingDBPath != "" {
				mapPath = cfg.MappingDBPath
			}
			if cfg.LocalDBPath != "" {
				locPath = cfg.LocalDBPath
			}
		} else {
			fmt.Printf("  Config:     %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:     not found (%s)\n", cfgPath)
	}

	printDB := func(label, path string) {
		if info, err := os.Stat(path); err == nil {
			fmt.Printf("  %s %s (%s)\n", label, path, humanSize(info.Size()))
		} else {
			fmt.Printf("  %s not found\n", label)
		}
	}
	printDB("Mapping DB:", mapPath)
	printDB("Local DB:  ", locPath)

	if cfg == nil || cfg.CareRecipientID == "" {
		return nil
	}
	store, err := mapping.Open(mapPath)
	if err != nil {
		fmt.Printf("  Last sync:  unavailable (%v)\n", err)
		return nil
	}
	defer store.Close()

	ts, err := store.LastSyncTime(context.Background(), cfg.CareRecipientID, cfg.EntityTypes)
	switch {
	case err != nil:
		fmt.Printf("  Last sync:  unavailable (%v)\n", err)
	case ts.IsZero():
		fmt.Println("  Last sync:  never")
	default:
		fmt.Printf("  Last sync:  %s\n", ts.Local().Format(time.RFC1123))
	}
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
