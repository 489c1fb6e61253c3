// Command bayoud runs the Bayou document control engine: a process
// that owns a registry of DocComplex instances and serves the session
// operations of spec §6 over the debug websocket transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/nats-io/nats.go"

	"github.com/inful/bayou/internal/config"
	"github.com/inful/bayou/internal/control"
	"github.com/inful/bayou/internal/doccomplex"
	"github.com/inful/bayou/internal/foundation/errors"
	"github.com/inful/bayou/internal/metrics"
	"github.com/inful/bayou/internal/reaper"
	"github.com/inful/bayou/internal/server"
	"github.com/inful/bayou/internal/storage"
	"github.com/inful/bayou/internal/storage/memstore"
	"github.com/inful/bayou/internal/storage/sqlitestore"
	"github.com/inful/bayou/internal/transport/natsbridge"
)

// Set at build time with: -ldflags "-X main.version=1.0.0"
var version = "dev"

// CLI is the root command: global flags plus subcommands.
type CLI struct {
	Config  string           `short:"c" help:"Engine configuration file path (YAML)." default:""`
	Verbose bool             `short:"v" help:"Enable verbose logging."`
	Version kong.VersionFlag `name:"version" help:"Show version and exit."`

	Serve   ServeCmd   `cmd:"" help:"Start the document control engine and debug transport."`
	Inspect InspectCmd `cmd:"" help:"Open a document read-only and print its per-stream revisions."`
	Migrate MigrateCmd `cmd:"" help:"Force a STATUS_MIGRATE document through format-version migration."`
}

// Global is shared state handed to every subcommand's Run method.
type Global struct {
	Logger *slog.Logger
}

// AfterApply configures logging once flags are parsed.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// openStore builds the storage.Store a subcommand runs against, per
// the resolved EngineConfig's backend selection, optionally wrapped
// with the NATS cross-process fanout bridge.
func openStore(cfg config.EngineConfig) (storage.Store, error) {
	var store storage.Store
	switch cfg.Storage.Backend {
	case config.StorageBackendSQLite:
		path := cfg.Storage.Path
		if path == "" {
			path = ":memory:"
		}
		s, err := sqlitestore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store = s
	default:
		store = memstore.New()
	}

	if cfg.NATS.Enabled {
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		store = natsbridge.Wrap(store, conn)
	}
	return store, nil
}

// ServeCmd starts the engine: a DocComplex registry, the idle-caret
// reaper, and the debug websocket transport.
type ServeCmd struct{}

func (cmd *ServeCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.LoadEngineConfig(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := doccomplex.NewRegistry(store,
		doccomplex.WithLogger(g.Logger),
		doccomplex.WithControlOptions(
			control.WithCacheCap(cfg.Engine.SnapshotCacheCap),
		),
	)

	r := reaper.New(registry,
		reaper.WithIdleThreshold(cfg.IdleCaretThresholdDuration()),
		reaper.WithLogger(g.Logger),
		reaper.WithMetrics(metrics.NoopRecorder{}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := r.Start(ctx, cfg.ReaperIntervalDuration()); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	srv := server.New(registry, cfg.Server.ListenAddr, server.WithLogger(g.Logger))
	g.Logger.Info("bayoud: serving", "addr", cfg.Server.ListenAddr, "storage", cfg.Storage.Backend)
	return srv.ListenAndServe(ctx)
}

// InspectCmd opens a document read-only and prints its current
// per-stream revisions (diagnostic use of getSnapshot).
type InspectCmd struct {
	DocID string `arg:"" help:"Document ID to inspect."`
}

func (cmd *InspectCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.LoadEngineConfig(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := doccomplex.NewRegistry(store, doccomplex.WithLogger(g.Logger))
	ctx := context.Background()
	dc, status, err := registry.Open(ctx, cmd.DocID)
	if err != nil {
		return err
	}
	if status != doccomplex.StatusOK {
		fmt.Printf("document %s: status=%s\n", cmd.DocID, status)
		return nil
	}
	stats, err := dc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("document %s: body=rev%d caret=rev%d property=rev%d sessions=%d\n",
		stats.DocID, stats.BodyRevNum, stats.CaretRevNum, stats.PropertyRevNum, stats.ActiveSessions)
	return nil
}

// MigrateCmd forces a STATUS_MIGRATE document through format-version
// migration (spec §4.7). Bayou's single supported format_version means
// this is currently a stamp-forward: write the current FormatVersion
// in place once BodyControl.Validate confirms the change log itself is
// sound.
type MigrateCmd struct {
	DocID string `arg:"" help:"Document ID to migrate."`
}

func (cmd *MigrateCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.LoadEngineConfig(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	registry := doccomplex.NewRegistry(store, doccomplex.WithLogger(g.Logger))
	_, status, err := registry.Open(ctx, cmd.DocID)
	if err != nil {
		return err
	}
	if status != doccomplex.StatusMigrate {
		fmt.Printf("document %s: status=%s, nothing to migrate\n", cmd.DocID, status)
		return nil
	}
	_, status, err = registry.Migrate(ctx, cmd.DocID)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cmd.DocID, err)
	}
	fmt.Printf("document %s: migrated, status=%s\n", cmd.DocID, status)
	return nil
}

func main() {
	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("bayoud: the Bayou collaborative rich-text document control engine."),
		kong.Vars{"version": version},
	)

	logger := slog.Default()
	errorAdapter := errors.NewCLIErrorAdapter(cli.Verbose, logger)
	globals := &Global{Logger: logger}

	if err := parser.Run(globals, cli); err != nil {
		errorAdapter.HandleError(err)
	}
}
