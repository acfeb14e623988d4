package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	_ "github.com/ellisisland/reconciler/pkg/adapters/warehouse/all"
	"github.com/ellisisland/reconciler/pkg/config"
	"github.com/ellisisland/reconciler/pkg/logging"
	"github.com/ellisisland/reconciler/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

var rootFlags struct {
	configPath string
	force      bool
}

func main() {
	root := &cobra.Command{
		Use:           "reconciler",
		Short:         "Resolve segment event identities to canonical user uuids",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "", "Path to a YAML config (environment only when empty)")
	root.PersistentFlags().BoolVar(&rootFlags.force, "force", false, "Ignore cached snapshots and recompute")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Reconcile every eligible table",
			Args:  cobra.NoArgs,
			RunE:  runReconcile,
		},
		&cobra.Command{
			Use:   "discover",
			Short: "List the eligible source tables",
			Args:  cobra.NoArgs,
			RunE:  runDiscover,
		},
		&cobra.Command{
			Use:   "identities",
			Short: "Build the identity reference snapshot",
			Args:  cobra.NoArgs,
			RunE:  runIdentities,
		},
		&cobra.Command{
			Use:   "adapters",
			Short: "List the registered warehouse adapters",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				for _, info := range warehouse.RegisteredAdapters() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", info.Type, info.Description)
				}
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// session is what every subcommand needs: config, logger, an open warehouse
// connection and the wired runner.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	conn   warehouse.Conn
	runner *services.Runner
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	if rootFlags.force {
		cfg.Cache = config.CacheConfig{}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("version", Version))

	dialer := warehouse.Dialer{
		Type:   cfg.Warehouse.Type,
		Config: cfg.Warehouse.ConnectionConfig(),
		Logger: logger,
	}
	conn, err := dialer.Open(ctx)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	runner, err := services.Build(cfg, conn, logger)
	if err != nil {
		conn.Close()
		_ = logger.Sync()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, conn: conn, runner: runner}, nil
}

func (s *session) close() {
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("Failed to close warehouse connection", zap.String("error", logging.SanitizeError(err)))
	}
	_ = s.logger.Sync()
}

func runReconcile(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	report, err := s.runner.Run(cmd.Context())
	if report != nil {
		fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
		for table, reason := range report.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "  skipped %s: %s\n", table, reason)
		}
	}
	return err
}

func runDiscover(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	tables, err := s.runner.Discovery().Get(cmd.Context(), s.cfg.Cache.PreferLatestTables)
	if err != nil {
		return err
	}
	for _, t := range tables {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.QualifiedName, t.ColumnList())
	}
	return nil
}

func runIdentities(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	ref, err := s.runner.Identity().Get(cmd.Context(), !s.cfg.Cache.PreferLatestIdentities)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d identity records\n", ref.Len())
	return nil
}
