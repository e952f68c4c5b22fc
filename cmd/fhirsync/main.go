package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirsync/internal/config"
	"github.com/ehr/fhirsync/internal/importer"
	"github.com/ehr/fhirsync/internal/platform/db"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "fhirsync",
		Short:        "Import and keep in sync patient records from SMART on FHIR providers",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(connectionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := a.routes()
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Int("providers", len(a.providers.List())).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.UseMemory() {
			return fmt.Errorf("migrations need STORE=postgres")
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		m, err := db.NewMigrator(pool, dir, schema)
		if err != nil {
			return err
		}
		return fn(ctx, m)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func syncCmd() *cobra.Command {
	var (
		connectionID string
		full         bool
		types        []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import records for one or all active connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := importer.RunOptions{Full: full}
			for _, t := range types {
				opts.ResourceTypes = append(opts.ResourceTypes, fhir.ResourceType(t))
			}

			if connectionID != "" {
				id, err := uuid.Parse(connectionID)
				if err != nil {
					return fmt.Errorf("invalid connection id %q", connectionID)
				}
				res, err := a.importer.Run(ctx, id, opts)
				if res != nil {
					printResult(res)
				}
				return err
			}

			outcomes, err := a.importer.SyncAll(ctx, opts)
			if err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if o.Result != nil {
					printResult(o.Result)
				}
				if o.Err != nil {
					failed++
					fmt.Printf("connection %s: %v\n", o.ConnectionID, o.Err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d connections failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "Connection ID (default: all active connections)")
	cmd.Flags().BoolVar(&full, "full", false, "Ignore sync cursors and fetch everything")
	cmd.Flags().StringSliceVar(&types, "types", nil, "Resource types to import (default: provider order)")
	return cmd
}

func printResult(res *importer.Result) {
	fmt.Printf("connection %s run %s: %s in %dms\n", res.ConnectionID, res.RunID, res.Status, res.DurationMS)
	types := make([]string, 0, len(res.ImportedCounts))
	for rt := range res.ImportedCounts {
		types = append(types, string(rt))
	}
	sort.Strings(types)
	for _, rt := range types {
		fmt.Printf("  %-22s imported %d, stale %d\n", rt, res.ImportedCounts[fhir.ResourceType(rt)], res.StaleCounts[fhir.ResourceType(rt)])
	}
	for _, e := range res.Errors {
		fmt.Printf("  error %s %s %s: %s\n", e.Kind, e.ResourceType, e.ResourceID, e.Message)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if n := len(res.PendingChanges); n > 0 {
		fmt.Printf("  %d pending change(s) need review\n", n)
	}
}

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Inspect provider connections",
	}

	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, newLogger(cfg.Env, cfg.LogLevel))
			if err != nil {
				return err
			}
			defer a.Close()

			conns, _, err := a.conns.List(ctx, !all, 0, 0)
			if err != nil {
				return err
			}
			fmt.Printf("%-36s %-16s %-16s %-8s %s\n", "ID", "PROVIDER", "PATIENT", "ACTIVE", "LAST SYNC")
			for _, c := range conns {
				last := "never"
				if c.LastSyncAt != nil {
					last = c.LastSyncAt.Format(time.RFC3339)
				}
				fmt.Printf("%-36s %-16s %-16s %-8t %s\n", c.ID, c.ProviderID, c.PatientID, c.Active, last)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "Include deactivated connections")
	cmd.AddCommand(listCmd)
	return cmd
}
