package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinical-workflow/internal/api"
	"github.com/hackgods/clinical-workflow/internal/app"
	"github.com/hackgods/clinical-workflow/internal/config"
	"github.com/hackgods/clinical-workflow/internal/db"
	"github.com/hackgods/clinical-workflow/internal/logging"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "api-server",
		Short:         "Clinical appointment and encounter workflow API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel, cfg.Env)

			if migrateFirst {
				if err := withMigrator(cfg, func(m *db.Migrator) error { return m.Up() }); err != nil {
					return err
				}
				log.Info().Msg("migrations applied")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServer(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	router := api.NewRouter(api.RouterConfig{
		Appointments:   a.Appointments,
		Encounters:     a.Encounters,
		Audit:          a.Audit,
		Health:         api.NewHealthHandler(a.Pool, a.RedisCmdable(), cfg.Env, version),
		MetricsHandler: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Metrics:        a.Metrics,
		JWTSecret:      []byte(cfg.JWTSecret),
		Log:            log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down api-server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrateWith(func(m *db.Migrator) error { return m.Up() })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrateWith(func(m *db.Migrator) error { return m.Down() })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Mark a version as applied without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			return migrateWith(func(m *db.Migrator) error { return m.Force(v) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrateWith(func(m *db.Migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			})
		},
	})
	return cmd
}

func migrateWith(fn func(m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}
	return withMigrator(cfg, fn)
}

func withMigrator(cfg config.Config, fn func(m *db.Migrator) error) error {
	m, err := db.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}
