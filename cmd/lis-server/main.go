package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/domain/specimen"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/middleware"
	"github.com/lis/lis/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "lis-server",
		Short:         "Laboratory specimen lifecycle API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the specimen API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations against site schemas",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			site, _ := cmd.Flags().GetString("site")
			all, _ := cmd.Flags().GetBool("all")

			ctx := cmd.Context()
			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			sites := []string{site}
			if site == "" {
				sites = []string{cfg.DefaultSite}
			}
			if all {
				if sites, err = db.ListSites(ctx, pool); err != nil {
					return err
				}
			}

			migrator := db.NewMigrator(pool, migrations.Files)
			for _, s := range sites {
				if !db.ValidSiteID(s) {
					return fmt.Errorf("invalid site identifier: %s", s)
				}
				schema := db.SchemaName(s)
				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migrate %s: %w", schema, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: applied %d migration(s)\n", schema, count)
			}
			return nil
		},
	}
	upCmd.Flags().String("site", "", "Site to migrate (defaults to DEFAULT_SITE)")
	upCmd.Flags().Bool("all", false, "Migrate every existing site schema")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			site, _ := cmd.Flags().GetString("site")

			ctx := cmd.Context()
			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if site == "" {
				site = cfg.DefaultSite
			}
			if !db.ValidSiteID(site) {
				return fmt.Errorf("invalid site identifier: %s", site)
			}
			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx, db.SchemaName(site))
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			printMigrationStatus(cmd, db.SchemaName(site), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("site", "", "Site to inspect (defaults to DEFAULT_SITE)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func siteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage lab sites",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a site schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := cmd.Context()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateSiteSchema(ctx, pool, name, migrations.Files); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Site %s created in schema %s\n", name, db.SchemaName(name))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Site identifier (letters, digits, underscore)")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List lab sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			sites, err := db.ListSites(ctx, pool)
			if err != nil {
				return err
			}
			for _, s := range sites {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every past-expiry specimen once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := cmd.Context()
			app, err := buildApp(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.sweeper.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d specimen(s)\n", n)
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store != "postgres" {
		return nil, nil, fmt.Errorf("this command requires STORE=postgres, got %q", cfg.Store)
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "lis-server").Logger()
	level := zerolog.InfoLevel
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		level = zerolog.DebugLevel
	}
	return logger.Level(level)
}

// newServer builds the HTTP surface over an assembled app.
func newServer(cfg *config.Config, logger zerolog.Logger, app *App, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Site-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.Store, app.pinger))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	apiMW := []echo.MiddlewareFunc{middleware.BodyLimit("1M"), authMiddleware(cfg, logger)}
	if app.pool != nil {
		apiMW = append(apiMW, db.SiteMiddleware(app.pool, cfg.DefaultSite))
	}
	apiMW = append(apiMW, middleware.Audit(logger, nil))

	apiV1 := e.Group("/api/v1", apiMW...)
	specimen.NewHandler(app.svc).RegisterRoutes(apiV1)

	return e
}

func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Logger:     logger,
	})
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is enabled: every request is authenticated as an admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := newRegistry()
	app, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer app.Close()

	e := newServer(cfg, logger, app, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("store", cfg.Store).
			Str("expiry_policy", cfg.ExpiryPolicy).
			Str("id_scheme", cfg.ResolvedIDScheme()).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if specimen.ExpiryPolicy(cfg.ExpiryPolicy) == specimen.ExpirySweep {
		g.Go(func() error {
			app.sweeper.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// joinBrokers renders KAFKA_BROKERS for the publisher.
func joinBrokers(brokers []string) string {
	return strings.Join(brokers, ",")
}
