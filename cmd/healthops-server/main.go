package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthops/healthops/internal/config"
	"github.com/healthops/healthops/internal/domain/delegation"
	"github.com/healthops/healthops/internal/domain/rbac"
	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/auth"
	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/db"
	"github.com/healthops/healthops/internal/platform/hipaa"
	"github.com/healthops/healthops/internal/platform/middleware"
	"github.com/healthops/healthops/internal/platform/supervisor"
	"github.com/healthops/healthops/internal/platform/validation"
	"github.com/healthops/healthops/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthops-server",
		Short: "HIPAA authorization, delegation and audit API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(permissionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		AppName:     "healthops-server",
	})
}

// migrationSource prefers an explicit directory over the embedded schema.
func migrationSource(flagDir, cfgDir string) fs.FS {
	switch {
	case flagDir != "":
		return os.DirFS(flagDir)
	case cfgDir != "":
		return os.DirFS(cfgDir)
	default:
		return migrations.FS
	}
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

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(dir, cfg.MigrationsDir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default: embedded)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir, cfg.MigrationsDir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default: embedded)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func permissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Manage the permission registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Upsert the builtin permissions into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := newRBACService(pool).SyncBuiltinPermissions(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Synced %d permission(s).\n", n)
			return nil
		},
	})
	return cmd
}

func newRBACService(pool *pgxpool.Pool) *rbac.Service {
	return rbac.NewService(
		rbac.NewOrganizationRepo(pool),
		rbac.NewUserRepo(pool),
		rbac.NewPermissionRepo(pool),
		rbac.NewRoleRepo(pool),
		rbac.NewAssignmentRepo(pool),
	)
}

// app holds everything the router needs. Tests build it over memory stores.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	pinger      db.Pinger
	pool        *pgxpool.Pool
	auditStore  hipaa.Store
	recorder    authz.Recorder
	detector    *hipaa.Detector
	rbac        *rbac.Service
	resolver    *rbac.Resolver
	delegations *delegation.Service
}

func (a *app) authMiddleware() (echo.MiddlewareFunc, error) {
	key, err := a.cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	if a.cfg.IsDev() && key == nil && a.cfg.AuthIssuer == "" {
		a.logger.Warn().Msg("development auth enabled: identity is taken from X-Dev-User-ID and X-Dev-Org-ID")
		return auth.DevAuthMiddleware(), nil
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: key,
		Skipper:    auth.AuthSkipper,
		Recorder:   a.recorder,
	}), nil
}

func (a *app) router() (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(a.logger)
	e.Validator = validation.EchoValidator{}

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{
			echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader,
			middleware.OnBehalfOfHeader, middleware.SessionIDHeader, middleware.TerritoryHeader,
		},
	}))
	e.Use(echomw.BodyLimit("1M"))
	if a.cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pinger != nil {
		e.GET("/health/db", db.HealthHandler(a.pinger, a.pool))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	authn, err := a.authMiddleware()
	if err != nil {
		return nil, err
	}
	rl := middleware.DefaultRateLimitConfig()
	if a.cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = a.cfg.RateLimitRPS
	}
	if a.cfg.RateLimitBurst > 0 {
		rl.BurstSize = a.cfg.RateLimitBurst
	}
	auditCtx := middleware.AuditContextWithConfig(middleware.AuditContextConfig{
		Members:  a.resolver,
		Recorder: a.recorder,
	})
	api := e.Group("/api/v1", authn, auditCtx, middleware.RateLimit(rl))

	gate := authz.NewGate(a.resolver, a.delegations, a.recorder, a.logger)
	rbac.NewHandler(a.rbac, a.resolver).RegisterRoutes(api, gate)
	delegation.NewHandler(a.delegations).RegisterRoutes(api, gate)
	hipaa.NewHandler(a.auditStore, a.detector, a.resolver).RegisterRoutes(api, hipaa.Guards{
		Read:       authz.RequirePermission(gate, "audit_log", authz.AuditRead),
		Export:     authz.RequirePermission(gate, "audit_log", authz.AuditExport),
		Compliance: authz.RequirePermission(gate, "compliance_report", authz.ComplianceRead),
	})
	return e, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	auditStore := hipaa.NewPGStore(pool)
	recorder := hipaa.NewRecorder(auditStore, logger, hipaa.RecorderConfig{
		OutboxSize:    cfg.AuditOutboxSize,
		RetryInterval: cfg.AuditRetryInterval,
	})
	detector := hipaa.NewDetector(auditStore, hipaa.DetectorConfig{
		BulkAccessThreshold:   cfg.BulkAccessThreshold,
		TerritoryHopThreshold: cfg.TerritoryHopThreshold,
		Window:                cfg.AnomalyWindow,
	})
	recorder.SetDetector(detector)

	rbacSvc := newRBACService(pool)
	n, err := rbacSvc.SyncBuiltinPermissions(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to sync builtin permissions")
		return err
	}
	logger.Info().Int("permissions", n).Msg("builtin permissions synced")

	users := rbac.NewUserRepo(pool)
	resolver := rbac.NewResolver(users, rbac.NewAssignmentRepo(pool))
	delegations := delegation.NewService(delegation.NewRepo(pool), users, resolver, recorder, logger)

	a := &app{
		cfg:         cfg,
		logger:      logger,
		pinger:      pool,
		pool:        pool,
		auditStore:  auditStore,
		recorder:    recorder,
		detector:    detector,
		rbac:        rbacSvc,
		resolver:    resolver,
		delegations: delegations,
	}
	e, err := a.router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpSvc := supervisor.NewHTTPService(srv, 10*time.Second)
	if cfg.TLSEnabled {
		httpSvc.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}

	tree := supervisor.New(logger, supervisor.DefaultConfig())
	tree.AddWorker(recorder)
	tree.AddAPI(httpSvc)

	logger.Info().Str("addr", srv.Addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
		return err
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn().Int("services", len(report)).Msg("services did not stop within the shutdown timeout")
	}
	logger.Info().Msg("server stopped")
	return nil
}
