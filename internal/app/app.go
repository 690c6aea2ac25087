package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/backup"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/config"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/executor"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/fleet"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/health"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/httpserver"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/identity"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/migrations"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/observability"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/process"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/runtime"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/scheduler"
)

type App struct {
	cfg       config.Config
	log       *slog.Logger
	db        *sql.DB
	server    *httpserver.Server
	scheduler *scheduler.Scheduler
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := observability.NewLogger(cfg.LogLevel)

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = OpenDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := migrations.Up(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("database schema up to date")
	}
	closeDB := func() {
		if db != nil {
			_ = db.Close()
		}
	}

	store, err := CredentialStore(cfg, db)
	if err != nil {
		closeDB()
		return nil, err
	}
	auditLog, err := AuditLog(cfg, db)
	if err != nil {
		closeDB()
		return nil, err
	}
	events := audit.NewBroadcaster(auditLog)

	authService, err := auth.NewService(store, auth.ServiceConfig{
		Secret:     cfg.Auth.Secret,
		SessionTTL: cfg.Auth.SessionTTL,
	})
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("create auth service: %w", err)
	}
	if cfg.Auth.BootstrapUsername != "" {
		created, err := authService.EnsureUser(ctx, cfg.Auth.BootstrapUsername, cfg.Auth.BootstrapPassword)
		if err != nil {
			closeDB()
			return nil, fmt.Errorf("create bootstrap user: %w", err)
		}
		if created {
			logger.Info("bootstrap user created", "username", cfg.Auth.BootstrapUsername)
		}
	}

	rt := runtime.NewDockerCLI(
		cfg.Runtime.Binary,
		cfg.Runtime.ComposeFile,
		process.NewExecRunner(cfg.Runtime.ProjectDir, cfg.Runtime.Timeout),
		process.NewExecRunner(cfg.Runtime.ProjectDir, cfg.Runtime.UpdateTimeout),
	)
	orchestrator, err := fleet.New(fleet.Config{Runtime: rt, Audit: events, Logger: logger, Metrics: metrics})
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	scripts := process.NewExecRunner("", cfg.Backup.Timeout)
	backups, err := backup.NewManager(backup.Config{
		Root:    cfg.Backup.Root,
		Backup:  executor.NewScript(cfg.Backup.BackupScript, scripts),
		Restore: executor.NewScript(cfg.Backup.RestoreScript, scripts),
		Audit:   events,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("create backup manager: %w", err)
	}

	aggregator := health.NewAggregator(rt, metrics)

	proxies, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	deps := httpserver.Deps{
		Auth:                authService,
		Fleet:               orchestrator,
		Backups:             backups,
		Health:              aggregator,
		Audit:               events,
		Stream:              events,
		Logger:              logger,
		Metrics:             metrics,
		RegistrationEnabled: cfg.Auth.RegistrationEnabled,
		RateLimit:           cfg.RateLimit,
		TrustedProxies:      proxies,
		FrontendDistDir:     cfg.FrontendDistDir,
	}
	if cfg.MatrixURL != "" {
		deps.Users = identity.NewClient(cfg.MatrixURL, nil)
	}

	a := &App{
		cfg:    cfg,
		log:    logger,
		db:     db,
		server: httpserver.New(cfg.HTTP, deps),
	}
	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(scheduler.Config{
			BackupInterval: cfg.Scheduler.BackupInterval,
			HealthInterval: cfg.Scheduler.HealthInterval,
			Backups:        backups,
			Health:         aggregator,
			Audit:          events,
			Logger:         logger,
		})
	}
	return a, nil
}

// CredentialStore picks the Postgres store when db is set and the JSON file
// store otherwise.
func CredentialStore(cfg config.Config, db *sql.DB) (auth.CredentialStore, error) {
	if db != nil {
		store, err := auth.NewPostgresCredentialStore(db)
		if err != nil {
			return nil, fmt.Errorf("create postgres credential store: %w", err)
		}
		return store, nil
	}
	store, err := auth.NewFileCredentialStore(cfg.Auth.UserStateFile)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}
	return store, nil
}

func AuditLog(cfg config.Config, db *sql.DB) (audit.Log, error) {
	if db != nil {
		l, err := audit.NewPostgresLogger(db)
		if err != nil {
			return nil, fmt.Errorf("create postgres audit log: %w", err)
		}
		return l, nil
	}
	return audit.NewLogger(cfg.AuditLogFile), nil
}

// Run serves HTTP and runs the scheduler until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if a.db != nil {
			_ = a.db.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})
	if a.scheduler != nil {
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
	}
	return g.Wait()
}
