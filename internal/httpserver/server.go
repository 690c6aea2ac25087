package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/backup"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/config"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/fleet"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/health"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/identity"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/observability"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/runtime"
)

type AuthService interface {
	Register(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (auth.IssuedSession, error)
	VerifySession(token string) (auth.Identity, error)
	ChangePassword(ctx context.Context, id auth.Identity, currentPassword, newPassword string) error
}

type FleetService interface {
	List(ctx context.Context) ([]runtime.Container, error)
	Control(ctx context.Context, actor auth.Identity, action, name string) error
	BulkUpdate(ctx context.Context, actor auth.Identity) (fleet.UpdateReport, error)
	Logs(ctx context.Context, name string, lines int) (string, error)
	ContainerMetrics(ctx context.Context) (fleet.ContainerMetrics, error)
	Bridges(ctx context.Context) ([]runtime.Container, error)
	RestartBridge(ctx context.Context, actor auth.Identity, name string) error
}

type BackupService interface {
	Root() string
	Create(ctx context.Context, actor auth.Identity) (backup.Artifact, error)
	List(ctx context.Context) ([]backup.Artifact, error)
	Restore(ctx context.Context, actor auth.Identity, name string) error
	Delete(ctx context.Context, actor auth.Identity, name string) error
}

type HealthService interface {
	Compute(ctx context.Context) (health.Report, error)
}

type UserProvisioner interface {
	Register(ctx context.Context, u identity.NewUser) (identity.Registered, error)
}

type AuditStream interface {
	Subscribe() (<-chan audit.Event, func())
}

type Deps struct {
	Auth    AuthService
	Fleet   FleetService
	Backups BackupService
	Health  HealthService
	Users   UserProvisioner
	Audit   audit.Log
	Stream  AuditStream

	Logger  *slog.Logger
	Metrics *observability.Metrics

	RegistrationEnabled bool
	RateLimit           config.RateLimitConfig
	TrustedProxies      []netip.Prefix
	FrontendDistDir     string
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewHandler(deps),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// NewHandler builds the routed handler with the full middleware chain.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = observability.Discard()
	}
	h := &handlers{deps: deps, log: deps.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	mux.HandleFunc("POST /auth/register", h.register)
	mux.HandleFunc("POST /auth/login", h.login)
	mux.HandleFunc("POST /auth/change-password", h.gate(h.changePassword))

	mux.HandleFunc("GET /status", h.gate(h.status))
	mux.HandleFunc("POST /service/{action}/{name}", h.gate(h.controlService))
	mux.HandleFunc("GET /logs/{name}", h.gate(h.logs))
	mux.HandleFunc("POST /update", h.gate(h.update))
	mux.HandleFunc("GET /metrics/containers", h.gate(h.containerMetrics))
	mux.HandleFunc("GET /bridges/status", h.gate(h.bridges))
	mux.HandleFunc("POST /bridges/restart/{name}", h.gate(h.restartBridge))

	mux.HandleFunc("GET /backups", h.gate(h.listBackups))
	mux.HandleFunc("POST /backups/create", h.gate(h.createBackup))
	mux.HandleFunc("POST /backups/restore/{name}", h.gate(h.restoreBackup))
	mux.HandleFunc("DELETE /backups/{name}", h.gate(h.deleteBackup))

	mux.HandleFunc("GET /health", h.gate(h.health))
	mux.HandleFunc("GET /audit", h.gate(h.auditList))
	mux.HandleFunc("GET /audit/stream", h.auditStream)

	mux.HandleFunc("POST /users/create", h.gate(h.createUser))

	registerFrontendHandlers(mux, deps.FrontendDistDir)

	var handler http.Handler = mux
	handler = newRateLimiter(deps.RateLimit).middleware(handler)
	handler = recoverMiddleware(deps.Logger, handler)
	handler = loggingMiddleware(deps.Logger, deps.Metrics, handler)
	handler = securityHeaders(handler)
	handler = clientAddress(deps.TrustedProxies, handler)
	return handler
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	deps Deps
	log  *slog.Logger
}
