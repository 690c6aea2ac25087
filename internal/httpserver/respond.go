package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/backup"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/executor"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/fleet"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/health"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/identity"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/runtime"
)

// Error codes returned in the "code" field of failed responses.
const (
	CodeUnauthorized         = "unauthorized"
	CodeInvalidCredentials   = "invalid_credentials"
	CodeAlreadyExists        = "already_exists"
	CodeNotFound             = "not_found"
	CodeExecutorError        = "executor_error"
	CodeRuntimeError         = "runtime_error"
	CodeUpstreamError        = "upstream_error"
	CodeValidationError      = "validation_error"
	CodeRegistrationDisabled = "registration_disabled"
	CodeRateLimited          = "rate_limited"
	CodeInternalError        = "internal_error"
)

// errValidation marks malformed requests detected at the boundary.
var errValidation = errors.New("validation error")

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type loginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type statusResponse struct {
	Success  bool                `json:"success"`
	Services []runtime.Container `json:"services"`
}

type logsResponse struct {
	Success bool   `json:"success"`
	Logs    string `json:"logs"`
}

type updateResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Report  fleet.UpdateReport `json:"report"`
}

type backupsResponse struct {
	Success bool              `json:"success"`
	Backups []backup.Artifact `json:"backups"`
}

type backupCreateResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	BackupDir string          `json:"backupDir"`
	Backup    backup.Artifact `json:"backup"`
}

type healthResponse struct {
	Success bool                   `json:"success"`
	Health  []health.ServiceHealth `json:"health"`
	Summary health.Summary         `json:"summary"`
}

type auditResponse struct {
	Success bool          `json:"success"`
	Logs    []audit.Event `json:"logs"`
}

type containerMetricsResponse struct {
	Success bool                   `json:"success"`
	Metrics fleet.ContainerMetrics `json:"metrics"`
}

type bridgesResponse struct {
	Success bool                `json:"success"`
	Bridges []runtime.Container `json:"bridges"`
}

type userCreateResponse struct {
	Success bool                `json:"success"`
	User    identity.Registered `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message, Code: code})
}

// classify maps a domain error onto a status code, an error code and a
// client-facing message.
func classify(err error) (int, string, string) {
	var (
		execErr   *executor.Error
		rtErr     *runtime.Error
		remoteErr *identity.RemoteError
	)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials"
	case errors.Is(err, auth.ErrAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists, "user already exists"
	case errors.Is(err, errValidation),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, fleet.ErrInvalidAction),
		errors.Is(err, fleet.ErrInvalidName),
		errors.Is(err, fleet.ErrNotBridge),
		errors.Is(err, backup.ErrInvalidName),
		errors.Is(err, identity.ErrInvalidInput):
		return http.StatusBadRequest, CodeValidationError, err.Error()
	case errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "backup not found"
	case errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "service not found"
	case errors.As(err, &execErr):
		return http.StatusBadGateway, CodeExecutorError, execErr.Error()
	case errors.As(err, &rtErr):
		return http.StatusBadGateway, CodeRuntimeError, rtErr.Error()
	case errors.As(err, &remoteErr):
		if remoteErr.Code == "M_USER_IN_USE" {
			return http.StatusConflict, CodeAlreadyExists, remoteErr.Error()
		}
		if remoteErr.Status >= 400 && remoteErr.Status < 500 {
			return http.StatusBadRequest, CodeValidationError, remoteErr.Error()
		}
		return http.StatusBadGateway, CodeUpstreamError, remoteErr.Error()
	}
	return http.StatusInternalServerError, CodeInternalError, "internal error"
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "code", code, "error", err)
	}
	writeError(w, status, code, msg)
}
