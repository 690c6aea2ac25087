package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/identity"
)

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	services, err := h.deps.Fleet.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Services: services})
}

func (h *handlers) controlService(w http.ResponseWriter, r *http.Request) {
	action, name := r.PathValue("action"), r.PathValue("name")
	if err := h.deps.Fleet.Control(r.Context(), identityOf(r), action, name); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: fmt.Sprintf("service %s: %s completed", name, action),
	})
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(w, r, fmt.Errorf("%w: lines must be a non-negative integer", errValidation))
			return
		}
		lines = n
	}
	out, err := h.deps.Fleet.Logs(r.Context(), r.PathValue("name"), lines)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Success: true, Logs: out})
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Fleet.BulkUpdate(r.Context(), identityOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{
		Success: true,
		Message: fmt.Sprintf("pulled %d images, recreated %d containers", report.Pulled, report.Recreated),
		Report:  report,
	})
}

func (h *handlers) containerMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.deps.Fleet.ContainerMetrics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, containerMetricsResponse{Success: true, Metrics: m})
}

func (h *handlers) bridges(w http.ResponseWriter, r *http.Request) {
	bridges, err := h.deps.Fleet.Bridges(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bridgesResponse{Success: true, Bridges: bridges})
}

func (h *handlers) restartBridge(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.deps.Fleet.RestartBridge(r.Context(), identityOf(r), name); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: fmt.Sprintf("bridge %s restarted", name)})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Health.Compute(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Success: true, Health: report.Services, Summary: report.Summary})
}

func (h *handlers) createUser(w http.ResponseWriter, r *http.Request) {
	if h.deps.Users == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternalError, "user provisioning unavailable")
		return
	}
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	reg, err := h.deps.Users.Register(r.Context(), identity.NewUser{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	details := map[string]any{"username": req.Username, "displayName": req.DisplayName}
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailed
		details["error"] = err.Error()
	}
	h.record(r, audit.Event{Actor: identityOf(r).Actor(), Action: "matrix_user_create", Details: details, Result: result})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userCreateResponse{Success: true, User: reg})
}
