package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
)

const (
	maxBodyBytes = 1 << 20
	// Failed-login actors come from untrusted input.
	maxAuditedUsername = 64
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched
// when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body", errValidation)
	}
	return nil
}

func (h *handlers) record(r *http.Request, e audit.Event) {
	if h.deps.Audit == nil {
		return
	}
	audit.Emit(r.Context(), h.deps.Audit, h.log, e)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	if !h.deps.RegistrationEnabled {
		writeError(w, http.StatusForbidden, CodeRegistrationDisabled, "registration is disabled")
		return
	}
	if h.deps.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternalError, "auth service unavailable")
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		h.fail(w, r, fmt.Errorf("%w: username and password are required", errValidation))
		return
	}
	if err := h.deps.Auth.Register(r.Context(), req.Username, req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.Event{
		Actor:   req.Username,
		Action:  "user_register",
		Details: map[string]any{"ip": clientIP(r)},
		Result:  audit.ResultSuccess,
	})
	writeJSON(w, http.StatusCreated, messageResponse{Success: true, Message: "user registered"})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	if h.deps.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternalError, "auth service unavailable")
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		h.fail(w, r, fmt.Errorf("%w: username and password are required", errValidation))
		return
	}

	sess, err := h.deps.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.record(r, audit.Event{
				Actor:   truncate(req.Username, maxAuditedUsername),
				Action:  "user_login_failed",
				Details: map[string]any{"ip": clientIP(r)},
				Result:  audit.ResultFailed,
			})
		}
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.Event{
		Actor:   sess.Username,
		Action:  "user_login",
		Details: map[string]any{"ip": clientIP(r)},
		Result:  audit.ResultSuccess,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Success:   true,
		Token:     sess.Token,
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt.UTC(),
	})
}

func (h *handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		h.fail(w, r, fmt.Errorf("%w: current_password and new_password are required", errValidation))
		return
	}
	id := identityOf(r)
	err := h.deps.Auth.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword)
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailed
	}
	h.record(r, audit.Event{Actor: id.Actor(), Action: "user_password_change", Result: result})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "password changed"})
}
