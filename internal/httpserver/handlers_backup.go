package httpserver

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/backup"
)

func (h *handlers) listBackups(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Backups.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupsResponse{Success: true, Backups: list})
}

func (h *handlers) createBackup(w http.ResponseWriter, r *http.Request) {
	art, err := h.deps.Backups.Create(r.Context(), identityOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCreateResponse{
		Success:   true,
		Message:   "backup created",
		BackupDir: filepath.Join(h.deps.Backups.Root(), art.Name),
		Backup:    art,
	})
}

// restoreConfirmed accepts ?confirm=true or a JSON body {"confirm": true}.
func restoreConfirmed(r *http.Request) (bool, error) {
	if raw := r.URL.Query().Get("confirm"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("%w: confirm must be a boolean", errValidation)
		}
		return ok, nil
	}
	var body struct {
		Confirm bool `json:"confirm"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		return false, err
	}
	return body.Confirm, nil
}

func (h *handlers) restoreBackup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	confirmed, err := restoreConfirmed(r)
	if err == nil && !confirmed {
		err = fmt.Errorf("%w: restore must be explicitly confirmed", errValidation)
	}
	if err != nil {
		h.record(r, audit.Event{
			Actor:   identityOf(r).Actor(),
			Action:  backup.ActionRestore,
			Details: map[string]any{"backupName": name, "error": "not confirmed"},
			Result:  audit.ResultFailed,
		})
		h.fail(w, r, err)
		return
	}
	if err := h.deps.Backups.Restore(r.Context(), identityOf(r), name); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "restore completed"})
}

func (h *handlers) deleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Backups.Delete(r.Context(), identityOf(r), r.PathValue("name")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "backup deleted"})
}
