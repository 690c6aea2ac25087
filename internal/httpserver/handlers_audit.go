package httpserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
)

const (
	auditStreamWriteTimeout = 10 * time.Second
	auditStreamPingInterval = 30 * time.Second
)

var auditStreamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

func (h *handlers) auditList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errValidation))
			return
		}
		limit = n
	}
	if h.deps.Audit == nil {
		writeJSON(w, http.StatusOK, auditResponse{Success: true, Logs: []audit.Event{}})
		return
	}
	events, err := h.deps.Audit.List(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Success: true, Logs: events})
}

// auditStream pushes every newly recorded event over a websocket. Browsers
// cannot set headers on the upgrade request, so the token may also arrive
// as ?token=.
func (h *handlers) auditStream(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, reason, ok := h.authenticate(token)
	if !ok {
		h.log.Debug("audit stream rejected", "reason", reason, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}
	if h.deps.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternalError, "audit stream unavailable")
		return
	}

	// Subscribed before the handshake completes so no event is lost in
	// between.
	events, cancel := h.deps.Stream.Subscribe()
	defer cancel()

	conn, err := auditStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	h.log.Info("audit stream opened", "actor", id.Actor())
	defer h.log.Info("audit stream closed", "actor", id.Actor())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(auditStreamPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(auditStreamWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(auditStreamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
