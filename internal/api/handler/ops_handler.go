package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/audit"
	"github.com/notifyhub/courier/internal/breaker"
	"github.com/notifyhub/courier/internal/daemon"
	"github.com/notifyhub/courier/internal/dispatch"
)

// OpsHandler serves the operational surface: daemon status, circuit
// breakers, the dead-letter queue, audit trails, and security scans.
type OpsHandler struct {
	daemon   *daemon.Daemon
	breakers *breaker.Registry
	dlq      *dispatch.DeadLetterQueue
	auditor  *audit.Service
	detector *audit.Detector
	logger   *zap.Logger
}

func NewOpsHandler(d *daemon.Daemon, breakers *breaker.Registry, dlq *dispatch.DeadLetterQueue, auditor *audit.Service, detector *audit.Detector, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{daemon: d, breakers: breakers, dlq: dlq, auditor: auditor, detector: detector, logger: logger}
}

// Health handles GET /health
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"daemon": string(h.daemon.State()),
	})
}

// DaemonStatus handles GET /api/v1/ops/daemon
func (h *OpsHandler) DaemonStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.daemon.Snapshot())
}

// RestartDaemon handles POST /api/v1/ops/daemon/restart
//
// @Summary  Stop and restart the delivery loops
// @Tags     ops
// @Produce  json
// @Success  200  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /api/v1/ops/daemon/restart [post]
func (h *OpsHandler) RestartDaemon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.daemon.Stop(ctx); err != nil {
		h.logger.Error("daemon stop failed during restart", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "daemon stop failed")
		return
	}
	if err := h.daemon.Start(ctx); err != nil {
		h.logger.Error("daemon restart failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "daemon restart failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"daemon": string(h.daemon.State())})
}

// Channels handles GET /api/v1/ops/channels
func (h *OpsHandler) Channels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.daemon.Snapshot().AdapterHealth)
}

// Breakers handles GET /api/v1/ops/breakers
func (h *OpsHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.breakers.Snapshots())
}

// DeadLetters handles GET /api/v1/ops/dead-letters
func (h *OpsHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"items":    h.dlq.Items(),
		"capacity": h.dlq.Capacity(),
		"evicted":  h.dlq.Evicted(),
	})
}

// AuditTrail handles GET /api/v1/ops/audit/{userID}
//
// @Summary  Masked audit trail for one user
// @Tags     ops
// @Produce  json
// @Param    userID  path   string  true   "User ID"
// @Param    since   query  string  false  "Entries after (RFC3339, default 24h ago)"
// @Router   /api/v1/ops/audit/{userID} [get]
func (h *OpsHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	entries, err := h.auditor.ListByUser(r.Context(), chi.URLParam(r, "userID"), since)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// SecurityScan handles POST /api/v1/ops/security/scan
func (h *OpsHandler) SecurityScan(w http.ResponseWriter, r *http.Request) {
	events, err := h.detector.Scan(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
