package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/courier/internal/api/middleware"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/service"
)

// NotificationHandler handles the producer-facing notification endpoints.
type NotificationHandler struct {
	svc    *service.NotificationService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// Send handles POST /api/v1/notifications
//
// @Summary     Enqueue a notification
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       X-Idempotency-Key  header    string                           false  "Idempotency key"
// @Param       body               body      domain.SendNotificationRequest   true   "Notification payload"
// @Success     202                {object}  domain.Receipt
// @Failure     422                {object}  map[string]string
// @Router      /api/v1/notifications [post]
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req domain.SendNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := h.svc.Send(r.Context(), &req, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		h.logger.Warn("send notification failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

// Get handles GET /api/v1/notifications/{id}
//
// @Summary  Get a notification by ID
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  200  {object}  domain.Notification
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/notifications/{id} [get]
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// Cancel handles DELETE /api/v1/notifications/{id}
//
// @Summary  Cancel a notification that has not reached a terminal state
// @Tags     notifications
// @Param    id   path      string  true  "Notification UUID"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/notifications/{id} [delete]
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), actorID(r)); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resend handles POST /api/v1/notifications/{id}/resend
//
// @Summary  Re-queue a failed notification
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  202  {object}  domain.Receipt
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/notifications/{id}/resend [post]
func (h *NotificationHandler) Resend(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.svc.Resend(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

// actorID identifies the caller for audit purposes. There is no auth layer;
// producers pass their identity in a header.
func actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return "api"
}
