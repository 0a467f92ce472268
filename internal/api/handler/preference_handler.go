package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/service"
)

// PreferenceHandler serves per-user notification preferences.
type PreferenceHandler struct {
	svc    *service.PreferenceService
	logger *zap.Logger
}

func NewPreferenceHandler(svc *service.PreferenceService, logger *zap.Logger) *PreferenceHandler {
	return &PreferenceHandler{svc: svc, logger: logger}
}

// Get handles GET /api/v1/users/{userID}/preferences
//
// @Summary  Get a user's notification preferences
// @Tags     preferences
// @Produce  json
// @Param    userID  path      string  true  "User ID"
// @Success  200     {object}  domain.Preferences
// @Router   /api/v1/users/{userID}/preferences [get]
func (h *PreferenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Update handles PUT /api/v1/users/{userID}/preferences
//
// @Summary  Replace a user's notification preferences
// @Tags     preferences
// @Accept   json
// @Produce  json
// @Param    userID  path      string              true  "User ID"
// @Param    body    body      domain.Preferences  true  "Preferences document"
// @Success  200     {object}  domain.Preferences
// @Failure  422     {object}  map[string]string
// @Router   /api/v1/users/{userID}/preferences [put]
func (h *PreferenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p domain.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p.UserID = chi.URLParam(r, "userID")

	if err := h.svc.Update(r.Context(), &p, actorID(r)); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}
