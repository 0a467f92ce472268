package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/history"
)

// HistoryHandler serves delivery history listings and analytics aggregates.
type HistoryHandler struct {
	svc       *history.Service
	analytics *history.Analytics
	logger    *zap.Logger
}

func NewHistoryHandler(svc *history.Service, analytics *history.Analytics, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{svc: svc, analytics: analytics, logger: logger}
}

// List handles GET /api/v1/users/{userID}/history
//
// @Summary  List a user's delivery history
// @Tags     history
// @Produce  json
// @Param    userID     path      string  true   "User ID"
// @Param    status     query     string  false  "Filter by attempt status"
// @Param    channel    query     string  false  "Filter by channel"
// @Param    priority   query     string  false  "Filter by priority"
// @Param    type       query     string  false  "Filter by notification type"
// @Param    q          query     string  false  "Search subject and body"
// @Param    from       query     string  false  "Created after (RFC3339)"
// @Param    to         query     string  false  "Created before (RFC3339)"
// @Param    sort_by    query     string  false  "created_at | status | channel"
// @Param    order      query     string  false  "asc | desc"
// @Param    page       query     int     false  "Page number (default 1)"
// @Param    page_size  query     int     false  "Items per page (default 20, max 100)"
// @Success  200        {object}  history.Page
// @Failure  400        {object}  map[string]string
// @Router   /api/v1/users/{userID}/history [get]
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.List(r.Context(), chi.URLParam(r, "userID"), parseHistoryFilter(r))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// Detail handles GET /api/v1/users/{userID}/history/{notificationID}
//
// @Summary  Full attempt log for one notification
// @Tags     history
// @Produce  json
// @Param    userID          path      string  true  "User ID"
// @Param    notificationID  path      string  true  "Notification UUID"
// @Success  200             {object}  domain.DeliveryHistory
// @Failure  403             {object}  map[string]string
// @Failure  404             {object}  map[string]string
// @Router   /api/v1/users/{userID}/history/{notificationID} [get]
func (h *HistoryHandler) Detail(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Detail(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "notificationID"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// Channels handles GET /api/v1/users/{userID}/analytics/channels
func (h *HistoryHandler) Channels(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	stats, err := h.analytics.ChannelStats(r.Context(), chi.URLParam(r, "userID"), from, to)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Failures handles GET /api/v1/users/{userID}/analytics/failures
func (h *HistoryHandler) Failures(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	topN, _ := strconv.Atoi(r.URL.Query().Get("top"))
	causes, err := h.analytics.FailureBreakdown(r.Context(), chi.URLParam(r, "userID"), from, to, topN)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, causes)
}

// TimeSeries handles GET /api/v1/users/{userID}/analytics/timeseries
func (h *HistoryHandler) TimeSeries(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	points, err := h.analytics.TimeSeries(r.Context(), chi.URLParam(r, "userID"), from, to, parseBucket(r))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, points)
}

// Responsiveness handles GET /api/v1/users/{userID}/analytics/responsiveness
func (h *HistoryHandler) Responsiveness(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	resp, err := h.analytics.Responsiveness(r.Context(), chi.URLParam(r, "userID"), from, to)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Dashboard handles GET /api/v1/users/{userID}/analytics/dashboard
func (h *HistoryHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	d, err := h.analytics.Dashboard(r.Context(), chi.URLParam(r, "userID"), from, to, parseBucket(r))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func parseHistoryFilter(r *http.Request) domain.HistoryFilter {
	q := r.URL.Query()
	var f domain.HistoryFilter

	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		f.Page = v
	}
	if v, err := strconv.Atoi(q.Get("page_size")); err == nil {
		f.PageSize = v
	}
	if s := q.Get("status"); s != "" {
		st := domain.AttemptStatus(s)
		f.Status = &st
	}
	if ch := q.Get("channel"); ch != "" {
		c := domain.Channel(ch)
		f.Channel = &c
	}
	if p := q.Get("priority"); p != "" {
		pr := domain.Priority(p)
		f.Priority = &pr
	}
	if t := q.Get("type"); t != "" {
		nt := domain.NotificationType(t)
		f.Type = &nt
	}
	f.SearchTerm = q.Get("q")
	f.SortBy = q.Get("sort_by")
	f.SortDesc = q.Get("order") != "asc"
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.To = &t
		}
	}
	return f
}

// parseRange defaults to the trailing 30 days.
func parseRange(r *http.Request) (time.Time, time.Time) {
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}

func parseBucket(r *http.Request) history.Bucket {
	if b := r.URL.Query().Get("bucket"); b != "" {
		return history.Bucket(b)
	}
	return history.BucketDay
}
