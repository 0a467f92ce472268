// Package api wires the HTTP surface: producer endpoints, the per-user
// history and analytics queries, preferences, and the ops surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/api/handler"
	apimw "github.com/notifyhub/courier/internal/api/middleware"
	"github.com/notifyhub/courier/internal/audit"
	"github.com/notifyhub/courier/internal/breaker"
	"github.com/notifyhub/courier/internal/daemon"
	"github.com/notifyhub/courier/internal/dispatch"
	"github.com/notifyhub/courier/internal/history"
	"github.com/notifyhub/courier/internal/service"
)

// Deps carries everything the router needs. Construction stays in main;
// the router only arranges routes.
type Deps struct {
	Notifications *service.NotificationService
	Preferences   *service.PreferenceService
	History       *history.Service
	Analytics     *history.Analytics
	Daemon        *daemon.Daemon
	Breakers      *breaker.Registry
	DeadLetters   *dispatch.DeadLetterQueue
	Auditor       *audit.Service
	Detector      *audit.Detector
	Registry      prometheus.Gatherer
	Logger        *zap.Logger
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)           // recover panics, return 500
	r.Use(chimw.RealIP)              // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1 << 20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)       // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(d.Logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(d.Notifications, d.Logger)
	ph := handler.NewPreferenceHandler(d.Preferences, d.Logger)
	hh := handler.NewHistoryHandler(d.History, d.Analytics, d.Logger)
	oh := handler.NewOpsHandler(d.Daemon, d.Breakers, d.DeadLetters, d.Auditor, d.Detector, d.Logger)

	// --- routes ---
	r.Get("/health", oh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Producer surface
		r.Post("/notifications", nh.Send)
		r.Get("/notifications/{id}", nh.Get)
		r.Delete("/notifications/{id}", nh.Cancel)
		r.Post("/notifications/{id}/resend", nh.Resend)

		// Per-user surface
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/preferences", ph.Get)
			r.Put("/preferences", ph.Update)

			r.Get("/history", hh.List)
			r.Get("/history/{notificationID}", hh.Detail)

			r.Route("/analytics", func(r chi.Router) {
				r.Get("/channels", hh.Channels)
				r.Get("/failures", hh.Failures)
				r.Get("/timeseries", hh.TimeSeries)
				r.Get("/responsiveness", hh.Responsiveness)
				r.Get("/dashboard", hh.Dashboard)
			})
		})

		// Ops surface
		r.Route("/ops", func(r chi.Router) {
			r.Get("/daemon", oh.DaemonStatus)
			r.Post("/daemon/restart", oh.RestartDaemon)
			r.Get("/channels", oh.Channels)
			r.Get("/breakers", oh.Breakers)
			r.Get("/dead-letters", oh.DeadLetters)
			r.Get("/audit/{userID}", oh.AuditTrail)
			r.Post("/security/scan", oh.SecurityScan)
		})
	})

	return r
}
