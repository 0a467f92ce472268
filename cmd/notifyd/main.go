// notifyd is the delivery daemon plus its HTTP surface: producers enqueue
// notifications, the daemon polls and delivers them, and users query their
// history and preferences.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/adapter"
	"github.com/notifyhub/courier/internal/api"
	"github.com/notifyhub/courier/internal/audit"
	"github.com/notifyhub/courier/internal/breaker"
	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/daemon"
	"github.com/notifyhub/courier/internal/db"
	"github.com/notifyhub/courier/internal/dispatch"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/history"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/prefs"
	"github.com/notifyhub/courier/internal/repository"
	"github.com/notifyhub/courier/internal/service"
)

const (
	exitStartupFailure = 1
	exitRuntimeFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return exitStartupFailure
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return exitStartupFailure
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		return exitStartupFailure
	}
	logger.Info("database migrations applied")

	// ---- repositories ----
	notifications := repository.NewPgNotificationRepository(pool)
	preferences := repository.NewPgPreferenceRepository(pool)
	histories := repository.NewPgHistoryRepository(pool)
	audits := repository.NewPgAuditRepository(pool)
	inAppRows := repository.NewPgInAppRepository(pool)
	rates := repository.NewPgRateCounterRepository(pool)

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	auditor := audit.NewService(audits, logger, "notifyd")
	detector := audit.NewDetector(audit.DefaultDetectorConfig(), audits, logger)

	// Optional analytics cache; nil Cache degrades to always-miss.
	var cache *history.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		cache = history.NewCache(rdb, logger)
	}
	historySvc := history.NewService(histories, cache, logger)
	analytics := history.NewAnalytics(histories, cache, logger)

	// ---- delivery pipeline ----
	inApp := adapter.NewInAppAdapter(adapter.InAppConfig{
		MaxPreviewLength:        cfg.InAppMaxPreviewLength,
		NotificationRetention:   cfg.InAppRetention,
		MaxNotificationsPerUser: cfg.InAppMaxPerUser,
		AutoMarkReadAfter:       cfg.InAppAutoReadAfter,
		GroupingEnabled:         cfg.InAppGrouping,
		PopupForCritical:        true,
		BadgeForHigh:            true,
	}, inAppRows, logger)

	adapters := make(map[domain.Channel]adapter.Adapter)
	for _, ch := range cfg.EnabledChannels {
		switch ch {
		case domain.ChannelEmail:
			adapters[ch] = adapter.NewEmailAdapter(adapter.EmailConfig{
				Host:        cfg.SMTPHost,
				Port:        cfg.SMTPPort,
				Username:    cfg.SMTPUsername,
				Password:    cfg.SMTPPassword,
				UseStartTLS: cfg.SMTPStartTLS,
				FromAddress: cfg.SMTPFromAddress,
				FromName:    cfg.SMTPFromName,
				SendHTML:    cfg.SMTPSendHTML,
				DialTimeout: cfg.SMTPDialTimeout,
			}, logger)
		case domain.ChannelInApp:
			adapters[ch] = inApp
		case domain.ChannelWebhook:
			adapters[ch] = adapter.NewWebhookAdapter(adapter.WebhookConfig{
				URL:            cfg.WebhookURL,
				Secret:         cfg.WebhookSecret,
				RequestTimeout: cfg.WebhookTimeout,
			}, logger)
		case domain.ChannelLogging:
			adapters[ch] = adapter.NewLoggingAdapter(logger)
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerOpenTimeout,
		MonitoringWindow: cfg.BreakerWindow,
	}, logger, nil)

	limiterRates := make(map[domain.Channel]int, len(cfg.ChannelRatesPerMinute))
	for ch, perMin := range cfg.ChannelRatesPerMinute {
		if perMin > 0 {
			limiterRates[ch] = perMin
		}
	}

	evaluator := prefs.NewEvaluator(rates, logger)
	executor := dispatch.NewExecutor(breakers, cfg.PerCallTimeout, logger)
	dispatcher := dispatch.NewDispatcher(
		dispatch.Config{
			DefaultMode:        dispatch.Mode(cfg.DeliveryMode),
			PerCallTimeout:     cfg.PerCallTimeout,
			DeadLetterCapacity: cfg.DeadLetterCapacity,
		},
		adapters, evaluator, executor, dispatch.NewLimiters(limiterRates),
		notifications, preferences,
		history.NewInvalidatingRepository(histories, cache), rates,
		auditor, logger,
	)
	onSent, onFailed, onRetry, onBreakerOpen := m.DispatchHooks()
	dispatcher.SetMetricHooks(dispatch.MetricHooks{
		OnSent:        onSent,
		OnFailed:      onFailed,
		OnRetry:       onRetry,
		OnBreakerOpen: onBreakerOpen,
		OnEscalation:  m.EscalationsTriggered.Inc,
	})

	// ---- services ----
	notificationSvc := service.NewNotificationService(notifications, auditor, logger)
	preferenceSvc := service.NewPreferenceService(preferences, auditor, logger)
	preferenceSvc.OnUpdate(func(ctx context.Context, userID string) {
		cache.InvalidateUser(ctx, userID)
	})

	// ---- daemon ----
	dmn := daemon.New(daemon.Config{
		PollingInterval:         cfg.PollingInterval,
		BatchSize:               cfg.BatchSize,
		CriticalBatchSize:       cfg.CriticalBatchSize,
		MaxConcurrentDeliveries: cfg.MaxConcurrentDeliveries,
		ProcessingTimeout:       cfg.ProcessingTimeout,
		HealthCheckInterval:     cfg.HealthCheckInterval,
		CleanupInterval:         cfg.CleanupInterval,
		AuditRetention:          cfg.AuditRetention,
		GracefulShutdownTimeout: cfg.ShutdownTimeout,
		MaxConsecutiveFailures:  3,
	}, dispatcher, adapters, notifications, rates, auditor, inApp, m, logger)

	if err := dmn.Start(ctx); err != nil {
		logger.Error("failed to start daemon", zap.Error(err))
		return exitStartupFailure
	}

	// ---- HTTP server ----
	router := api.NewRouter(api.Deps{
		Notifications: notificationSvc,
		Preferences:   preferenceSvc,
		History:       historySvc,
		Analytics:     analytics,
		Daemon:        dmn,
		Breakers:      breakers,
		DeadLetters:   dispatcher.DeadLetters(),
		Auditor:       auditor,
		Detector:      detector,
		Registry:      reg,
		Logger:        logger,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", zap.Error(err))
		exit = exitRuntimeFailure
	}

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Drain the delivery loops and close every adapter.
	if err := dmn.Stop(shutdownCtx); err != nil {
		logger.Error("daemon shutdown error", zap.Error(err))
	}

	// 3. Cancel pending escalation timers.
	dispatcher.Close()

	logger.Info("notifyd stopped cleanly")
	return exit
}
