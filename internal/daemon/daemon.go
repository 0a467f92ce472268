// Package daemon hosts the delivery loops: polling pending notifications
// into a bounded worker pool, adapter health monitoring, and periodic
// cleanup. One process hosts one daemon.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/adapter"
	"github.com/notifyhub/courier/internal/audit"
	"github.com/notifyhub/courier/internal/dispatch"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/repository"
)

// State is the daemon lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Config tunes the daemon loops.
type Config struct {
	PollingInterval         time.Duration
	BatchSize               int
	CriticalBatchSize       int
	MaxConcurrentDeliveries int
	ProcessingTimeout       time.Duration
	HealthCheckInterval     time.Duration
	CleanupInterval         time.Duration
	AuditRetention          time.Duration
	GracefulShutdownTimeout time.Duration
	MaxConsecutiveFailures  int
}

func DefaultConfig() Config {
	return Config{
		PollingInterval:         5 * time.Second,
		BatchSize:               50,
		CriticalBatchSize:       10,
		MaxConcurrentDeliveries: 10,
		ProcessingTimeout:       2 * time.Minute,
		HealthCheckInterval:     30 * time.Second,
		CleanupInterval:         time.Hour,
		AuditRetention:          90 * 24 * time.Hour,
		GracefulShutdownTimeout: 30 * time.Second,
		MaxConsecutiveFailures:  3,
	}
}

type adapterHealth struct {
	healthy          bool
	consecutiveFails int
	lastCheck        time.Time
}

// Stats is a snapshot for the ops surface.
type Stats struct {
	State                    State                   `json:"state"`
	AvgBatchMs               float64                 `json:"avg_batch_ms"`
	BatchesProcessed         uint64                  `json:"batches_processed"`
	ConsecutiveBatchFailures int                     `json:"consecutive_batch_failures"`
	AdapterHealth            map[domain.Channel]bool `json:"adapter_health"`
	DeadLetters              int                     `json:"dead_letters"`
}

// Daemon owns the three background loops and the adapter fleet.
type Daemon struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	adapters   map[domain.Channel]adapter.Adapter

	notifications repository.NotificationRepository
	rates         repository.RateCounterRepository
	auditor       *audit.Service
	inApp         *adapter.InAppAdapter
	metrics       *metrics.Metrics
	logger        *zap.Logger

	mu     sync.Mutex
	state  State
	health map[domain.Channel]*adapterHealth

	batchesProcessed  uint64
	avgBatchMs        float64
	consecBatchErrors int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(
	cfg Config,
	dispatcher *dispatch.Dispatcher,
	adapters map[domain.Channel]adapter.Adapter,
	notifications repository.NotificationRepository,
	rates repository.RateCounterRepository,
	auditor *audit.Service,
	inApp *adapter.InAppAdapter,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Daemon {
	d := &Daemon{
		cfg:           cfg,
		dispatcher:    dispatcher,
		adapters:      adapters,
		notifications: notifications,
		rates:         rates,
		auditor:       auditor,
		inApp:         inApp,
		metrics:       m,
		logger:        logger,
		state:         StateStopped,
		health:        make(map[domain.Channel]*adapterHealth),
		now:           func() time.Time { return time.Now().UTC() },
	}
	dispatcher.SetHealthGate(d.adapterHealthy)
	return d
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start initializes adapters and launches the loops. An adapter that fails
// to initialize is marked unhealthy; the daemon still starts.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateStopped && d.state != StateError {
		d.mu.Unlock()
		return fmt.Errorf("daemon start: already %s", d.state)
	}
	d.state = StateStarting
	d.mu.Unlock()

	for ch, ad := range d.adapters {
		h := &adapterHealth{healthy: true, lastCheck: d.now()}
		if err := ad.Initialize(ctx); err != nil {
			d.logger.Warn("adapter initialization failed, marked unhealthy",
				zap.String("channel", string(ch)), zap.Error(err))
			h.healthy = false
			h.consecutiveFails = d.cfg.MaxConsecutiveFailures
		}
		d.mu.Lock()
		d.health[ch] = h
		d.mu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(3)
	go d.processingLoop(loopCtx)
	go d.healthLoop(loopCtx)
	go d.cleanupLoop(loopCtx)

	d.mu.Lock()
	d.state = StateRunning
	d.mu.Unlock()
	d.logger.Info("delivery daemon started",
		zap.Duration("polling_interval", d.cfg.PollingInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("max_concurrent", d.cfg.MaxConcurrentDeliveries))
	return nil
}

// Stop shuts the loops down and closes every adapter. Calling Stop on a
// stopped daemon is a no-op. The dispatcher outlives the daemon so a
// restart reuses it; closing it is the process's job.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateRunning && d.state != StateError {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.GracefulShutdownTimeout):
		d.logger.Warn("graceful shutdown timeout exceeded, abandoning loops")
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for ch, ad := range d.adapters {
		if err := ad.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("adapter shutdown failed",
				zap.String("channel", string(ch)), zap.Error(err))
		}
	}

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
	d.logger.Info("delivery daemon stopped")
	return nil
}

// Snapshot reports loop statistics and adapter health.
func (d *Daemon) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	health := make(map[domain.Channel]bool, len(d.health))
	for ch, h := range d.health {
		health[ch] = h.healthy
	}
	return Stats{
		State:                    d.state,
		AvgBatchMs:               d.avgBatchMs,
		BatchesProcessed:         d.batchesProcessed,
		ConsecutiveBatchFailures: d.consecBatchErrors,
		AdapterHealth:            health,
		DeadLetters:              d.dispatcher.DeadLetters().Len(),
	}
}

func (d *Daemon) adapterHealthy(ch domain.Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.health[ch]
	if !ok {
		return true
	}
	return h.healthy
}

func (d *Daemon) processingLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := d.cfg.PollingInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := d.processBatch(ctx); err != nil {
			d.mu.Lock()
			d.consecBatchErrors++
			backoff := d.consecBatchErrors >= 3
			d.mu.Unlock()
			d.logger.Error("batch processing failed", zap.Error(err))
			interval = d.cfg.PollingInterval
			if backoff {
				interval = 2 * d.cfg.PollingInterval
			}
		} else {
			d.mu.Lock()
			d.consecBatchErrors = 0
			d.mu.Unlock()
			interval = d.cfg.PollingInterval
		}
		timer.Reset(interval)
	}
}

// processBatch drains one batch of due notifications through the semaphore.
// Deliveries still running at the batch deadline keep the context's
// cancellation; unstarted items stay pending for the next poll.
func (d *Daemon) processBatch(ctx context.Context) error {
	started := d.now()
	batch, err := d.notifications.FetchDue(ctx, started, d.cfg.CriticalBatchSize, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch due notifications: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	d.logger.Debug("processing batch", zap.Int("size", len(batch)))

	batchCtx, cancel := context.WithTimeout(ctx, d.cfg.ProcessingTimeout)
	defer cancel()

	sem := make(chan struct{}, d.cfg.MaxConcurrentDeliveries)
	var wg sync.WaitGroup
	for _, n := range batch {
		select {
		case sem <- struct{}{}:
		case <-batchCtx.Done():
			d.logger.Warn("batch timeout before all items started",
				zap.Int("remaining", len(batch)))
			wg.Wait()
			return nil
		}
		wg.Add(1)
		go func(n *domain.Notification) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.dispatcher.Dispatch(batchCtx, n); err != nil {
				d.logger.Error("dispatch failed",
					zap.String("notification_id", n.ID), zap.Error(err))
			}
			if d.metrics != nil {
				d.metrics.NotificationsProcessed.Inc()
			}
		}(n)
	}
	wg.Wait()

	elapsed := float64(d.now().Sub(started).Milliseconds())
	d.mu.Lock()
	d.batchesProcessed++
	// Exponential moving average over recent batches.
	if d.avgBatchMs == 0 {
		d.avgBatchMs = elapsed
	} else {
		d.avgBatchMs = 0.8*d.avgBatchMs + 0.2*elapsed
	}
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.BatchDuration.Observe(elapsed / 1000)
		d.metrics.DeadLetterSize.Set(float64(d.dispatcher.DeadLetters().Len()))
	}
	return nil
}

func (d *Daemon) healthLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkAdapters(ctx)
		}
	}
}

func (d *Daemon) checkAdapters(ctx context.Context) {
	for ch, ad := range d.adapters {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ad.HealthCheck(checkCtx)
		cancel()

		d.mu.Lock()
		h, ok := d.health[ch]
		if !ok {
			h = &adapterHealth{healthy: true}
			d.health[ch] = h
		}
		h.lastCheck = d.now()
		if err != nil {
			h.consecutiveFails++
			if h.consecutiveFails >= d.cfg.MaxConsecutiveFailures && h.healthy {
				h.healthy = false
				d.logger.Warn("adapter marked unhealthy",
					zap.String("channel", string(ch)),
					zap.Int("consecutive_failures", h.consecutiveFails),
					zap.Error(err))
			}
		} else {
			if !h.healthy {
				d.logger.Info("adapter recovered", zap.String("channel", string(ch)))
			}
			h.consecutiveFails = 0
			h.healthy = true
		}
		if d.metrics != nil {
			d.metrics.SetAdapterHealth(string(ch), h.healthy)
		}
		d.mu.Unlock()
	}
}

func (d *Daemon) cleanupLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCleanup(ctx)
		}
	}
}

func (d *Daemon) runCleanup(ctx context.Context) {
	now := d.now()
	if d.auditor != nil {
		if _, err := d.auditor.PurgeOlderThan(ctx, now.Add(-d.cfg.AuditRetention)); err != nil {
			d.logger.Warn("audit cleanup failed", zap.Error(err))
		}
	}
	if d.inApp != nil {
		if err := d.inApp.PurgeExpired(ctx, now); err != nil {
			d.logger.Warn("in-app cleanup failed", zap.Error(err))
		}
	}
	// Keep two hours of rolling counters; the evaluator only reads one.
	if removed, err := d.rates.Compact(ctx, now.Add(-2*time.Hour)); err != nil {
		d.logger.Warn("rate counter compaction failed", zap.Error(err))
	} else if removed > 0 {
		d.logger.Debug("rate counters compacted", zap.Int64("removed", removed))
	}
}
