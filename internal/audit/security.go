package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

// DetectorConfig tunes the security event detector.
type DetectorConfig struct {
	Window             time.Duration
	FailedAuthLimit    int
	RateLimitHitLimit  int
	DataAccessMinCount int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:             time.Hour,
		FailedAuthLimit:    5,
		RateLimitHitLimit:  10,
		DataAccessMinCount: 10,
	}
}

// Detector scans recent audit entries for suspicious per-user patterns.
type Detector struct {
	cfg    DetectorConfig
	repo   repository.AuditRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewDetector(cfg DetectorConfig, repo repository.AuditRepository, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Scan reviews the configured window and emits one SecurityEvent per
// (user, pattern) that trips a threshold.
func (d *Detector) Scan(ctx context.Context) ([]domain.SecurityEvent, error) {
	now := d.now()
	since := now.Add(-d.cfg.Window)
	entries, err := d.repo.ListRecent(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("security scan: %w", err)
	}

	byUser := make(map[string][]*domain.AuditEntry)
	for _, e := range entries {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	var events []domain.SecurityEvent
	for userID, userEntries := range byUser {
		events = append(events, d.scanUser(userID, userEntries, since, now)...)
	}
	for _, ev := range events {
		d.logger.Warn("security event detected",
			zap.String("user_id", ev.UserID),
			zap.String("pattern", ev.Pattern),
			zap.String("severity", string(ev.Severity)),
			zap.Int("count", ev.Count))
	}
	return events, nil
}

func (d *Detector) scanUser(userID string, entries []*domain.AuditEntry, since, now time.Time) []domain.SecurityEvent {
	var events []domain.SecurityEvent

	authFailures := 0
	rateLimitHits := 0
	var accessTimes []time.Time
	for _, e := range entries {
		switch e.EventType {
		case domain.AuditAuthFailure:
			authFailures++
		case domain.AuditRateLimitHit:
			rateLimitHits++
		case domain.AuditDataAccess:
			accessTimes = append(accessTimes, e.Timestamp)
		}
	}

	emit := func(pattern string, eventType domain.AuditEventType, count int, severity domain.Severity) {
		events = append(events, domain.SecurityEvent{
			ID:          uuid.NewString(),
			UserID:      userID,
			Pattern:     pattern,
			Severity:    severity,
			EventType:   eventType,
			Count:       count,
			WindowStart: since,
			WindowEnd:   now,
			DetectedAt:  now,
		})
	}

	if authFailures >= d.cfg.FailedAuthLimit {
		severity := domain.SeverityHigh
		if authFailures >= d.cfg.FailedAuthLimit*2 {
			severity = domain.SeverityCritical
		}
		emit("repeated_auth_failures", domain.AuditAuthFailure, authFailures, severity)
	}
	if rateLimitHits >= d.cfg.RateLimitHitLimit {
		emit("excessive_rate_limit_hits", domain.AuditRateLimitHit, rateLimitHits, domain.SeverityMedium)
	}
	if burst, count := d.suspiciousAccess(accessTimes); burst {
		emit("burst_data_access", domain.AuditDataAccess, count, domain.SeverityHigh)
	}
	return events
}

// suspiciousAccess reports a burst pattern: at least DataAccessMinCount
// data-access events with more than half of them under one second apart.
func (d *Detector) suspiciousAccess(times []time.Time) (bool, int) {
	if len(times) < d.cfg.DataAccessMinCount {
		return false, 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	rapid := 0
	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) < time.Second {
			rapid++
		}
	}
	return rapid*2 > len(times), len(times)
}
