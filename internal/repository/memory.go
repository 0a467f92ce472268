package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// In-memory implementations of the repository interfaces. Used by unit tests
// and small deployments that run without PostgreSQL. No mock-generation
// library needed; error overrides simulate failure paths.

// ---- notifications ----

type MemoryNotificationRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.Notification

	CreateErr   error
	GetByIDErr  error
	FetchDueErr error
}

func NewMemoryNotificationRepository() *MemoryNotificationRepository {
	return &MemoryNotificationRepository{items: make(map[string]*domain.Notification)}
}

func (m *MemoryNotificationRepository) Create(_ context.Context, n *domain.Notification) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.IdempotencyKey != nil {
		for _, existing := range m.items {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return domain.ErrConflict
			}
		}
	}
	clone := *n
	m.items[n.ID] = &clone
	return nil
}

func (m *MemoryNotificationRepository) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

func (m *MemoryNotificationRepository) GetByIdempotencyKey(_ context.Context, key string) (*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.items {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			clone := *n
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MemoryNotificationRepository) FetchDue(_ context.Context, now time.Time, criticalLimit, batchLimit int) ([]*domain.Notification, error) {
	if m.FetchDueErr != nil {
		return nil, m.FetchDueErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var critical, rest []*domain.Notification
	for _, n := range m.items {
		if n.Status != domain.StatusPending || !n.DueAt(now) {
			continue
		}
		if n.Retry.NextRetryAt != nil && n.Retry.NextRetryAt.After(now) {
			continue
		}
		clone := *n
		if n.Priority == domain.PriorityCritical {
			critical = append(critical, &clone)
		} else {
			rest = append(rest, &clone)
		}
	}
	byCreated := func(s []*domain.Notification) {
		sort.Slice(s, func(i, j int) bool { return s[i].CreatedAt.Before(s[j].CreatedAt) })
	}
	byCreated(critical)
	byCreated(rest)
	if len(critical) > criticalLimit {
		critical = critical[:criticalLimit]
	}
	if len(rest) > batchLimit {
		rest = rest[:batchLimit]
	}
	return append(critical, rest...), nil
}

func (m *MemoryNotificationRepository) CompareAndSetStatus(_ context.Context, id string, from, to domain.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.Status != from {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryNotificationRepository) MarkSent(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(n *domain.Notification) {
		n.Status = domain.StatusSent
		n.SentAt = &at
	})
}

func (m *MemoryNotificationRepository) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(n *domain.Notification) {
		n.Status = domain.StatusDelivered
		n.DeliveredAt = &at
		n.ErrorDetails = ""
		n.Retry.NextRetryAt = nil
	})
}

func (m *MemoryNotificationRepository) MarkFailed(_ context.Context, id string, at time.Time, errorDetails string) error {
	return m.update(id, func(n *domain.Notification) {
		n.Status = domain.StatusFailed
		n.FailedAt = &at
		n.ErrorDetails = errorDetails
		n.Retry.NextRetryAt = nil
	})
}

func (m *MemoryNotificationRepository) MarkExpired(_ context.Context, id string) error {
	return m.update(id, func(n *domain.Notification) { n.Status = domain.StatusExpired })
}

func (m *MemoryNotificationRepository) Cancel(_ context.Context, id string) error {
	return m.update(id, func(n *domain.Notification) { n.Status = domain.StatusCancelled })
}

func (m *MemoryNotificationRepository) UpdateRetryState(_ context.Context, id string, attempt int, nextRetryAt *time.Time, lastError string) error {
	return m.update(id, func(n *domain.Notification) {
		n.Status = domain.StatusPending
		n.Retry.CurrentAttempt = attempt
		n.Retry.NextRetryAt = nextRetryAt
		n.Retry.LastError = lastError
	})
}

func (m *MemoryNotificationRepository) update(id string, fn func(*domain.Notification)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(n)
	n.UpdatedAt = time.Now().UTC()
	return nil
}

// ---- preferences ----

type MemoryPreferenceRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.Preferences

	GetErr error
}

func NewMemoryPreferenceRepository() *MemoryPreferenceRepository {
	return &MemoryPreferenceRepository{items: make(map[string]*domain.Preferences)}
}

func (m *MemoryPreferenceRepository) Get(_ context.Context, userID string) (*domain.Preferences, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.items[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *MemoryPreferenceRepository) Upsert(_ context.Context, p *domain.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.items[p.UserID] = &clone
	return nil
}

// ---- delivery history ----

type MemoryHistoryRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.DeliveryHistory // key: notificationID + "/" + userID
}

func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{items: make(map[string]*domain.DeliveryHistory)}
}

func historyKey(notificationID, userID string) string {
	return notificationID + "/" + userID
}

func (m *MemoryHistoryRepository) Get(_ context.Context, notificationID, userID string) (*domain.DeliveryHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.items[historyKey(notificationID, userID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := cloneHistory(h)
	return clone, nil
}

func (m *MemoryHistoryRepository) GetByNotification(_ context.Context, notificationID string) ([]*domain.DeliveryHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.DeliveryHistory
	for _, h := range m.items {
		if h.NotificationID == notificationID {
			out = append(out, cloneHistory(h))
		}
	}
	return out, nil
}

func (m *MemoryHistoryRepository) Upsert(_ context.Context, h *domain.DeliveryHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[historyKey(h.NotificationID, h.UserID)] = cloneHistory(h)
	return nil
}

func (m *MemoryHistoryRepository) List(_ context.Context, userID string, f domain.HistoryFilter) ([]*domain.DeliveryHistory, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*domain.DeliveryHistory
	for _, h := range m.items {
		if h.UserID != userID || !matchesFilter(h, f) {
			continue
		}
		matched = append(matched, cloneHistory(h))
	}
	sortHistories(matched, f)

	total := len(matched)
	start := (f.Page - 1) * f.PageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryHistoryRepository) ListRange(_ context.Context, userID string, from, to time.Time) ([]*domain.DeliveryHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.DeliveryHistory
	for _, h := range m.items {
		if h.UserID != userID {
			continue
		}
		if h.CreatedAt.Before(from) || !h.CreatedAt.Before(to) {
			continue
		}
		out = append(out, cloneHistory(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchesFilter(h *domain.DeliveryHistory, f domain.HistoryFilter) bool {
	if f.Status != nil && h.CurrentStatus != *f.Status {
		return false
	}
	if f.Channel != nil && !historyHasChannel(h, *f.Channel) {
		return false
	}
	if f.From != nil && h.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && h.CreatedAt.After(*f.To) {
		return false
	}
	if f.Priority != nil && h.Priority != *f.Priority {
		return false
	}
	if f.Type != nil && h.NotificationType != *f.Type {
		return false
	}
	if f.SearchTerm != "" {
		term := strings.ToLower(f.SearchTerm)
		if !strings.Contains(strings.ToLower(h.Subject), term) &&
			!strings.Contains(strings.ToLower(h.Body), term) {
			return false
		}
	}
	return true
}

func historyHasChannel(h *domain.DeliveryHistory, ch domain.Channel) bool {
	for _, c := range h.ChannelsAttempted {
		if c == ch {
			return true
		}
	}
	return false
}

func sortHistories(items []*domain.DeliveryHistory, f domain.HistoryFilter) {
	less := func(i, j int) bool {
		a, b := items[i], items[j]
		switch f.SortBy {
		case "status":
			if a.CurrentStatus != b.CurrentStatus {
				if f.SortDesc {
					return a.CurrentStatus > b.CurrentStatus
				}
				return a.CurrentStatus < b.CurrentStatus
			}
		case "channel":
			ac, bc := firstChannel(a), firstChannel(b)
			if ac != bc {
				if f.SortDesc {
					return ac > bc
				}
				return ac < bc
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				if f.SortDesc {
					return a.CreatedAt.After(b.CreatedAt)
				}
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		// created_at desc is the tie-breaker for every sort option.
		return a.CreatedAt.After(b.CreatedAt)
	}
	sort.SliceStable(items, less)
}

func firstChannel(h *domain.DeliveryHistory) domain.Channel {
	if len(h.ChannelsAttempted) == 0 {
		return ""
	}
	return h.ChannelsAttempted[0]
}

func cloneHistory(h *domain.DeliveryHistory) *domain.DeliveryHistory {
	clone := *h
	clone.Attempts = append([]domain.DeliveryAttempt(nil), h.Attempts...)
	clone.ChannelsAttempted = append([]domain.Channel(nil), h.ChannelsAttempted...)
	clone.SuccessfulChannels = append([]domain.Channel(nil), h.SuccessfulChannels...)
	return &clone
}

// ---- audit ----

type MemoryAuditRepository struct {
	mu      sync.RWMutex
	entries []*domain.AuditEntry
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (m *MemoryAuditRepository) Append(_ context.Context, e *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *e
	m.entries = append(m.entries, &clone)
	return nil
}

func (m *MemoryAuditRepository) ListByUser(_ context.Context, userID string, since time.Time) ([]*domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuditEntry
	for _, e := range m.entries {
		if e.UserID == userID && !e.Timestamp.Before(since) {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryAuditRepository) ListRecent(_ context.Context, since time.Time) ([]*domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuditEntry
	for _, e := range m.entries {
		if !e.Timestamp.Before(since) {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryAuditRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*domain.AuditEntry
	var deleted int64
	for _, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

// ---- in-app store ----

type MemoryInAppRepository struct {
	mu    sync.RWMutex
	items []*domain.InAppNotification
}

func NewMemoryInAppRepository() *MemoryInAppRepository {
	return &MemoryInAppRepository{}
}

func (m *MemoryInAppRepository) Insert(_ context.Context, n *domain.InAppNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *n
	m.items = append(m.items, &clone)
	return nil
}

func (m *MemoryInAppRepository) SiblingCount(_ context.Context, userID, groupKey string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.items {
		if n.UserID == userID && n.GroupKey == groupKey &&
			(n.Status == domain.InAppUnread || n.Status == domain.InAppRead) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryInAppRepository) UpdateGroup(_ context.Context, userID, groupKey string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.items {
		if n.UserID == userID && n.GroupKey == groupKey {
			n.GroupCount = count
			n.IsGrouped = count > 1
		}
	}
	return nil
}

func (m *MemoryInAppRepository) CountForUser(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.items {
		if n.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryInAppRepository) EvictOldest(_ context.Context, userID string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine []*domain.InAppNotification
	for _, n := range m.items {
		if n.UserID == userID {
			mine = append(mine, n)
		}
	}
	if len(mine) <= keep {
		return 0, nil
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.Before(mine[j].CreatedAt) })
	evict := make(map[string]struct{})
	for _, n := range mine[:len(mine)-keep] {
		evict[n.ID] = struct{}{}
	}
	var kept []*domain.InAppNotification
	for _, n := range m.items {
		if _, gone := evict[n.ID]; gone {
			continue
		}
		kept = append(kept, n)
	}
	m.items = kept
	return int64(len(evict)), nil
}

func (m *MemoryInAppRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*domain.InAppNotification
	var purged int64
	for _, n := range m.items {
		if n.ExpiresAt.Before(now) {
			purged++
			continue
		}
		kept = append(kept, n)
	}
	m.items = kept
	return purged, nil
}

func (m *MemoryInAppRepository) AutoMarkRead(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var marked int64
	now := time.Now().UTC()
	for _, n := range m.items {
		if n.Status == domain.InAppUnread && n.CreatedAt.Before(cutoff) {
			n.Status = domain.InAppRead
			n.ReadAt = &now
			marked++
		}
	}
	return marked, nil
}

// ForUser returns the user's rows newest-first. Test helper.
func (m *MemoryInAppRepository) ForUser(userID string) []*domain.InAppNotification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.InAppNotification
	for _, n := range m.items {
		if n.UserID == userID {
			clone := *n
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ---- rate counters ----

type MemoryRateCounterRepository struct {
	mu      sync.Mutex
	buckets map[string]map[time.Time]int // userID/channel → minute bucket → count
}

func NewMemoryRateCounterRepository() *MemoryRateCounterRepository {
	return &MemoryRateCounterRepository{buckets: make(map[string]map[time.Time]int)}
}

func rateKey(userID string, ch domain.Channel) string {
	return userID + "/" + string(ch)
}

func (m *MemoryRateCounterRepository) CountLastHour(_ context.Context, userID string, ch domain.Channel, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-time.Hour).Truncate(time.Minute)
	total := 0
	for bucket, count := range m.buckets[rateKey(userID, ch)] {
		if !bucket.Before(cutoff) {
			total += count
		}
	}
	return total, nil
}

func (m *MemoryRateCounterRepository) Increment(_ context.Context, userID string, ch domain.Channel, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rateKey(userID, ch)
	if m.buckets[key] == nil {
		m.buckets[key] = make(map[time.Time]int)
	}
	m.buckets[key][at.Truncate(time.Minute)]++
	return nil
}

func (m *MemoryRateCounterRepository) Compact(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, buckets := range m.buckets {
		for bucket := range buckets {
			if bucket.Before(cutoff) {
				delete(buckets, bucket)
				removed++
			}
		}
	}
	return removed, nil
}
