// Package history serves the delivery-history query surface: paginated
// per-user listings, single-record detail, and cached analytics aggregates.
package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

const (
	maxPage         = 1000
	maxPageSize     = 100
	defaultPageSize = 20
)

// Page is one listing result.
type Page struct {
	Items      []*domain.DeliveryHistory `json:"items"`
	Pagination domain.Pagination         `json:"pagination"`
}

// Service answers history queries.
type Service struct {
	histories repository.HistoryRepository
	cache     *Cache
	logger    *zap.Logger
}

func NewService(histories repository.HistoryRepository, cache *Cache, logger *zap.Logger) *Service {
	return &Service{histories: histories, cache: cache, logger: logger}
}

// List returns one page of the user's delivery history.
func (s *Service) List(ctx context.Context, userID string, f domain.HistoryFilter) (*Page, error) {
	if err := normalizeFilter(&f); err != nil {
		return nil, err
	}

	items, total, err := s.histories.List(ctx, userID, f)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	totalPages := (total + f.PageSize - 1) / f.PageSize
	return &Page{
		Items: items,
		Pagination: domain.Pagination{
			CurrentPage: f.Page,
			PageSize:    f.PageSize,
			TotalItems:  total,
			TotalPages:  totalPages,
			HasNext:     f.Page < totalPages,
			HasPrevious: f.Page > 1,
		},
	}, nil
}

// Detail returns the full attempt log for one notification. A record that
// exists but belongs to another user yields ErrForbidden, not ErrNotFound,
// so the ops surface can distinguish the two.
func (s *Service) Detail(ctx context.Context, userID, notificationID string) (*domain.DeliveryHistory, error) {
	records, err := s.histories.GetByNotification(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("history detail: %w", err)
	}
	if len(records) == 0 {
		return nil, domain.ErrNotFound
	}
	for _, h := range records {
		if h.UserID == userID {
			return h, nil
		}
	}
	return nil, domain.ErrForbidden
}

// RecordInserted invalidates the user's analytics cache after a new history
// write. The delivery path goes through InvalidatingRepository instead; this
// is for callers that write history directly.
func (s *Service) RecordInserted(ctx context.Context, userID string) {
	s.cache.InvalidateUser(ctx, userID)
}

func normalizeFilter(f *domain.HistoryFilter) error {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = defaultPageSize
	}
	if f.Page < 1 || f.Page > maxPage {
		return fmt.Errorf("%w: page must be 1..%d", domain.ErrInvalidQuery, maxPage)
	}
	if f.PageSize < 1 || f.PageSize > maxPageSize {
		return fmt.Errorf("%w: page size must be 1..%d", domain.ErrInvalidQuery, maxPageSize)
	}
	switch f.SortBy {
	case "", "created_at", "status", "channel":
	default:
		return fmt.Errorf("%w: unknown sort field %q", domain.ErrInvalidQuery, f.SortBy)
	}
	if f.SortBy == "" {
		f.SortBy = "created_at"
		f.SortDesc = true
	}
	return nil
}
