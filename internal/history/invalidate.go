package history

import (
	"context"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

// InvalidatingRepository wraps a HistoryRepository and drops the owning
// user's cached analytics after every write, so aggregates never serve data
// older than the last delivery.
type InvalidatingRepository struct {
	repository.HistoryRepository
	cache *Cache
}

func NewInvalidatingRepository(repo repository.HistoryRepository, cache *Cache) *InvalidatingRepository {
	return &InvalidatingRepository{HistoryRepository: repo, cache: cache}
}

func (r *InvalidatingRepository) Upsert(ctx context.Context, h *domain.DeliveryHistory) error {
	if err := r.HistoryRepository.Upsert(ctx, h); err != nil {
		return err
	}
	r.cache.InvalidateUser(ctx, h.UserID)
	return nil
}
