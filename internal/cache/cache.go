package cache

import (
	"context"
	"fmt"
	"time"

	"retailpdv/backend/internal/domain"
)

// SummaryCache holds daily summaries for read-only reporting. Cash closing
// never reads from it.
type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.DailySummary, bool, error)
	Set(ctx context.Context, key string, value *domain.DailySummary, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func SummaryKey(storeID string, date string) string {
	return fmt.Sprintf("pdv:summary:%s:%s", storeID, date)
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.DailySummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.DailySummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Delete(_ context.Context, _ string) error {
	return nil
}
