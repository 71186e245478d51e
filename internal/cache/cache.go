package cache

import (
	"context"
	"time"

	"repairpos/internal/domain"
)

// StockCache holds derived inventory summaries. It is never authoritative:
// a miss or an error falls back to the ledger.
type StockCache interface {
	Get(ctx context.Context, productID string) (*domain.InventorySummary, bool, error)
	Set(ctx context.Context, summary domain.InventorySummary, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.InventorySummary, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ domain.InventorySummary, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
