// Package inventory derives per-product stock summaries from the purchase
// and sale ledger and keeps a cached copy for fast reads.
package inventory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"repairpos/internal/cache"
	"repairpos/internal/domain"
	"repairpos/internal/store"
)

type Aggregator struct {
	repo  store.LedgerRepository
	cache cache.StockCache
	ttl   time.Duration
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(repo store.LedgerRepository, stockCache cache.StockCache, ttl time.Duration, logger logrus.FieldLogger) *Aggregator {
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Aggregator{
		repo:  repo,
		cache: stockCache,
		ttl:   ttl,
		log:   logger.WithField("module", "inventory"),
		now:   time.Now,
	}
}

// Recompute rebuilds the summary from committed batches and sale lines. It
// never touches batches or sales, so calling it twice yields the same row.
func (a *Aggregator) Recompute(ctx context.Context, productID string) (domain.InventorySummary, error) {
	summary, err := a.repo.RecomputeInventory(ctx, productID, a.now().UTC())
	if err != nil {
		return summary, err
	}
	if err := a.cache.Set(ctx, summary, a.ttl); err != nil {
		a.log.WithError(err).WithField("product_id", productID).Warn("stock cache refresh failed")
	}
	return summary, nil
}

// RecomputeAll refreshes every distinct product. Failures are logged and the
// stale cache entry dropped; the ledger mutation that triggered the refresh
// has already committed.
func (a *Aggregator) RecomputeAll(ctx context.Context, productIDs ...string) {
	seen := make(map[string]struct{}, len(productIDs))
	ordered := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		if _, err := a.Recompute(ctx, id); err != nil {
			a.log.WithError(err).WithField("product_id", id).Error("inventory recompute failed")
			if cacheErr := a.cache.Invalidate(ctx, id); cacheErr != nil {
				a.log.WithError(cacheErr).WithField("product_id", id).Warn("stock cache invalidate failed")
			}
		}
	}
}

// Forget drops the cached summary of a deleted product.
func (a *Aggregator) Forget(ctx context.Context, productID string) {
	if err := a.cache.Invalidate(ctx, productID); err != nil {
		a.log.WithError(err).WithField("product_id", productID).Warn("stock cache invalidate failed")
	}
}

// Stock reads through the cache, then the stored summary, and recomputes
// when the product has never been summarised. A product with no batches
// reports zero stock without writing a summary.
func (a *Aggregator) Stock(ctx context.Context, productID string) (domain.InventorySummary, error) {
	cached, ok, err := a.cache.Get(ctx, productID)
	if err != nil {
		a.log.WithError(err).WithField("product_id", productID).Warn("stock cache read failed")
	}
	if ok && cached != nil {
		return *cached, nil
	}

	summary, err := a.repo.GetInventorySummary(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		batches, err := a.repo.ListBatches(ctx, productID, 1)
		if err != nil {
			return domain.InventorySummary{}, err
		}
		if len(batches) == 0 {
			return domain.InventorySummary{ProductID: productID, UpdatedAt: a.now().UTC()}, nil
		}
		return a.Recompute(ctx, productID)
	}
	if err != nil {
		return domain.InventorySummary{}, err
	}
	if err := a.cache.Set(ctx, *summary, a.ttl); err != nil {
		a.log.WithError(err).WithField("product_id", productID).Warn("stock cache refresh failed")
	}
	return *summary, nil
}
