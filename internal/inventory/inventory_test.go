package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/internal/domain"
	"repairpos/internal/logging"
	"repairpos/internal/store/memory"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.InventorySummary
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]domain.InventorySummary)}
}

func (c *mapCache) Get(_ context.Context, productID string) (*domain.InventorySummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary, ok := c.entries[productID]
	if !ok {
		return nil, false, nil
	}
	return &summary, true, nil
}

func (c *mapCache) Set(_ context.Context, summary domain.InventorySummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[summary.ProductID] = summary
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, productID)
	return nil
}

func seedProduct(t *testing.T, repo *memory.Store, quantities ...int) domain.Product {
	t.Helper()
	ctx := context.Background()
	product, err := repo.CreateProduct(ctx, domain.Product{Title: "Mechanical Keyboard", Category: "Peripherals"})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	for _, qty := range quantities {
		_, err := repo.CreateBatch(ctx, domain.PurchaseBatch{
			ProductID:    product.ID,
			Quantity:     qty,
			BuyingPrice:  decimal.NewFromInt(400),
			SellingPrice: decimal.NewFromInt(650),
			PurchaseDate: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("create batch: %v", err)
		}
	}
	return *product
}

func TestRecomputeIsIdempotent(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, 10, 5)
	agg := New(repo, newMapCache(), time.Minute, logging.Discard())

	first, err := agg.Recompute(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	second, err := agg.Recompute(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	if first.TotalPurchased != 15 || first.TotalSold != 0 || first.StockQuantity != 15 {
		t.Fatalf("unexpected summary %+v", first)
	}
	if first.TotalPurchased != second.TotalPurchased || first.StockQuantity != second.StockQuantity {
		t.Fatalf("recompute drifted: %+v vs %+v", first, second)
	}
}

func TestStockRecomputesOnFirstReadThenHitsCache(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, 7)
	c := newMapCache()
	agg := New(repo, c, time.Minute, logging.Discard())

	summary, err := agg.Stock(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if summary.StockQuantity != 7 {
		t.Fatalf("expected stock 7, got %d", summary.StockQuantity)
	}
	if _, ok := c.entries[product.ID]; !ok {
		t.Fatalf("expected summary to be cached")
	}

	cachedOnly := c.entries[product.ID]
	cachedOnly.StockQuantity = 99
	c.entries[product.ID] = cachedOnly
	summary, err = agg.Stock(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if summary.StockQuantity != 99 {
		t.Fatalf("expected cached value to be served, got %d", summary.StockQuantity)
	}
}

func TestRecomputeAllSkipsUnknownProducts(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, 3)
	c := newMapCache()
	agg := New(repo, c, time.Minute, logging.Discard())

	agg.RecomputeAll(context.Background(), product.ID, "prd-missing", product.ID, "")

	if got := c.entries[product.ID].StockQuantity; got != 3 {
		t.Fatalf("expected cached stock 3, got %d", got)
	}
	if _, ok := c.entries["prd-missing"]; ok {
		t.Fatalf("unknown product must not be cached")
	}
}
