package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	databaseURL := os.Getenv("REPAIRPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set REPAIRPOS_TEST_DATABASE_URL to run postgres integration test")
	}
	if err := Migrate(databaseURL); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s, err := New(context.Background(), databaseURL, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedBatch(t *testing.T, s *Store, qty int) (domain.Customer, domain.PurchaseBatch) {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	product, err := s.CreateProduct(ctx, domain.Product{
		ID:       fmt.Sprintf("prd-it-%d", stamp),
		Title:    "Integration SSD",
		Category: "Storage",
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	customer, err := s.CreateCustomer(ctx, domain.Customer{
		ID:    fmt.Sprintf("cus-it-%d", stamp),
		Name:  "Integration Buyer",
		Phone: fmt.Sprintf("+62%d", stamp%1_000_000_000_000),
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	batch, err := s.CreateBatch(ctx, domain.PurchaseBatch{
		ProductID:    product.ID,
		Quantity:     qty,
		BuyingPrice:  decimal.NewFromInt(700),
		SellingPrice: decimal.NewFromInt(1000),
		PurchaseDate: time.Now().UTC(),
		CreatedBy:    "it",
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_undo_logs WHERE customer_id = $1`, customer.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE customer_id = $1`, customer.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchase_batches WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_summaries WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customer.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})
	return *customer, *batch
}

func TestDeleteSaleRestoresBatchQuantity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customer, batch := seedBatch(t, s, 10)

	sale, err := s.CreateSale(ctx, domain.Sale{
		CustomerID:    customer.ID,
		Date:          time.Now().UTC(),
		PaymentMethod: domain.PaymentCash,
		CreatedBy:     "it",
		Lines: []domain.SaleLine{
			{ProductID: batch.ProductID, PurchaseID: batch.ID, Quantity: 2, SerialNumbers: []string{"SN-IT-1", "SN-IT-2"}},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !sale.Total.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected total 2000, got %s", sale.Total)
	}

	afterSale, err := s.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if afterSale.RemainingQuantity != 8 {
		t.Fatalf("expected remaining 8 after sale, got %d", afterSale.RemainingQuantity)
	}

	if err := s.DeleteSale(ctx, sale.ID, domain.SaleUndoLog{UndoneBy: "it", UndoneAt: time.Now().UTC(), Reason: "integration"}); err != nil {
		t.Fatalf("delete sale: %v", err)
	}

	restored, err := s.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if restored.RemainingQuantity != 10 {
		t.Fatalf("expected remaining 10 after delete, got %d", restored.RemainingQuantity)
	}

	summary, err := s.RecomputeInventory(ctx, batch.ProductID, time.Now().UTC())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if summary.StockQuantity != 10 || summary.TotalSold != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customer, batch := seedBatch(t, s, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, shortfalls := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSale(ctx, domain.Sale{
				CustomerID: customer.ID,
				Date:       time.Now().UTC(),
				Lines:      []domain.SaleLine{{ProductID: batch.ProductID, PurchaseID: batch.ID, Quantity: 1}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				shortfalls++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 || shortfalls != 3 {
		t.Fatalf("expected 5 sales and 3 shortfalls, got %d and %d", succeeded, shortfalls)
	}
	final, err := s.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if final.RemainingQuantity != 0 {
		t.Fatalf("expected remaining 0, got %d", final.RemainingQuantity)
	}
}

func TestSearchSerialsMatchesWildcardsLiterally(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customer, batch := seedBatch(t, s, 2)
	stamp := time.Now().UnixNano()
	serial := fmt.Sprintf("SN-IT-%d-A", stamp)

	if _, err := s.CreateSale(ctx, domain.Sale{
		CustomerID:    customer.ID,
		Date:          time.Now().UTC(),
		PaymentMethod: domain.PaymentCash,
		CreatedBy:     "it",
		Lines: []domain.SaleLine{
			{ProductID: batch.ProductID, PurchaseID: batch.ID, Quantity: 1, SerialNumbers: []string{serial}},
		},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	found, err := s.SearchSerials(ctx, fmt.Sprintf("%d-a", stamp), 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].SerialNumber != serial {
		t.Fatalf("expected %s, got %+v", serial, found)
	}

	for _, query := range []string{fmt.Sprintf("SN%%%d", stamp), fmt.Sprintf("SN_IT_%d", stamp)} {
		found, err := s.SearchSerials(ctx, query, 10)
		if err != nil {
			t.Fatalf("search %q: %v", query, err)
		}
		if len(found) != 0 {
			t.Fatalf("query %q must not act as a wildcard, got %+v", query, found)
		}
	}
}

func TestDeleteProductDropsZeroSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, batch := seedBatch(t, s, 3)

	if err := s.DeleteBatch(ctx, batch.ID); err != nil {
		t.Fatalf("delete batch: %v", err)
	}
	if _, err := s.RecomputeInventory(ctx, batch.ProductID, time.Now().UTC()); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if err := s.DeleteProduct(ctx, batch.ProductID); err != nil {
		t.Fatalf("delete product with zero summary: %v", err)
	}
	if _, err := s.GetInventorySummary(ctx, batch.ProductID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected summary removed, got %v", err)
	}
}
