package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

func TestCreateSaleTotalsDiscountedLines(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	mouse, err := env.svc.CreateProduct(ctx, domain.ProductCreateRequest{Title: "Mouse"})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	mustPurchase(t, env.svc, ctx, "prd-demo-cable", 5, 1000)
	mustPurchase(t, env.svc, ctx, mouse.ID, 5, 500)

	sale, err := env.svc.CreateSale(ctx, saleRequest("+628100000010",
		domain.SaleLineRequest{ProductID: "prd-demo-cable", Quantity: 2, Discount: decimal.NewFromInt(10)},
		domain.SaleLineRequest{ProductID: mouse.ID, Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !sale.Total.Equal(decimal.NewFromInt(2300)) {
		t.Fatalf("expected total 2300, got %s", sale.Total)
	}
	if sale.PaymentMethod != domain.PaymentCash || sale.CreatedBy != "admin" {
		t.Fatalf("unexpected sale defaults %+v", sale)
	}
	if sale.CustomerName != walkInCustomerName {
		t.Fatalf("expected walk-in customer, got %q", sale.CustomerName)
	}
}

func TestSaleThenDeleteRestoresLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	batch := mustPurchase(t, env.svc, ctx, "prd-demo-cable", 10, 100)

	sale, err := env.svc.CreateSale(ctx, saleRequest("+628100000011", domain.SaleLineRequest{ProductID: "prd-demo-cable", PurchaseID: batch.ID, Quantity: 3}))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if got := mustBatch(t, env.repo, batch.ID).RemainingQuantity; got != 7 {
		t.Fatalf("expected remaining 7, got %d", got)
	}
	if summary := mustStock(t, env.svc, "prd-demo-cable"); summary.StockQuantity != 7 || summary.TotalSold != 3 {
		t.Fatalf("unexpected summary after sale %+v", summary)
	}

	if err := env.svc.DeleteSale(ctx, sale.ID, domain.UndoRequest{Reason: "customer changed mind"}); err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if got := mustBatch(t, env.repo, batch.ID).RemainingQuantity; got != 10 {
		t.Fatalf("expected remaining 10, got %d", got)
	}
	if summary := mustStock(t, env.svc, "prd-demo-cable"); summary.StockQuantity != 10 || summary.TotalSold != 0 {
		t.Fatalf("unexpected summary after delete %+v", summary)
	}
	if _, err := env.svc.GetSale(ctx, sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted sale to be gone, got %v", err)
	}

	page, err := env.svc.ListSaleUndoLogs(ctx, UndoLogQuery{})
	if err != nil {
		t.Fatalf("list sale undo logs: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one undo log, got %d", page.Total)
	}
	var snapshot domain.Sale
	if err := json.Unmarshal(page.Logs[0].Snapshot, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ID != sale.ID || len(snapshot.Lines) != 1 || snapshot.Lines[0].Quantity != 3 {
		t.Fatalf("snapshot does not match sale: %+v", snapshot)
	}
	if !page.Logs[0].Total.Equal(sale.Total) || page.Logs[0].UndoneBy != "admin" {
		t.Fatalf("unexpected undo log %+v", page.Logs[0])
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	env := newTestEnv(t)
	batch := mustPurchase(t, env.svc, adminCtx(), "prd-demo-cable", 5, 100)

	const buyers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		shortages int
		other     []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := asActor("staff", domain.RoleStaff)
			_, err := env.svc.CreateSale(ctx, saleRequest(fmt.Sprintf("+62810000%04d", i), domain.SaleLineRequest{ProductID: "prd-demo-cable", Quantity: 1}))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				shortages++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if succeeded != 5 || shortages != buyers-5 {
		t.Fatalf("expected 5 sales and %d shortages, got %d and %d", buyers-5, succeeded, shortages)
	}
	if got := mustBatch(t, env.repo, batch.ID).RemainingQuantity; got != 0 {
		t.Fatalf("expected remaining 0, got %d", got)
	}
}

func TestSaleAllocatesOldestBatchesFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()

	older, err := env.svc.CreatePurchase(ctx, domain.PurchaseCreateRequest{
		ProductID: "prd-demo-ssd", Quantity: 1, BuyingPrice: decimal.NewFromInt(800), SellingPrice: decimal.NewFromInt(1000), Date: "2026-01-05",
	})
	if err != nil {
		t.Fatalf("create older purchase: %v", err)
	}
	newer, err := env.svc.CreatePurchase(ctx, domain.PurchaseCreateRequest{
		ProductID: "prd-demo-ssd", Quantity: 3, BuyingPrice: decimal.NewFromInt(850), SellingPrice: decimal.NewFromInt(1100), Date: "2026-02-05",
	})
	if err != nil {
		t.Fatalf("create newer purchase: %v", err)
	}

	sale, err := env.svc.CreateSale(ctx, saleRequest("+628100000020", domain.SaleLineRequest{
		ProductID: "prd-demo-ssd", Quantity: 2, SerialNumbers: []string{"SSD-A", "SSD-B"},
	}))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if len(sale.Lines) != 2 {
		t.Fatalf("expected the sale to split into 2 lines, got %d", len(sale.Lines))
	}

	byBatch := map[string]domain.SaleLine{}
	for _, line := range sale.Lines {
		byBatch[line.PurchaseID] = line
	}
	if line := byBatch[older.ID]; line.Quantity != 1 || len(line.SerialNumbers) != 1 || line.SerialNumbers[0] != "SSD-A" {
		t.Fatalf("unexpected older batch line %+v", line)
	}
	if line := byBatch[newer.ID]; line.Quantity != 1 || line.SerialNumbers[0] != "SSD-B" || !line.UnitPrice.Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("unexpected newer batch line %+v", line)
	}
	if !sale.Total.Equal(decimal.NewFromInt(2100)) {
		t.Fatalf("expected total 2100, got %s", sale.Total)
	}
	if got := mustBatch(t, env.repo, older.ID).RemainingQuantity; got != 0 {
		t.Fatalf("expected older batch drained, got %d", got)
	}
}

func TestSerialRequirementRejectsWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	batch := mustPurchase(t, env.svc, ctx, "prd-demo-ssd", 2, 1000)

	_, err := env.svc.CreateSale(ctx, saleRequest("+628100000030", domain.SaleLineRequest{
		ProductID: "prd-demo-ssd", Quantity: 2, SerialNumbers: []string{"ONLY-ONE"},
	}))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := mustBatch(t, env.repo, batch.ID).RemainingQuantity; got != 2 {
		t.Fatalf("expected remaining 2, got %d", got)
	}
	if _, err := env.repo.FindCustomerByPhone(ctx, "+628100000030"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no customer to be created, got %v", err)
	}
}

func TestSerialsMustBeUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	mustPurchase(t, env.svc, ctx, "prd-demo-ssd", 4, 1000)

	_, err := env.svc.CreateSale(ctx, saleRequest("+628100000040", domain.SaleLineRequest{
		ProductID: "prd-demo-ssd", Quantity: 2, SerialNumbers: []string{"SN-1", "sn-1"},
	}))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected duplicate serial inside sale to fail, got %v", err)
	}

	if _, err := env.svc.CreateSale(ctx, saleRequest("+628100000040", domain.SaleLineRequest{
		ProductID: "prd-demo-ssd", Quantity: 1, SerialNumbers: []string{"SN-1"},
	})); err != nil {
		t.Fatalf("first sale: %v", err)
	}
	_, err = env.svc.CreateSale(ctx, saleRequest("+628100000041", domain.SaleLineRequest{
		ProductID: "prd-demo-ssd", Quantity: 1, SerialNumbers: []string{"SN-1"},
	}))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected already sold serial to fail, got %v", err)
	}
}

func TestSaleRejectsBadDiscountAndForeignBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	ram := mustPurchase(t, env.svc, ctx, "prd-demo-ram", 2, 400)
	mustPurchase(t, env.svc, ctx, "prd-demo-cable", 2, 100)

	_, err := env.svc.CreateSale(ctx, saleRequest("+628100000050", domain.SaleLineRequest{
		ProductID: "prd-demo-cable", Quantity: 1, Discount: decimal.NewFromInt(101),
	}))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected discount validation error, got %v", err)
	}

	_, err = env.svc.CreateSale(ctx, saleRequest("+628100000050", domain.SaleLineRequest{
		ProductID: "prd-demo-cable", PurchaseID: ram.ID, Quantity: 1,
	}))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected foreign batch validation error, got %v", err)
	}
}

func TestDeleteSaleOutsideWindowConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	mustPurchase(t, env.svc, ctx, "prd-demo-cable", 3, 100)
	sale, err := env.svc.CreateSale(ctx, saleRequest("+628100000060", domain.SaleLineRequest{ProductID: "prd-demo-cable", Quantity: 1}))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	env.advance(25 * time.Hour)
	if err := env.svc.DeleteSale(ctx, sale.ID, domain.UndoRequest{}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict outside window, got %v", err)
	}
}

func TestDeleteSaleBlockedByWarrantyClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	mustPurchase(t, env.svc, ctx, "prd-demo-ssd", 1, 1000)
	sale, err := env.svc.CreateSale(ctx, saleRequest("+628100000070", domain.SaleLineRequest{
		ProductID: "prd-demo-ssd", Quantity: 1, SerialNumbers: []string{"SSD-CLAIM"},
	}))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	ticket, err := env.svc.CreateRepair(ctx, domain.RepairCreateRequest{
		Customer:      domain.CustomerInput{Phone: "+628100000070"},
		Device:        "SSD NVMe 1TB",
		Issue:         "Not detected",
		SerialNumber:  "SSD-CLAIM",
		WarrantyClaim: true,
	})
	if err != nil {
		t.Fatalf("create warranty repair: %v", err)
	}
	if ticket.InvoiceID != sale.ID {
		t.Fatalf("expected repair linked to %s, got %s", sale.ID, ticket.InvoiceID)
	}

	if err := env.svc.DeleteSale(ctx, sale.ID, domain.UndoRequest{}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict while a warranty claim exists, got %v", err)
	}
}

func TestBatchConservationAcrossOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	first := mustPurchase(t, env.svc, ctx, "prd-demo-cable", 6, 100)
	env.advance(time.Minute)
	second := mustPurchase(t, env.svc, ctx, "prd-demo-cable", 4, 120)

	sold := 0
	for i, qty := range []int{2, 5, 1} {
		if _, err := env.svc.CreateSale(ctx, saleRequest(fmt.Sprintf("+6281000008%02d", i), domain.SaleLineRequest{ProductID: "prd-demo-cable", Quantity: qty})); err != nil {
			t.Fatalf("sale %d: %v", i, err)
		}
		sold += qty
	}
	if _, err := env.svc.CreateSupplierReturn(ctx, second.ID, domain.SupplierReturnRequest{Quantity: 1}); err != nil {
		t.Fatalf("supplier return: %v", err)
	}

	remaining := 0
	purchased := 0
	for _, id := range []string{first.ID, second.ID} {
		b := mustBatch(t, env.repo, id)
		if b.RemainingQuantity < 0 || b.RemainingQuantity > b.Quantity {
			t.Fatalf("batch %s out of bounds: %d/%d", id, b.RemainingQuantity, b.Quantity)
		}
		remaining += b.RemainingQuantity
		purchased += b.Quantity
	}

	summary := mustStock(t, env.svc, "prd-demo-cable")
	if summary.TotalSold != sold || summary.TotalPurchased != purchased {
		t.Fatalf("unexpected summary %+v (sold %d purchased %d)", summary, sold, purchased)
	}
	if summary.StockQuantity != remaining || purchased-sold != remaining {
		t.Fatalf("conservation broken: stock %d remaining %d purchased %d sold %d", summary.StockQuantity, remaining, purchased, sold)
	}
}

func TestGetSaleUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.GetSale(context.Background(), "INV-20260101-00000000"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
