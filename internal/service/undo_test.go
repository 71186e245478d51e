package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

func TestUndoPurchaseSnapshotsAndRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	mustPurchase(t, env.svc, ctx, "prd-demo-ram", 3, 400)
	before := mustStock(t, env.svc, "prd-demo-ram")

	env.advance(time.Minute)
	batch := mustPurchase(t, env.svc, ctx, "prd-demo-ram", 5, 420)
	undone, err := env.svc.UndoPurchase(ctx, batch.ID, domain.UndoRequest{Reason: "entered twice"})
	if err != nil {
		t.Fatalf("undo purchase: %v", err)
	}
	if undone.ID != batch.ID {
		t.Fatalf("expected undone batch %s, got %s", batch.ID, undone.ID)
	}

	after := mustStock(t, env.svc, "prd-demo-ram")
	if after.StockQuantity != before.StockQuantity || after.TotalPurchased != before.TotalPurchased {
		t.Fatalf("expected stock back to %+v, got %+v", before, after)
	}
	if _, err := env.repo.GetBatch(ctx, batch.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected batch removed, got %v", err)
	}

	page, err := env.svc.ListPurchaseUndoLogs(ctx, UndoLogQuery{})
	if err != nil {
		t.Fatalf("list undo logs: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one log, got %d", page.Total)
	}
	entry := page.Logs[0]
	if entry.PurchaseID != batch.ID || entry.ProductID != batch.ProductID || entry.Quantity != batch.Quantity ||
		!entry.BuyingPrice.Equal(batch.BuyingPrice) || !entry.SellingPrice.Equal(batch.SellingPrice) ||
		entry.WarrantyMonths != batch.WarrantyMonths || !entry.PurchaseDate.Equal(batch.PurchaseDate) {
		t.Fatalf("snapshot does not match batch: %+v vs %+v", entry, batch)
	}
	if entry.ProductTitle != "DDR4 16GB 3200" || entry.SupplierName != "Nusantara Komputer" {
		t.Fatalf("expected joined names in snapshot, got %+v", entry)
	}
	if entry.UndoneBy != "admin" || entry.Reason != "entered twice" {
		t.Fatalf("unexpected audit fields %+v", entry)
	}
}

func TestUndoPurchaseWithSalesConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	batch := mustPurchase(t, env.svc, ctx, "prd-demo-cable", 3, 100)
	if _, err := env.svc.CreateSale(ctx, saleRequest("+628100000090", domain.SaleLineRequest{ProductID: "prd-demo-cable", Quantity: 1})); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := env.svc.UndoPurchase(ctx, batch.ID, domain.UndoRequest{}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := env.svc.UndoPurchase(ctx, "pur-missing", domain.UndoRequest{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUndoLastPurchaseIsScopedToActor(t *testing.T) {
	env := newTestEnv(t)
	staff := asActor("staff", domain.RoleStaff)
	admin := adminCtx()

	staffBatch := mustPurchase(t, env.svc, staff, "prd-demo-cable", 2, 100)
	env.advance(time.Minute)
	adminBatch := mustPurchase(t, env.svc, admin, "prd-demo-cable", 7, 100)
	env.advance(time.Minute)

	undone, err := env.svc.UndoLastPurchase(staff, domain.UndoRequest{})
	if err != nil {
		t.Fatalf("undo last: %v", err)
	}
	if undone.ID != staffBatch.ID {
		t.Fatalf("expected staff batch %s undone, got %s", staffBatch.ID, undone.ID)
	}
	if _, err := env.svc.UndoLastPurchase(staff, domain.UndoRequest{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected nothing left to undo for staff, got %v", err)
	}

	env.advance(25 * time.Hour)
	if _, err := env.svc.UndoLastPurchase(admin, domain.UndoRequest{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected admin batch to be outside the window, got %v", err)
	}
	if _, err := env.repo.GetBatch(admin, adminBatch.ID); err != nil {
		t.Fatalf("admin batch should be untouched: %v", err)
	}
}

func TestListPurchaseUndoLogsFiltersAndPaginates(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()

	for _, productID := range []string{"prd-demo-ram", "prd-demo-ram", "prd-demo-cable"} {
		batch := mustPurchase(t, env.svc, ctx, productID, 1, 100)
		if _, err := env.svc.UndoPurchase(ctx, batch.ID, domain.UndoRequest{}); err != nil {
			t.Fatalf("undo: %v", err)
		}
		env.advance(24 * time.Hour)
	}

	page, err := env.svc.ListPurchaseUndoLogs(ctx, UndoLogQuery{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || page.TotalPages != 2 || len(page.Logs) != 2 || page.Page != 1 {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Logs[0].ProductID != "prd-demo-cable" {
		t.Fatalf("expected newest log first, got %s", page.Logs[0].ProductID)
	}

	page, err = env.svc.ListPurchaseUndoLogs(ctx, UndoLogQuery{Search: "ddr4"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 matches for ddr4, got %d", page.Total)
	}

	page, err = env.svc.ListPurchaseUndoLogs(ctx, UndoLogQuery{StartDate: "2026-03-02", EndDate: "2026-03-03"})
	if err != nil {
		t.Fatalf("date filter: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected the inclusive end date to keep 2 logs, got %d", page.Total)
	}

	if _, err := env.svc.ListPurchaseUndoLogs(ctx, UndoLogQuery{StartDate: "2026-03-05", EndDate: "2026-03-01"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}
}

func TestExportPurchaseUndoLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := adminCtx()
	batch := mustPurchase(t, env.svc, ctx, "prd-demo-ram", 2, 400)
	if _, err := env.svc.UndoPurchase(ctx, batch.ID, domain.UndoRequest{Reason: "wrong, supplier"}); err != nil {
		t.Fatalf("undo: %v", err)
	}

	export, err := env.svc.ExportPurchaseUndoLogs(context.Background(), UndoLogQuery{}, "")
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(export.Data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header and one row, got %d", len(records))
	}
	want := []string{batch.ID, "DDR4 16GB 3200", "Nusantara Komputer", "2", "200.00", "2026-03-02", "2026-03-02T09:00:00Z", "admin", "wrong, supplier"}
	for i, value := range want {
		if records[1][i] != value {
			t.Fatalf("column %s: expected %q, got %q", records[0][i], value, records[1][i])
		}
	}

	export, err = env.svc.ExportPurchaseUndoLogs(context.Background(), UndoLogQuery{}, "XLSX")
	if err != nil {
		t.Fatalf("xlsx export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(export.Data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "Purchase ID" || rows[1][0] != batch.ID {
		t.Fatalf("unexpected xlsx rows %v", rows)
	}

	if _, err := env.svc.ExportPurchaseUndoLogs(context.Background(), UndoLogQuery{}, "pdf"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for pdf, got %v", err)
	}
}
