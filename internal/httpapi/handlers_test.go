package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/internal/domain"
	"repairpos/internal/inventory"
	"repairpos/internal/logging"
	"repairpos/internal/service"
	"repairpos/internal/store/memory"
)

// newTestAPI builds a full API over the seeded memory store so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := logging.Discard()
	repo := memory.NewSeeded()
	stock := inventory.New(repo, nil, time.Minute, logger)
	svc := service.New(repo, stock, logger, service.Options{})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", logger)
}

func login(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d: %s", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func do(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw %q)", err, res.Body.String())
	}
}

func createPurchase(t *testing.T, api *API, token string, productID string, quantity int) domain.PurchaseBatch {
	t.Helper()
	res := do(t, api, http.MethodPost, "/api/v1/purchases", token, map[string]any{
		"product_id":    productID,
		"quantity":      quantity,
		"buying_price":  "50",
		"selling_price": "100",
		"warranty":      12,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create purchase: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var payload struct {
		Purchase domain.PurchaseBatch `json:"purchase"`
	}
	decodeBody(t, res, &payload)
	return payload.Purchase
}

func stockOf(t *testing.T, api *API, token string, productID string) int {
	t.Helper()
	res := do(t, api, http.MethodGet, "/api/v1/products/"+productID+"/stock", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("stock: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var payload struct {
		Stock domain.InventorySummary `json:"stock"`
	}
	decodeBody(t, res, &payload)
	return payload.Stock.StockQuantity
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	res := do(t, api, http.MethodGet, "/healthz", "", nil)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	decodeBody(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	res := do(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	res := do(t, api, http.MethodGet, "/api/v1/products", "", nil)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestHandleProducts_StaffCanListButNotCreate(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")

	res := do(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, res, &body)
	if len(body.Products) != 3 {
		t.Fatalf("expected 3 seeded products, got %d", len(body.Products))
	}

	res = do(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{"title": "Mouse"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff create, got %d", res.Code)
	}
}

func TestCreateProductDefaultsCategory(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	res := do(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{"title": "USB Hub"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var body struct {
		Product domain.Product `json:"product"`
	}
	decodeBody(t, res, &body)
	if body.Product.Category != domain.UncategorizedCategory {
		t.Fatalf("expected %q, got %q", domain.UncategorizedCategory, body.Product.Category)
	}
}

func TestPurchaseSaleAndDeleteRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	createPurchase(t, api, token, "prd-demo-cable", 10)
	if got := stockOf(t, api, token, "prd-demo-cable"); got != 10 {
		t.Fatalf("expected stock 10 after purchase, got %d", got)
	}

	res := do(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"customer": map[string]any{"phone": "+628123456789", "name": "Budi"},
		"items":    []map[string]any{{"product_id": "prd-demo-cable", "quantity": 3}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	decodeBody(t, res, &created)
	if !strings.HasPrefix(created.Sale.ID, "INV-") {
		t.Fatalf("expected invoice id, got %s", created.Sale.ID)
	}
	if !created.Sale.Total.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected total 300, got %s", created.Sale.Total)
	}
	if got := stockOf(t, api, token, "prd-demo-cable"); got != 7 {
		t.Fatalf("expected stock 7 after sale, got %d", got)
	}

	res = do(t, api, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", res.Code)
	}

	res = do(t, api, http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, token, map[string]any{"reason": "wrong item"})
	if res.Code != http.StatusNoContent {
		t.Fatalf("delete sale: expected 204, got %d: %s", res.Code, res.Body.String())
	}
	if got := stockOf(t, api, token, "prd-demo-cable"); got != 10 {
		t.Fatalf("expected stock 10 after delete, got %d", got)
	}

	res = do(t, api, http.MethodGet, "/api/v1/sales/undo-logs", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("sale undo logs: expected 200, got %d", res.Code)
	}
	var page domain.SaleUndoLogPage
	decodeBody(t, res, &page)
	if page.Total != 1 || page.Logs[0].InvoiceID != created.Sale.ID || page.Logs[0].Reason != "wrong item" {
		t.Fatalf("unexpected undo log page %+v", page)
	}
}

func TestSaleErrorsMapToStatusCodes(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")

	res := do(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"customer": map[string]any{"phone": "+628123456789"},
		"items":    []map[string]any{{"product_id": "prd-demo-cable", "quantity": 5}},
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for insufficient stock, got %d", res.Code)
	}
	var body map[string]string
	decodeBody(t, res, &body)
	if body["status"] != "error" || !strings.Contains(body["message"], "insufficient stock") {
		t.Fatalf("unexpected error body %v", body)
	}

	res = do(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"customer": map[string]any{"phone": "12"},
		"items":    []map[string]any{{"product_id": "prd-demo-cable", "quantity": 1}},
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad phone, got %d", res.Code)
	}

	res = do(t, api, http.MethodGet, "/api/v1/sales/INV-20260101-DEADBEEF", token, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", res.Code)
	}
}

func TestUndoPurchaseAndExport(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	purchase := createPurchase(t, api, token, "prd-demo-ram", 4)
	res := do(t, api, http.MethodPost, "/api/v1/purchases/"+purchase.ID+"/undo", token, map[string]any{"reason": "typo"})
	if res.Code != http.StatusOK {
		t.Fatalf("undo: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if got := stockOf(t, api, token, "prd-demo-ram"); got != 0 {
		t.Fatalf("expected stock 0 after undo, got %d", got)
	}

	res = do(t, api, http.MethodGet, "/api/v1/purchases/undo-logs/export-csv", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if ct := res.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected csv content type, got %s", ct)
	}
	lines := strings.Split(strings.TrimSpace(res.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "Purchase ID,Product,Supplier,Quantity,Buying Price") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], purchase.ID+",DDR4 16GB 3200,Nusantara Komputer,4,50.00") {
		t.Fatalf("unexpected row %q", lines[1])
	}

	res = do(t, api, http.MethodGet, "/api/v1/purchases/undo-logs/export-csv?format=xlsx", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("xlsx export: expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("expected xlsx content type, got %s", ct)
	}
}

func TestRepairStatusFlow(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")

	res := do(t, api, http.MethodPost, "/api/v1/repairs", token, map[string]any{
		"customer": map[string]any{"phone": "+628111111111", "name": "Sari", "email": "sari@example.com"},
		"device":   "Laptop",
		"issue":    "No display",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create repair: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var created struct {
		Repair domain.RepairTicket `json:"repair"`
	}
	decodeBody(t, res, &created)
	if created.Repair.Status != domain.RepairStatusPending {
		t.Fatalf("expected Pending, got %s", created.Repair.Status)
	}

	res = do(t, api, http.MethodPatch, "/api/v1/repairs/"+created.Repair.ID+"/status", token, map[string]any{"status": "in progress"})
	if res.Code != http.StatusOK {
		t.Fatalf("status update: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var updated domain.RepairStatusResponse
	decodeBody(t, res, &updated)
	if updated.Repair.Status != domain.RepairStatusInProgress || !updated.NotificationQueued || !updated.EmailQueued {
		t.Fatalf("unexpected status response %+v", updated)
	}

	res = do(t, api, http.MethodPatch, "/api/v1/repairs/"+created.Repair.ID+"/status", token, map[string]any{"status": "Picked Up"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for illegal transition, got %d", res.Code)
	}

	res = do(t, api, http.MethodGet, "/api/v1/repairs/warranty/NO-SUCH-SERIAL", token, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown serial, got %d", res.Code)
	}
}
