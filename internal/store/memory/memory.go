package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"repairpos/internal/domain"
	"repairpos/internal/store"
	"repairpos/internal/xid"
)

// Store keeps the whole ledger in maps guarded by one mutex. Every mutating
// method holds the write lock for its full duration, which gives it the same
// all-or-nothing behaviour as a database transaction.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	suppliers        map[string]domain.Supplier
	customers        map[string]domain.Customer
	customerByPhone  map[string]string
	batches          map[string]domain.PurchaseBatch
	inventory        map[string]domain.InventorySummary
	sales            map[string]domain.Sale
	purchaseUndoLogs []domain.PurchaseUndoLog
	saleUndoLogs     []domain.SaleUndoLog
	returns          map[string]domain.SupplierReturn
	repairs          map[string]domain.RepairTicket
	outbox           []domain.OutboxEvent
	usersByUsername  map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		suppliers:       make(map[string]domain.Supplier),
		customers:       make(map[string]domain.Customer),
		customerByPhone: make(map[string]string),
		batches:         make(map[string]domain.PurchaseBatch),
		inventory:       make(map[string]domain.InventorySummary),
		sales:           make(map[string]domain.Sale),
		returns:         make(map[string]domain.SupplierReturn),
		repairs:         make(map[string]domain.RepairTicket),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with dev users and a small demo catalog.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; the
// hardcoded defaults are for local development only.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	supplier := domain.Supplier{ID: "sup-demo-01", Name: "Nusantara Komputer", Phone: "+6281200000001", CreatedAt: now}
	s.suppliers[supplier.ID] = supplier
	for _, p := range []domain.Product{
		{ID: "prd-demo-ssd", Title: "SSD NVMe 1TB", Category: "Storage", SupplierID: supplier.ID, RequiresSerial: true},
		{ID: "prd-demo-ram", Title: "DDR4 16GB 3200", Category: "Memory", SupplierID: supplier.ID, RequiresSerial: true},
		{ID: "prd-demo-cable", Title: "HDMI Cable 2m", Category: "Accessories", SupplierID: supplier.ID},
	} {
		p.CreatedAt = now
		s.products[p.ID] = p
	}
	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.Conflict("product %s already exists", product.ID)
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.NotFound("product", id)
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category == products[j].Category {
			return products[i].Title < products[j].Title
		}
		return products[i].Category < products[j].Category
	})
	return products, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.NotFound("product", product.ID)
	}
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.NotFound("product", id)
	}
	if s.productReferencedLocked(id) {
		return store.Conflict("product is referenced by purchases or sales")
	}
	delete(s.inventory, id)
	delete(s.products, id)
	return nil
}

// productReferencedLocked ignores the inventory summary: it is derived data
// and goes with the product.
func (s *Store) productReferencedLocked(id string) bool {
	for _, b := range s.batches {
		if b.ProductID == id {
			return true
		}
	}
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			if line.ProductID == id {
				return true
			}
		}
	}
	return false
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	s.suppliers[supplier.ID] = supplier
	created := supplier
	return &created, nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	supplier, ok := s.suppliers[id]
	if !ok {
		return nil, store.NotFound("supplier", id)
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		suppliers = append(suppliers, sup)
	}
	sort.Slice(suppliers, func(i, j int) bool { return suppliers[i].Name < suppliers[j].Name })
	return suppliers, nil
}

func (s *Store) FindCustomerByPhone(_ context.Context, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customerByPhone[phone]
	if !ok {
		return nil, store.NotFound("customer", phone)
	}
	customer := s.customers[id]
	return &customer, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customerByPhone[customer.Phone]; exists {
		return nil, store.Conflict("customer with phone %s already exists", customer.Phone)
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers[customer.ID] = customer
	s.customerByPhone[customer.Phone] = customer.ID
	created := customer
	return &created, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].CreatedAt.After(customers[j].CreatedAt) })
	if limit > 0 && len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.PurchaseBatch) (*domain.PurchaseBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[batch.ProductID]; !ok {
		return nil, store.NotFound("product", batch.ProductID)
	}
	if batch.Quantity < 1 {
		return nil, store.Invalid("quantity must be positive")
	}
	if batch.ID == "" {
		batch.ID = xid.New("pur")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.RemainingQuantity = batch.Quantity
	s.batches[batch.ID] = batch
	return s.joinBatchLocked(batch), nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.PurchaseBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, store.NotFound("purchase", id)
	}
	return s.joinBatchLocked(batch), nil
}

func (s *Store) ListBatches(_ context.Context, productID string, limit int) ([]domain.PurchaseBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.PurchaseBatch, 0, len(s.batches))
	for _, b := range s.batches {
		if productID != "" && b.ProductID != productID {
			continue
		}
		batches = append(batches, *s.joinBatchLocked(b))
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.After(batches[j].CreatedAt) })
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func (s *Store) ListAvailableBatches(_ context.Context, productID string) ([]domain.PurchaseBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.availableBatchesLocked(productID), nil
}

func (s *Store) availableBatchesLocked(productID string) []domain.PurchaseBatch {
	batches := make([]domain.PurchaseBatch, 0, 8)
	for _, b := range s.batches {
		if b.ProductID == productID && b.RemainingQuantity > 0 {
			batches = append(batches, *s.joinBatchLocked(b))
		}
	}
	sort.Slice(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if !a.PurchaseDate.Equal(b.PurchaseDate) {
			return a.PurchaseDate.Before(b.PurchaseDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return batches
}

func (s *Store) UpdateBatch(_ context.Context, batch domain.PurchaseBatch) (*domain.PurchaseBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.batches[batch.ID]
	if !ok {
		return nil, store.NotFound("purchase", batch.ID)
	}
	if err := s.batchReferencedLocked(batch.ID); err != nil {
		return nil, err
	}
	if _, ok := s.products[batch.ProductID]; !ok {
		return nil, store.NotFound("product", batch.ProductID)
	}
	batch.CreatedBy = existing.CreatedBy
	batch.CreatedAt = existing.CreatedAt
	batch.RemainingQuantity = batch.Quantity
	s.batches[batch.ID] = batch
	return s.joinBatchLocked(batch), nil
}

func (s *Store) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[id]; !ok {
		return store.NotFound("purchase", id)
	}
	if err := s.batchReferencedLocked(id); err != nil {
		return err
	}
	delete(s.batches, id)
	return nil
}

func (s *Store) batchReferencedLocked(id string) error {
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			if line.PurchaseID == id {
				return store.Conflict("associated sales exist")
			}
		}
	}
	for _, ret := range s.returns {
		if ret.PurchaseID == id {
			return store.Conflict("associated supplier returns exist")
		}
	}
	return nil
}

func (s *Store) FindLatestBatchByCreator(_ context.Context, username string, since time.Time) (*domain.PurchaseBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.PurchaseBatch
	for _, b := range s.batches {
		if b.CreatedBy != username || b.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			candidate := b
			latest = &candidate
		}
	}
	if latest == nil {
		return nil, store.NotFound("recent purchase by", username)
	}
	return s.joinBatchLocked(*latest), nil
}

func (s *Store) joinBatchLocked(batch domain.PurchaseBatch) *domain.PurchaseBatch {
	if product, ok := s.products[batch.ProductID]; ok {
		batch.ProductTitle = product.Title
		if supplier, ok := s.suppliers[product.SupplierID]; ok {
			batch.SupplierName = supplier.Name
		}
	}
	return &batch
}

func (s *Store) RecomputeInventory(_ context.Context, productID string, at time.Time) (domain.InventorySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return domain.InventorySummary{}, store.NotFound("product", productID)
	}

	owned := make(map[string]struct{})
	purchased := 0
	for _, b := range s.batches {
		if b.ProductID == productID {
			owned[b.ID] = struct{}{}
			purchased += b.Quantity
		}
	}
	sold := 0
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			if _, ok := owned[line.PurchaseID]; ok {
				sold += line.Quantity
			}
		}
	}

	summary := domain.InventorySummary{
		ProductID:      productID,
		TotalPurchased: purchased,
		TotalSold:      sold,
		StockQuantity:  purchased - sold,
		UpdatedAt:      at,
	}
	s.inventory[productID] = summary
	return summary, nil
}

func (s *Store) GetInventorySummary(_ context.Context, productID string) (*domain.InventorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.inventory[productID]
	if !ok {
		return nil, store.NotFound("inventory summary", productID)
	}
	return &summary, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 {
		return nil, store.Invalid("sale has no items")
	}
	if _, ok := s.customers[sale.CustomerID]; !ok {
		return nil, store.NotFound("customer", sale.CustomerID)
	}
	if sale.ID == "" {
		sale.ID = xid.Invoice(sale.Date.Format("20060102"))
	}
	if _, exists := s.sales[sale.ID]; exists {
		return nil, store.Conflict("invoice %s already exists", sale.ID)
	}

	demand := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		batch, ok := s.batches[line.PurchaseID]
		if !ok {
			return nil, store.NotFound("purchase", line.PurchaseID)
		}
		if batch.ProductID != line.ProductID {
			return nil, store.Invalid("purchase %s does not belong to product %s", line.PurchaseID, line.ProductID)
		}
		if line.Quantity < 1 {
			return nil, store.Invalid("quantity must be positive")
		}
		demand[line.PurchaseID] += line.Quantity
	}

	batchIDs := make([]string, 0, len(demand))
	for id := range demand {
		batchIDs = append(batchIDs, id)
	}
	sort.Strings(batchIDs)
	for _, id := range batchIDs {
		batch := s.batches[id]
		if batch.RemainingQuantity < demand[id] {
			return nil, &store.InsufficientStockError{
				ProductID: batch.ProductID,
				Product:   s.products[batch.ProductID].Title,
				Requested: demand[id],
				Available: batch.RemainingQuantity,
			}
		}
	}

	lines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		batch := s.batches[line.PurchaseID]
		if line.ID == "" {
			line.ID = xid.New("sl")
		}
		line.InvoiceID = sale.ID
		line.UnitPrice = batch.SellingPrice
		line.LineTotal = domain.LineTotal(batch.SellingPrice, line.Quantity, line.Discount)
		line.SerialNumbers = append([]string(nil), line.SerialNumbers...)
		lines = append(lines, line)
	}
	for _, id := range batchIDs {
		batch := s.batches[id]
		batch.RemainingQuantity -= demand[id]
		s.batches[id] = batch
	}

	sale.Lines = lines
	sale.Total = domain.SaleTotal(lines)
	s.sales[sale.ID] = cloneSale(sale)
	return s.joinSaleLocked(sale), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.NotFound("sale", id)
	}
	return s.joinSaleLocked(sale), nil
}

func (s *Store) DeleteSale(_ context.Context, id string, undo domain.SaleUndoLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return store.NotFound("sale", id)
	}
	for _, ticket := range s.repairs {
		if ticket.WarrantyClaim && ticket.InvoiceID == id {
			return store.Conflict("warranty claims exist for sale %s", id)
		}
	}

	for _, line := range sale.Lines {
		batch, ok := s.batches[line.PurchaseID]
		if !ok {
			return store.NotFound("purchase", line.PurchaseID)
		}
		if batch.RemainingQuantity+line.Quantity > batch.Quantity {
			return store.Conflict("restoring sale %s would exceed purchase %s quantity", id, batch.ID)
		}
	}
	for _, line := range sale.Lines {
		batch := s.batches[line.PurchaseID]
		batch.RemainingQuantity += line.Quantity
		s.batches[line.PurchaseID] = batch
	}
	delete(s.sales, id)

	if undo.ID == "" {
		undo.ID = xid.New("sul")
	}
	undo.InvoiceID = sale.ID
	undo.CustomerID = sale.CustomerID
	undo.Total = sale.Total
	s.saleUndoLogs = append(s.saleUndoLogs, undo)
	return nil
}

func (s *Store) ListSaleUndoLogs(_ context.Context, filter domain.UndoLogFilter) ([]domain.SaleUndoLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]domain.SaleUndoLog, 0, len(s.saleUndoLogs))
	for _, entry := range s.saleUndoLogs {
		if !inRange(entry.UndoneAt, filter) {
			continue
		}
		if search != "" && !containsAny(search, entry.InvoiceID, entry.UndoneBy, entry.Reason, s.customers[entry.CustomerID].Name) {
			continue
		}
		matched = append(matched, entry)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].UndoneAt.After(matched[j].UndoneAt) })
	total := len(matched)
	return paginate(matched, filter), total, nil
}

func (s *Store) UndoPurchase(_ context.Context, purchaseID string, undo domain.PurchaseUndoLog) (*domain.PurchaseBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[purchaseID]
	if !ok {
		return nil, store.NotFound("purchase", purchaseID)
	}
	if err := s.batchReferencedLocked(purchaseID); err != nil {
		return nil, err
	}

	joined := s.joinBatchLocked(batch)
	if undo.ID == "" {
		undo.ID = xid.New("pul")
	}
	undo.PurchaseID = batch.ID
	undo.ProductID = batch.ProductID
	undo.ProductTitle = joined.ProductTitle
	undo.SupplierName = joined.SupplierName
	undo.Quantity = batch.Quantity
	undo.BuyingPrice = batch.BuyingPrice
	undo.SellingPrice = batch.SellingPrice
	undo.WarrantyMonths = batch.WarrantyMonths
	undo.PurchaseDate = batch.PurchaseDate

	s.purchaseUndoLogs = append(s.purchaseUndoLogs, undo)
	delete(s.batches, purchaseID)
	return joined, nil
}

func (s *Store) ListPurchaseUndoLogs(_ context.Context, filter domain.UndoLogFilter) ([]domain.PurchaseUndoLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]domain.PurchaseUndoLog, 0, len(s.purchaseUndoLogs))
	for _, entry := range s.purchaseUndoLogs {
		if !inRange(entry.UndoneAt, filter) {
			continue
		}
		if search != "" && !containsAny(search, entry.ProductTitle, entry.SupplierName, entry.UndoneBy) {
			continue
		}
		matched = append(matched, entry)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].UndoneAt.After(matched[j].UndoneAt) })
	total := len(matched)
	return paginate(matched, filter), total, nil
}

func (s *Store) CreateSupplierReturn(_ context.Context, ret domain.SupplierReturn) (*domain.SupplierReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[ret.PurchaseID]
	if !ok {
		return nil, store.NotFound("purchase", ret.PurchaseID)
	}
	if ret.Quantity < 1 {
		return nil, store.Invalid("quantity must be positive")
	}
	if batch.RemainingQuantity < ret.Quantity {
		return nil, &store.InsufficientStockError{
			ProductID: batch.ProductID,
			Product:   s.products[batch.ProductID].Title,
			Requested: ret.Quantity,
			Available: batch.RemainingQuantity,
		}
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	ret.Refund = batch.BuyingPrice.Mul(decimal.NewFromInt(int64(ret.Quantity))).Round(2)

	batch.Quantity -= ret.Quantity
	batch.RemainingQuantity -= ret.Quantity
	s.batches[batch.ID] = batch
	s.returns[ret.ID] = ret
	created := ret
	return &created, nil
}

func (s *Store) ListSupplierReturns(_ context.Context, purchaseID string) ([]domain.SupplierReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	returns := make([]domain.SupplierReturn, 0, 4)
	for _, ret := range s.returns {
		if purchaseID == "" || ret.PurchaseID == purchaseID {
			returns = append(returns, ret)
		}
	}
	sort.Slice(returns, func(i, j int) bool { return returns[i].Date.After(returns[j].Date) })
	return returns, nil
}

func (s *Store) FindSerial(_ context.Context, serial string) (*domain.SerialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.TrimSpace(serial)
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			for _, sn := range line.SerialNumbers {
				if strings.EqualFold(sn, needle) {
					record := s.serialRecordLocked(sale, line, sn)
					return &record, nil
				}
			}
		}
	}
	return nil, store.NotFound("serial number", serial)
}

func (s *Store) SearchSerials(_ context.Context, query string, limit int) ([]domain.SerialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	records := make([]domain.SerialRecord, 0, limit)
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			for _, sn := range line.SerialNumbers {
				if strings.Contains(strings.ToLower(sn), needle) {
					records = append(records, s.serialRecordLocked(sale, line, sn))
				}
			}
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].SaleDate.Equal(records[j].SaleDate) {
			return records[i].SaleDate.After(records[j].SaleDate)
		}
		return records[i].SerialNumber < records[j].SerialNumber
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) serialRecordLocked(sale domain.Sale, line domain.SaleLine, serial string) domain.SerialRecord {
	customer := s.customers[sale.CustomerID]
	return domain.SerialRecord{
		SerialNumber:   serial,
		InvoiceID:      sale.ID,
		PurchaseID:     line.PurchaseID,
		ProductID:      line.ProductID,
		ProductTitle:   s.products[line.ProductID].Title,
		CustomerName:   customer.Name,
		CustomerPhone:  customer.Phone,
		CustomerEmail:  customer.Email,
		SaleDate:       sale.Date,
		WarrantyMonths: s.batches[line.PurchaseID].WarrantyMonths,
	}
}

func (s *Store) CreateRepair(_ context.Context, ticket domain.RepairTicket) (*domain.RepairTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[ticket.CustomerID]; !ok {
		return nil, store.NotFound("customer", ticket.CustomerID)
	}
	if ticket.InvoiceID != "" {
		if _, ok := s.sales[ticket.InvoiceID]; !ok {
			return nil, store.NotFound("sale", ticket.InvoiceID)
		}
	}
	if ticket.ID == "" {
		ticket.ID = xid.New("rep")
	}
	s.repairs[ticket.ID] = ticket
	return s.joinRepairLocked(ticket), nil
}

func (s *Store) GetRepair(_ context.Context, id string) (*domain.RepairTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.repairs[id]
	if !ok {
		return nil, store.NotFound("repair", id)
	}
	return s.joinRepairLocked(ticket), nil
}

func (s *Store) UpdateRepairStatus(_ context.Context, id string, fromStatus string, toStatus string, at time.Time, events []domain.OutboxEvent) (*domain.RepairTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.repairs[id]
	if !ok {
		return nil, store.NotFound("repair", id)
	}
	if ticket.Status != fromStatus {
		return nil, store.Conflict("repair %s is %s, not %s", id, ticket.Status, fromStatus)
	}
	ticket.Status = toStatus
	ticket.UpdatedAt = at
	if toStatus == domain.RepairStatusPickedUp {
		completed := at
		ticket.CompletedAt = &completed
	}
	s.repairs[id] = ticket

	for _, event := range events {
		if event.ID == "" {
			event.ID = xid.New("evt")
		}
		event.Status = domain.OutboxStatusPending
		if event.CreatedAt.IsZero() {
			event.CreatedAt = at
		}
		s.outbox = append(s.outbox, event)
	}
	return s.joinRepairLocked(ticket), nil
}

func (s *Store) joinRepairLocked(ticket domain.RepairTicket) *domain.RepairTicket {
	if customer, ok := s.customers[ticket.CustomerID]; ok {
		ticket.CustomerName = customer.Name
		ticket.CustomerEmail = customer.Email
	}
	return &ticket
}

func (s *Store) ListDispatchableEvents(_ context.Context, limit int, maxAttempts int) ([]domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]domain.OutboxEvent, 0, limit)
	for _, event := range s.outbox {
		if event.Status != domain.OutboxStatusPending && event.Status != domain.OutboxStatusFailed {
			continue
		}
		if event.Attempts >= maxAttempts {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) MarkEventSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			dispatched := at
			s.outbox[i].Status = domain.OutboxStatusSent
			s.outbox[i].Attempts++
			s.outbox[i].DispatchedAt = &dispatched
			s.outbox[i].LastError = ""
			return nil
		}
	}
	return store.NotFound("outbox event", id)
}

func (s *Store) MarkEventFailed(_ context.Context, id string, reason string, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts++
			s.outbox[i].LastError = reason
			s.outbox[i].Status = domain.OutboxStatusFailed
			if dead {
				s.outbox[i].Status = domain.OutboxStatusDead
			}
			return nil
		}
	}
	return store.NotFound("outbox event", id)
}

// OutboxEvents returns a copy of every recorded event, oldest first.
func (s *Store) OutboxEvents() []domain.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.OutboxEvent(nil), s.outbox...)
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.Conflict("username already exists")
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.NotFound("user", username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) joinSaleLocked(sale domain.Sale) *domain.Sale {
	joined := cloneSale(sale)
	if customer, ok := s.customers[sale.CustomerID]; ok {
		joined.CustomerName = customer.Name
		joined.CustomerPhone = customer.Phone
	}
	for i := range joined.Lines {
		joined.Lines[i].ProductTitle = s.products[joined.Lines[i].ProductID].Title
	}
	return &joined
}

func cloneSale(sale domain.Sale) domain.Sale {
	clone := sale
	clone.Lines = make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		line.SerialNumbers = append([]string(nil), line.SerialNumbers...)
		clone.Lines[i] = line
	}
	return clone
}

func inRange(at time.Time, filter domain.UndoLogFilter) bool {
	if filter.StartDate != nil && at.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && !at.Before(*filter.EndDate) {
		return false
	}
	return true
}

func containsAny(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, filter domain.UndoLogFilter) []T {
	if filter.Limit <= 0 {
		return items
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * filter.Limit
	if offset >= len(items) {
		return []T{}
	}
	end := offset + filter.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
