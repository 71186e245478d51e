package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"repairpos/internal/domain"
	"repairpos/internal/store"
	"repairpos/internal/xid"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string, maxConns int) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if maxConns < 1 {
		maxConns = 10
	}
	db.SetMaxIdleConns(maxConns / 2)
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, title, category, supplier_id, details, requires_serial, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, product.ID, product.Title, product.Category, nullIfEmpty(product.SupplierID), product.Details, product.RequiresSerial, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Conflict("product %s already exists", product.ID)
		}
		if isForeignKeyViolation(err) {
			return nil, store.NotFound("supplier", product.SupplierID)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

const productColumns = `id, title, category, COALESCE(supplier_id, ''), details, requires_serial, created_at`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Title, &p.Category, &p.SupplierID, &p.Details, &p.RequiresSerial, &p.CreatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("product", id)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY category, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET title = $2, category = $3, supplier_id = $4, details = $5, requires_serial = $6
		WHERE id = $1
	`, product.ID, product.Title, product.Category, nullIfEmpty(product.SupplierID), product.Details, product.RequiresSerial)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.NotFound("supplier", product.SupplierID)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.NotFound("product", product.ID)
	}
	return s.GetProduct(ctx, product.ID)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT true FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("product", id)
		}
		return err
	}

	var referenced bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM purchase_batches WHERE product_id = $1)
			OR EXISTS (SELECT 1 FROM sale_lines WHERE product_id = $1)
	`, id).Scan(&referenced)
	if err != nil {
		return err
	}
	if referenced {
		return store.Conflict("product is referenced by purchases or sales")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_summaries WHERE product_id = $1`, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, email, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, supplier.ID, supplier.Name, supplier.Phone, supplier.Email, supplier.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Conflict("supplier %s already exists", supplier.ID)
		}
		return nil, err
	}

	created := supplier
	return &created, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	var supplier domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, created_at
		FROM suppliers
		WHERE id = $1
	`, id).Scan(&supplier.ID, &supplier.Name, &supplier.Phone, &supplier.Email, &supplier.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("supplier", id)
		}
		return nil, err
	}
	supplier.CreatedAt = supplier.CreatedAt.UTC()
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, email, created_at
		FROM suppliers
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var supplier domain.Supplier
		if err := rows.Scan(&supplier.ID, &supplier.Name, &supplier.Phone, &supplier.Email, &supplier.CreatedAt); err != nil {
			return nil, err
		}
		supplier.CreatedAt = supplier.CreatedAt.UTC()
		suppliers = append(suppliers, supplier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, created_at
		FROM customers
		WHERE phone = $1
	`, phone).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.Email, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("customer", phone)
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, email, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.Name, customer.Phone, customer.Email, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Conflict("customer with phone %s already exists", customer.Phone)
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, email, created_at
		FROM customers
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		var customer domain.Customer
		if err := rows.Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.Email, &customer.CreatedAt); err != nil {
			return nil, err
		}
		customer.CreatedAt = customer.CreatedAt.UTC()
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

const batchSelect = `
	SELECT b.id, b.product_id, p.title, COALESCE(sup.name, ''), b.quantity, b.remaining_quantity,
		b.buying_price, b.selling_price, b.warranty_months, b.purchase_date, b.created_by, b.created_at
	FROM purchase_batches b
	JOIN products p ON p.id = b.product_id
	LEFT JOIN suppliers sup ON sup.id = p.supplier_id
`

func scanBatch(row rowScanner) (domain.PurchaseBatch, error) {
	var b domain.PurchaseBatch
	err := row.Scan(
		&b.ID,
		&b.ProductID,
		&b.ProductTitle,
		&b.SupplierName,
		&b.Quantity,
		&b.RemainingQuantity,
		&b.BuyingPrice,
		&b.SellingPrice,
		&b.WarrantyMonths,
		&b.PurchaseDate,
		&b.CreatedBy,
		&b.CreatedAt,
	)
	b.PurchaseDate = nowDateUTC(b.PurchaseDate)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, err
}

func collectBatches(rows *sql.Rows) ([]domain.PurchaseBatch, error) {
	defer rows.Close()

	batches := make([]domain.PurchaseBatch, 0, 16)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.PurchaseBatch) (*domain.PurchaseBatch, error) {
	if batch.Quantity < 1 {
		return nil, store.Invalid("quantity must be positive")
	}
	if batch.ID == "" {
		batch.ID = xid.New("pur")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_batches (
			id, product_id, quantity, remaining_quantity, buying_price, selling_price,
			warranty_months, purchase_date, created_by, created_at
		)
		VALUES ($1,$2,$3,$3,$4,$5,$6,$7,$8,$9)
	`, batch.ID, batch.ProductID, batch.Quantity, batch.BuyingPrice, batch.SellingPrice,
		batch.WarrantyMonths, nowDateUTC(batch.PurchaseDate), batch.CreatedBy, batch.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.NotFound("product", batch.ProductID)
		}
		if isUniqueViolation(err) {
			return nil, store.Conflict("purchase %s already exists", batch.ID)
		}
		return nil, err
	}
	return s.GetBatch(ctx, batch.ID)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.PurchaseBatch, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, batchSelect+` WHERE b.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("purchase", id)
		}
		return nil, err
	}
	return &batch, nil
}

func (s *Store) ListBatches(ctx context.Context, productID string, limit int) ([]domain.PurchaseBatch, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, batchSelect+`
		WHERE ($1::text = '' OR b.product_id = $1)
		ORDER BY b.created_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (s *Store) ListAvailableBatches(ctx context.Context, productID string) ([]domain.PurchaseBatch, error) {
	rows, err := s.db.QueryContext(ctx, batchSelect+`
		WHERE b.product_id = $1 AND b.remaining_quantity > 0
		ORDER BY b.purchase_date ASC, b.created_at ASC, b.id ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (s *Store) UpdateBatch(ctx context.Context, batch domain.PurchaseBatch) (*domain.PurchaseBatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockUnreferencedBatch(ctx, tx, batch.ID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_batches
		SET product_id = $2, quantity = $3, remaining_quantity = $3, buying_price = $4,
			selling_price = $5, warranty_months = $6, purchase_date = $7
		WHERE id = $1
	`, batch.ID, batch.ProductID, batch.Quantity, batch.BuyingPrice, batch.SellingPrice,
		batch.WarrantyMonths, nowDateUTC(batch.PurchaseDate))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.NotFound("product", batch.ProductID)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, batch.ID)
}

func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockUnreferencedBatch(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_batches WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// lockUnreferencedBatch row-locks the batch and fails when any sale line or
// supplier return points at it. Sales decrement the same row, so holding the
// lock keeps new references out until commit.
func lockUnreferencedBatch(ctx context.Context, tx *sql.Tx, id string) error {
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM purchase_batches WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("purchase", id)
		}
		return err
	}

	var hasSales, hasReturns bool
	err := tx.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM sale_lines WHERE purchase_id = $1),
			EXISTS (SELECT 1 FROM supplier_returns WHERE purchase_id = $1)
	`, id).Scan(&hasSales, &hasReturns)
	if err != nil {
		return err
	}
	if hasSales {
		return store.Conflict("associated sales exist")
	}
	if hasReturns {
		return store.Conflict("associated supplier returns exist")
	}
	return nil
}

func (s *Store) FindLatestBatchByCreator(ctx context.Context, username string, since time.Time) (*domain.PurchaseBatch, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, batchSelect+`
		WHERE b.created_by = $1 AND b.created_at >= $2
		ORDER BY b.created_at DESC
		LIMIT 1
	`, username, since))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("recent purchase by", username)
		}
		return nil, err
	}
	return &batch, nil
}

func (s *Store) RecomputeInventory(ctx context.Context, productID string, at time.Time) (domain.InventorySummary, error) {
	summary := domain.InventorySummary{ProductID: productID, UpdatedAt: at}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return summary, err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialise recomputes per product so a slower, older snapshot never
	// overwrites a newer one.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, productID); err != nil {
		return summary, err
	}

	err = tx.QueryRowContext(ctx, `
		WITH purchased AS (
			SELECT COALESCE(SUM(quantity), 0)::int AS qty
			FROM purchase_batches
			WHERE product_id = $1
		), sold AS (
			SELECT COALESCE(SUM(sl.quantity), 0)::int AS qty
			FROM sale_lines sl
			JOIN purchase_batches b ON b.id = sl.purchase_id
			WHERE b.product_id = $1
		)
		INSERT INTO inventory_summaries (product_id, total_purchased, total_sold, stock_quantity, updated_at)
		SELECT p.id, purchased.qty, sold.qty, purchased.qty - sold.qty, $2
		FROM products p, purchased, sold
		WHERE p.id = $1
		ON CONFLICT (product_id)
		DO UPDATE SET
			total_purchased = EXCLUDED.total_purchased,
			total_sold = EXCLUDED.total_sold,
			stock_quantity = EXCLUDED.stock_quantity,
			updated_at = EXCLUDED.updated_at
		RETURNING total_purchased, total_sold, stock_quantity
	`, productID, at).Scan(&summary.TotalPurchased, &summary.TotalSold, &summary.StockQuantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return summary, store.NotFound("product", productID)
		}
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Store) GetInventorySummary(ctx context.Context, productID string) (*domain.InventorySummary, error) {
	var summary domain.InventorySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, total_purchased, total_sold, stock_quantity, updated_at
		FROM inventory_summaries
		WHERE product_id = $1
	`, productID).Scan(&summary.ProductID, &summary.TotalPurchased, &summary.TotalSold, &summary.StockQuantity, &summary.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("inventory summary", productID)
		}
		return nil, err
	}
	summary.UpdatedAt = summary.UpdatedAt.UTC()
	return &summary, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.Invalid("sale has no items")
	}
	if sale.ID == "" {
		sale.ID = xid.Invoice(sale.Date.Format("20060102"))
	}

	demand := make(map[string]int, len(sale.Lines))
	productOf := make(map[string]string, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, store.Invalid("quantity must be positive")
		}
		if owner, seen := productOf[line.PurchaseID]; seen && owner != line.ProductID {
			return nil, store.Invalid("purchase %s does not belong to product %s", line.PurchaseID, line.ProductID)
		}
		productOf[line.PurchaseID] = line.ProductID
		demand[line.PurchaseID] += line.Quantity
	}
	batchIDs := make([]string, 0, len(demand))
	for id := range demand {
		batchIDs = append(batchIDs, id)
	}
	sort.Strings(batchIDs)

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var customerExists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, sale.CustomerID).Scan(&customerExists); err != nil {
		return nil, err
	}
	if !customerExists {
		return nil, store.NotFound("customer", sale.CustomerID)
	}

	// Batches are decremented in id order so concurrent sales always lock
	// rows in the same sequence.
	prices := make(map[string]decimal.Decimal, len(batchIDs))
	for _, id := range batchIDs {
		var price decimal.Decimal
		err := pgTx.QueryRowContext(ctx, `
			UPDATE purchase_batches
			SET remaining_quantity = remaining_quantity - $1
			WHERE id = $2 AND product_id = $3 AND remaining_quantity >= $1
			RETURNING selling_price
		`, demand[id], id, productOf[id]).Scan(&price)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shortfall(ctx, pgTx, id, productOf[id], demand[id])
		}
		if err != nil {
			return nil, err
		}
		prices[id] = price
	}

	lines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.ID == "" {
			line.ID = xid.New("sl")
		}
		line.InvoiceID = sale.ID
		line.UnitPrice = prices[line.PurchaseID]
		line.LineTotal = domain.LineTotal(line.UnitPrice, line.Quantity, line.Discount)
		if line.SerialNumbers == nil {
			line.SerialNumbers = []string{}
		}
		lines = append(lines, line)
	}
	sale.Lines = lines
	sale.Total = domain.SaleTotal(lines)

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, sale_date, total, payment_method, amount_paid, change_amount, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, sale.CustomerID, sale.Date, sale.Total, sale.PaymentMethod, sale.AmountPaid, sale.ChangeAmount, sale.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Conflict("invoice %s already exists", sale.ID)
		}
		return nil, err
	}

	for _, line := range sale.Lines {
		serialsJSON, err := json.Marshal(line.SerialNumbers)
		if err != nil {
			return nil, err
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, invoice_id, product_id, purchase_id, quantity, serial_numbers, discount, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, line.ID, sale.ID, line.ProductID, line.PurchaseID, line.Quantity, serialsJSON, line.Discount, line.UnitPrice, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, sale.ID)
}

// shortfall explains why a conditional decrement touched no row.
func shortfall(ctx context.Context, tx *sql.Tx, batchID string, productID string, requested int) error {
	var owner, title string
	var available int
	err := tx.QueryRowContext(ctx, `
		SELECT b.product_id, p.title, b.remaining_quantity
		FROM purchase_batches b
		JOIN products p ON p.id = b.product_id
		WHERE b.id = $1
	`, batchID).Scan(&owner, &title, &available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("purchase", batchID)
		}
		return err
	}
	if owner != productID {
		return store.Invalid("purchase %s does not belong to product %s", batchID, productID)
	}
	return &store.InsufficientStockError{
		ProductID: productID,
		Product:   title,
		Requested: requested,
		Available: available,
	}
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.customer_id, c.name, c.phone, s.sale_date, s.total, s.payment_method,
			s.amount_paid, s.change_amount, s.created_by
		FROM sales s
		JOIN customers c ON c.id = s.customer_id
		WHERE s.id = $1
	`, id).Scan(
		&sale.ID,
		&sale.CustomerID,
		&sale.CustomerName,
		&sale.CustomerPhone,
		&sale.Date,
		&sale.Total,
		&sale.PaymentMethod,
		&sale.AmountPaid,
		&sale.ChangeAmount,
		&sale.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("sale", id)
		}
		return nil, err
	}
	sale.Date = sale.Date.UTC()

	lines, err := querySaleLines(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySaleLines(ctx context.Context, q queryer, invoiceID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sl.id, sl.invoice_id, sl.product_id, p.title, sl.purchase_id, sl.quantity,
			sl.serial_numbers, sl.discount, sl.unit_price, sl.line_total
		FROM sale_lines sl
		JOIN products p ON p.id = sl.product_id
		WHERE sl.invoice_id = $1
		ORDER BY sl.id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		var serialsRaw []byte
		if err := rows.Scan(
			&line.ID,
			&line.InvoiceID,
			&line.ProductID,
			&line.ProductTitle,
			&line.PurchaseID,
			&line.Quantity,
			&serialsRaw,
			&line.Discount,
			&line.UnitPrice,
			&line.LineTotal,
		); err != nil {
			return nil, err
		}
		if len(serialsRaw) > 0 {
			if err := json.Unmarshal(serialsRaw, &line.SerialNumbers); err != nil {
				return nil, err
			}
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string, undo domain.SaleUndoLog) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var customerID string
	var total decimal.Decimal
	err = pgTx.QueryRowContext(ctx, `
		SELECT customer_id, total
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&customerID, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("sale", id)
		}
		return err
	}

	var claimed bool
	if err := pgTx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM repairs WHERE warranty_claim AND invoice_id = $1)
	`, id).Scan(&claimed); err != nil {
		return err
	}
	if claimed {
		return store.Conflict("warranty claims exist for sale %s", id)
	}

	lines, err := querySaleLines(ctx, pgTx, id)
	if err != nil {
		return err
	}
	restore := make(map[string]int, len(lines))
	for _, line := range lines {
		restore[line.PurchaseID] += line.Quantity
	}
	batchIDs := make([]string, 0, len(restore))
	for batchID := range restore {
		batchIDs = append(batchIDs, batchID)
	}
	sort.Strings(batchIDs)

	for _, batchID := range batchIDs {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE purchase_batches
			SET remaining_quantity = remaining_quantity + $1
			WHERE id = $2 AND remaining_quantity + $1 <= quantity
		`, restore[batchID], batchID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.Conflict("restoring sale %s would exceed purchase %s quantity", id, batchID)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id); err != nil {
		return err
	}

	if undo.ID == "" {
		undo.ID = xid.New("sul")
	}
	if len(undo.Snapshot) == 0 {
		undo.Snapshot = json.RawMessage(`{}`)
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sale_undo_logs (id, invoice_id, customer_id, total, snapshot, undone_by, undone_at, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, undo.ID, id, customerID, total, []byte(undo.Snapshot), undo.UndoneBy, undo.UndoneAt, undo.Reason)
	if err != nil {
		return err
	}

	return pgTx.Commit()
}

// undoLogWhere renders the shared filter of both undo-log listings.
func undoLogWhere(filter domain.UndoLogFilter, searchColumns ...string) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, containsPattern(search))
		ors := make([]string, 0, len(searchColumns))
		for _, column := range searchColumns {
			ors = append(ors, fmt.Sprintf(`%s ILIKE $%d ESCAPE '\'`, column, len(args)))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if filter.StartDate != nil {
		args = append(args, *filter.StartDate)
		clauses = append(clauses, fmt.Sprintf("l.undone_at >= $%d", len(args)))
	}
	if filter.EndDate != nil {
		args = append(args, *filter.EndDate)
		clauses = append(clauses, fmt.Sprintf("l.undone_at < $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a substring ILIKE pattern in which the user's own
// wildcard characters match literally.
func containsPattern(raw string) string {
	return "%" + likeEscaper.Replace(raw) + "%"
}

func pageClause(filter domain.UndoLogFilter, args []any) (string, []any) {
	if filter.Limit <= 0 {
		return "", args
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	args = append(args, filter.Limit, (page-1)*filter.Limit)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args
}

func (s *Store) ListSaleUndoLogs(ctx context.Context, filter domain.UndoLogFilter) ([]domain.SaleUndoLog, int, error) {
	from := ` FROM sale_undo_logs l LEFT JOIN customers c ON c.id = l.customer_id`
	where, args := undoLogWhere(filter, "l.invoice_id", "l.undone_by", "l.reason", "c.name")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, pageArgs := pageClause(filter, args)
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.invoice_id, l.customer_id, l.total, l.snapshot, l.undone_by, l.undone_at, l.reason
	`+from+where+` ORDER BY l.undone_at DESC`+page, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := make([]domain.SaleUndoLog, 0, 32)
	for rows.Next() {
		var entry domain.SaleUndoLog
		var snapshot []byte
		if err := rows.Scan(&entry.ID, &entry.InvoiceID, &entry.CustomerID, &entry.Total, &snapshot, &entry.UndoneBy, &entry.UndoneAt, &entry.Reason); err != nil {
			return nil, 0, err
		}
		entry.Snapshot = json.RawMessage(snapshot)
		entry.UndoneAt = entry.UndoneAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (s *Store) UndoPurchase(ctx context.Context, purchaseID string, undo domain.PurchaseUndoLog) (*domain.PurchaseBatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockUnreferencedBatch(ctx, tx, purchaseID); err != nil {
		return nil, err
	}
	batch, err := scanBatch(tx.QueryRowContext(ctx, batchSelect+` WHERE b.id = $1`, purchaseID))
	if err != nil {
		return nil, err
	}

	if undo.ID == "" {
		undo.ID = xid.New("pul")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_undo_logs (
			id, purchase_id, product_id, product_title, supplier_name, quantity, buying_price,
			selling_price, warranty_months, purchase_date, undone_by, undone_at, reason
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, undo.ID, batch.ID, batch.ProductID, batch.ProductTitle, batch.SupplierName, batch.Quantity,
		batch.BuyingPrice, batch.SellingPrice, batch.WarrantyMonths, batch.PurchaseDate,
		undo.UndoneBy, undo.UndoneAt, undo.Reason)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_batches WHERE id = $1`, purchaseID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *Store) ListPurchaseUndoLogs(ctx context.Context, filter domain.UndoLogFilter) ([]domain.PurchaseUndoLog, int, error) {
	from := ` FROM purchase_undo_logs l`
	where, args := undoLogWhere(filter, "l.product_title", "l.supplier_name", "l.undone_by")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, pageArgs := pageClause(filter, args)
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.purchase_id, l.product_id, l.product_title, l.supplier_name, l.quantity,
			l.buying_price, l.selling_price, l.warranty_months, l.purchase_date, l.undone_by,
			l.undone_at, l.reason
	`+from+where+` ORDER BY l.undone_at DESC`+page, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := make([]domain.PurchaseUndoLog, 0, 32)
	for rows.Next() {
		var entry domain.PurchaseUndoLog
		if err := rows.Scan(
			&entry.ID,
			&entry.PurchaseID,
			&entry.ProductID,
			&entry.ProductTitle,
			&entry.SupplierName,
			&entry.Quantity,
			&entry.BuyingPrice,
			&entry.SellingPrice,
			&entry.WarrantyMonths,
			&entry.PurchaseDate,
			&entry.UndoneBy,
			&entry.UndoneAt,
			&entry.Reason,
		); err != nil {
			return nil, 0, err
		}
		entry.PurchaseDate = nowDateUTC(entry.PurchaseDate)
		entry.UndoneAt = entry.UndoneAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (s *Store) CreateSupplierReturn(ctx context.Context, ret domain.SupplierReturn) (*domain.SupplierReturn, error) {
	if ret.Quantity < 1 {
		return nil, store.Invalid("quantity must be positive")
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var buyingPrice decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE purchase_batches
		SET quantity = quantity - $1, remaining_quantity = remaining_quantity - $1
		WHERE id = $2 AND remaining_quantity >= $1
		RETURNING buying_price
	`, ret.Quantity, ret.PurchaseID).Scan(&buyingPrice)
	if errors.Is(err, sql.ErrNoRows) {
		var productID string
		if lookupErr := tx.QueryRowContext(ctx, `SELECT product_id FROM purchase_batches WHERE id = $1`, ret.PurchaseID).Scan(&productID); lookupErr != nil {
			if errors.Is(lookupErr, sql.ErrNoRows) {
				return nil, store.NotFound("purchase", ret.PurchaseID)
			}
			return nil, lookupErr
		}
		return nil, shortfall(ctx, tx, ret.PurchaseID, productID, ret.Quantity)
	}
	if err != nil {
		return nil, err
	}

	ret.Refund = buyingPrice.Mul(decimal.NewFromInt(int64(ret.Quantity))).Round(2)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO supplier_returns (id, purchase_id, quantity, refund, reason, return_date, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ret.ID, ret.PurchaseID, ret.Quantity, ret.Refund, ret.Reason, ret.Date, ret.CreatedBy)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := ret
	return &created, nil
}

func (s *Store) ListSupplierReturns(ctx context.Context, purchaseID string) ([]domain.SupplierReturn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, purchase_id, quantity, refund, reason, return_date, created_by
		FROM supplier_returns
		WHERE ($1::text = '' OR purchase_id = $1)
		ORDER BY return_date DESC
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.SupplierReturn, 0, 8)
	for rows.Next() {
		var ret domain.SupplierReturn
		if err := rows.Scan(&ret.ID, &ret.PurchaseID, &ret.Quantity, &ret.Refund, &ret.Reason, &ret.Date, &ret.CreatedBy); err != nil {
			return nil, err
		}
		ret.Date = ret.Date.UTC()
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

const serialSelect = `
	SELECT sn.value, s.id, sl.purchase_id, sl.product_id, p.title, c.name, c.phone, c.email,
		s.sale_date, b.warranty_months
	FROM sale_lines sl
	JOIN sales s ON s.id = sl.invoice_id
	JOIN customers c ON c.id = s.customer_id
	JOIN products p ON p.id = sl.product_id
	JOIN purchase_batches b ON b.id = sl.purchase_id
	CROSS JOIN LATERAL jsonb_array_elements_text(sl.serial_numbers) AS sn(value)
`

func scanSerial(row rowScanner) (domain.SerialRecord, error) {
	var r domain.SerialRecord
	err := row.Scan(
		&r.SerialNumber,
		&r.InvoiceID,
		&r.PurchaseID,
		&r.ProductID,
		&r.ProductTitle,
		&r.CustomerName,
		&r.CustomerPhone,
		&r.CustomerEmail,
		&r.SaleDate,
		&r.WarrantyMonths,
	)
	r.SaleDate = r.SaleDate.UTC()
	return r, err
}

func (s *Store) FindSerial(ctx context.Context, serial string) (*domain.SerialRecord, error) {
	record, err := scanSerial(s.db.QueryRowContext(ctx, serialSelect+`
		WHERE lower(sn.value) = lower($1)
		ORDER BY s.sale_date DESC
		LIMIT 1
	`, strings.TrimSpace(serial)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("serial number", serial)
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) SearchSerials(ctx context.Context, query string, limit int) ([]domain.SerialRecord, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, serialSelect+`
		WHERE sn.value ILIKE $1 ESCAPE '\'
		ORDER BY s.sale_date DESC, sn.value ASC
		LIMIT $2
	`, containsPattern(strings.TrimSpace(query)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.SerialRecord, 0, limit)
	for rows.Next() {
		record, err := scanSerial(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) CreateRepair(ctx context.Context, ticket domain.RepairTicket) (*domain.RepairTicket, error) {
	if ticket.ID == "" {
		ticket.ID = xid.New("rep")
	}
	if ticket.InvoiceID != "" {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, ticket.InvoiceID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.NotFound("sale", ticket.InvoiceID)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repairs (
			id, customer_id, device, issue, serial_number, invoice_id, warranty_claim,
			status, cost, created_at, updated_at, completed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, ticket.ID, ticket.CustomerID, ticket.Device, ticket.Issue, ticket.SerialNumber, ticket.InvoiceID,
		ticket.WarrantyClaim, ticket.Status, ticket.Cost, ticket.CreatedAt, ticket.UpdatedAt, nullTime(ticket.CompletedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.NotFound("customer", ticket.CustomerID)
		}
		return nil, err
	}
	return s.GetRepair(ctx, ticket.ID)
}

func (s *Store) GetRepair(ctx context.Context, id string) (*domain.RepairTicket, error) {
	var ticket domain.RepairTicket
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.customer_id, c.name, c.email, r.device, r.issue, r.serial_number, r.invoice_id,
			r.warranty_claim, r.status, r.cost, r.created_at, r.updated_at, r.completed_at
		FROM repairs r
		JOIN customers c ON c.id = r.customer_id
		WHERE r.id = $1
	`, id).Scan(
		&ticket.ID,
		&ticket.CustomerID,
		&ticket.CustomerName,
		&ticket.CustomerEmail,
		&ticket.Device,
		&ticket.Issue,
		&ticket.SerialNumber,
		&ticket.InvoiceID,
		&ticket.WarrantyClaim,
		&ticket.Status,
		&ticket.Cost,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("repair", id)
		}
		return nil, err
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.UpdatedAt = ticket.UpdatedAt.UTC()
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		ticket.CompletedAt = &completed
	}
	return &ticket, nil
}

func (s *Store) UpdateRepairStatus(ctx context.Context, id string, fromStatus string, toStatus string, at time.Time, events []domain.OutboxEvent) (*domain.RepairTicket, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var completedAt *time.Time
	if toStatus == domain.RepairStatusPickedUp {
		completedAt = &at
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE repairs
		SET status = $3, updated_at = $4, completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND status = $2
	`, id, fromStatus, toStatus, at, nullTime(completedAt))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM repairs WHERE id = $1`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.NotFound("repair", id)
			}
			return nil, err
		}
		return nil, store.Conflict("repair %s is %s, not %s", id, current, fromStatus)
	}

	for _, event := range events {
		if event.ID == "" {
			event.ID = xid.New("evt")
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = at
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_events (id, kind, payload, status, attempts, last_error, created_at)
			VALUES ($1,$2,$3,$4,0,'',$5)
		`, event.ID, event.Kind, []byte(event.Payload), domain.OutboxStatusPending, event.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRepair(ctx, id)
}

func (s *Store) ListDispatchableEvents(ctx context.Context, limit int, maxAttempts int) ([]domain.OutboxEvent, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, status, attempts, last_error, created_at
		FROM outbox_events
		WHERE status IN ($1, $2) AND attempts < $3
		ORDER BY created_at ASC
		LIMIT $4
	`, domain.OutboxStatusPending, domain.OutboxStatusFailed, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		var event domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.Kind, &payload, &event.Status, &event.Attempts, &event.LastError, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) MarkEventSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = attempts + 1, last_error = '', dispatched_at = $3
		WHERE id = $1
	`, id, domain.OutboxStatusSent, at)
	if err != nil {
		return err
	}
	return requireAffected(res, "outbox event", id)
}

func (s *Store) MarkEventFailed(ctx context.Context, id string, reason string, dead bool) error {
	status := domain.OutboxStatusFailed
	if dead {
		status = domain.OutboxStatusDead
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = attempts + 1, last_error = $3
		WHERE id = $1
	`, id, status, reason)
	if err != nil {
		return err
	}
	return requireAffected(res, "outbox event", id)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.Invalid("username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("username already exists")
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.Invalid("username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res, "user", username)
}

func requireAffected(res sql.Result, entity string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound(entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
