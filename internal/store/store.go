package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repairpos/internal/domain"
)

// Error kinds. Callers discriminate with errors.Is; messages are for humans only.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrConflict)
)

// InsufficientStockError names the product and what was still available
// when a line could not be served.
type InsufficientStockError struct {
	ProductID string
	Product   string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.Product
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func NotFound(entity string, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

type Repository interface {
	CatalogRepository
	LedgerRepository
	RepairRepository
	OutboxRepository
	UserRepository
}

type CatalogRepository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	FindCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
}

type LedgerRepository interface {
	CreateBatch(ctx context.Context, batch domain.PurchaseBatch) (*domain.PurchaseBatch, error)
	GetBatch(ctx context.Context, id string) (*domain.PurchaseBatch, error)
	ListBatches(ctx context.Context, productID string, limit int) ([]domain.PurchaseBatch, error)
	// ListAvailableBatches returns batches with remaining stock, oldest intake first.
	ListAvailableBatches(ctx context.Context, productID string) ([]domain.PurchaseBatch, error)
	UpdateBatch(ctx context.Context, batch domain.PurchaseBatch) (*domain.PurchaseBatch, error)
	DeleteBatch(ctx context.Context, id string) error
	FindLatestBatchByCreator(ctx context.Context, username string, since time.Time) (*domain.PurchaseBatch, error)

	RecomputeInventory(ctx context.Context, productID string, at time.Time) (domain.InventorySummary, error)
	GetInventorySummary(ctx context.Context, productID string) (*domain.InventorySummary, error)

	// CreateSale decrements every referenced batch with a conditional update and
	// inserts the invoice with its lines, all in one transaction.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	// DeleteSale restores batch quantities, removes the sale and appends the undo log atomically.
	DeleteSale(ctx context.Context, id string, undo domain.SaleUndoLog) error
	ListSaleUndoLogs(ctx context.Context, filter domain.UndoLogFilter) ([]domain.SaleUndoLog, int, error)

	// UndoPurchase snapshots the batch into the undo log and deletes it atomically.
	UndoPurchase(ctx context.Context, purchaseID string, undo domain.PurchaseUndoLog) (*domain.PurchaseBatch, error)
	ListPurchaseUndoLogs(ctx context.Context, filter domain.UndoLogFilter) ([]domain.PurchaseUndoLog, int, error)

	CreateSupplierReturn(ctx context.Context, ret domain.SupplierReturn) (*domain.SupplierReturn, error)
	ListSupplierReturns(ctx context.Context, purchaseID string) ([]domain.SupplierReturn, error)

	FindSerial(ctx context.Context, serial string) (*domain.SerialRecord, error)
	SearchSerials(ctx context.Context, query string, limit int) ([]domain.SerialRecord, error)
}

type RepairRepository interface {
	CreateRepair(ctx context.Context, ticket domain.RepairTicket) (*domain.RepairTicket, error)
	GetRepair(ctx context.Context, id string) (*domain.RepairTicket, error)
	// UpdateRepairStatus moves the ticket from fromStatus to the new status and
	// records the outbox events in the same transaction.
	UpdateRepairStatus(ctx context.Context, id string, fromStatus string, toStatus string, at time.Time, events []domain.OutboxEvent) (*domain.RepairTicket, error)
}

type OutboxRepository interface {
	ListDispatchableEvents(ctx context.Context, limit int, maxAttempts int) ([]domain.OutboxEvent, error)
	MarkEventSent(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id string, reason string, dead bool) error
}

type UserRepository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
