package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const UncategorizedCategory = "Uncategorized"

// EmailNotAvailable is the placeholder the front desk stores when a customer has no email.
const EmailNotAvailable = "Not Available"

type Product struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Category       string    `json:"category"`
	SupplierID     string    `json:"supplier_id,omitempty"`
	Details        string    `json:"details,omitempty"`
	RequiresSerial bool      `json:"requires_serial"`
	CreatedAt      time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Title          string `json:"title" validate:"required,max=200"`
	Category       string `json:"category" validate:"max=100"`
	SupplierID     string `json:"supplier_id"`
	Details        string `json:"details"`
	RequiresSerial bool   `json:"requires_serial"`
}

type ProductUpdateRequest struct {
	Title          *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Category       *string `json:"category,omitempty" validate:"omitempty,max=100"`
	SupplierID     *string `json:"supplier_id,omitempty"`
	Details        *string `json:"details,omitempty"`
	RequiresSerial *bool   `json:"requires_serial,omitempty"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"omitempty,phone"`
	Email string `json:"email" validate:"omitempty,email"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasEmail reports whether the customer has a deliverable email address on file.
func (c Customer) HasEmail() bool {
	return c.Email != "" && c.Email != EmailNotAvailable
}

type CustomerInput struct {
	Phone string `json:"phone" validate:"required,phone"`
	Name  string `json:"name" validate:"max=200"`
	Email string `json:"email"`
}

// PurchaseBatch is one stock-intake record. RemainingQuantity is the
// ledger's source of truth for availability.
type PurchaseBatch struct {
	ID                string          `json:"id"`
	ProductID         string          `json:"product_id"`
	ProductTitle      string          `json:"product_title,omitempty"`
	SupplierName      string          `json:"supplier_name,omitempty"`
	Quantity          int             `json:"quantity"`
	RemainingQuantity int             `json:"remaining_quantity"`
	BuyingPrice       decimal.Decimal `json:"buying_price"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	WarrantyMonths    int             `json:"warranty"`
	PurchaseDate      time.Time       `json:"date"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
}

type PurchaseCreateRequest struct {
	ProductID      string          `json:"product_id" validate:"required"`
	Quantity       int             `json:"quantity" validate:"gte=1"`
	BuyingPrice    decimal.Decimal `json:"buying_price"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	WarrantyMonths int             `json:"warranty" validate:"gte=0,lte=120"`
	Date           string          `json:"date,omitempty"`
}

type PurchaseUpdateRequest struct {
	ProductID      *string          `json:"product_id,omitempty"`
	Quantity       *int             `json:"quantity,omitempty"`
	BuyingPrice    *decimal.Decimal `json:"buying_price,omitempty"`
	SellingPrice   *decimal.Decimal `json:"selling_price,omitempty"`
	WarrantyMonths *int             `json:"warranty,omitempty"`
	Date           *string          `json:"date,omitempty"`
}

type InventorySummary struct {
	ProductID      string    `json:"product_id"`
	TotalPurchased int       `json:"total_purchased"`
	TotalSold      int       `json:"total_sold"`
	StockQuantity  int       `json:"stock_quantity"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type SaleLineRequest struct {
	ProductID     string          `json:"product_id" validate:"required"`
	PurchaseID    string          `json:"purchase_id"`
	Quantity      int             `json:"quantity" validate:"gte=1"`
	SerialNumbers []string        `json:"serial_numbers" validate:"dive,required,max=100"`
	Discount      decimal.Decimal `json:"discount"`
}

type SaleCreateRequest struct {
	Customer      CustomerInput     `json:"customer"`
	Items         []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod string            `json:"payment_method" validate:"omitempty,oneof=cash card transfer ewallet"`
	AmountPaid    decimal.Decimal   `json:"amount_paid"`
	ChangeAmount  decimal.Decimal   `json:"change_amount"`
}

type SaleLine struct {
	ID            string          `json:"id"`
	InvoiceID     string          `json:"invoice_id"`
	ProductID     string          `json:"product_id"`
	ProductTitle  string          `json:"product_title,omitempty"`
	PurchaseID    string          `json:"purchase_id"`
	Quantity      int             `json:"quantity"`
	SerialNumbers []string        `json:"serial_numbers"`
	Discount      decimal.Decimal `json:"discount"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

type Sale struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	Date          time.Time       `json:"date"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	ChangeAmount  decimal.Decimal `json:"change_amount"`
	CreatedBy     string          `json:"created_by"`
	Lines         []SaleLine      `json:"items"`
}

type PurchaseUndoLog struct {
	ID             string          `json:"id"`
	PurchaseID     string          `json:"purchase_id"`
	ProductID      string          `json:"product_id"`
	ProductTitle   string          `json:"product_title"`
	SupplierName   string          `json:"supplier_name"`
	Quantity       int             `json:"quantity"`
	BuyingPrice    decimal.Decimal `json:"buying_price"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	WarrantyMonths int             `json:"warranty"`
	PurchaseDate   time.Time       `json:"date_purchased"`
	UndoneBy       string          `json:"undone_by"`
	UndoneAt       time.Time       `json:"date_undone"`
	Reason         string          `json:"reason"`
}

type SaleUndoLog struct {
	ID         string          `json:"id"`
	InvoiceID  string          `json:"invoice_id"`
	CustomerID string          `json:"customer_id"`
	Total      decimal.Decimal `json:"total"`
	Snapshot   json.RawMessage `json:"snapshot"`
	UndoneBy   string          `json:"undone_by"`
	UndoneAt   time.Time       `json:"date_undone"`
	Reason     string          `json:"reason"`
}

type UndoRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// UndoLogFilter drives both the paginated listing and the export.
type UndoLogFilter struct {
	Page      int
	Limit     int
	Search    string
	StartDate *time.Time
	EndDate   *time.Time
}

type PurchaseUndoLogPage struct {
	Logs       []PurchaseUndoLog `json:"logs"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"total_pages"`
}

type SaleUndoLogPage struct {
	Logs       []SaleUndoLog `json:"logs"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	TotalPages int           `json:"total_pages"`
}

type SupplierReturn struct {
	ID         string          `json:"id"`
	PurchaseID string          `json:"purchase_id"`
	Quantity   int             `json:"quantity"`
	Refund     decimal.Decimal `json:"refund"`
	Reason     string          `json:"reason"`
	Date       time.Time       `json:"date"`
	CreatedBy  string          `json:"created_by"`
}

type SupplierReturnRequest struct {
	Quantity int    `json:"quantity" validate:"gte=1"`
	Reason   string `json:"reason" validate:"max=500"`
}

type WarrantyInfo struct {
	SerialNumber    string    `json:"serial_number"`
	InvoiceID       string    `json:"invoice_id"`
	PurchaseID      string    `json:"purchase_id"`
	ProductID       string    `json:"product_id"`
	ProductTitle    string    `json:"product_title"`
	CustomerName    string    `json:"customer_name"`
	CustomerPhone   string    `json:"customer_phone"`
	SaleDate        time.Time `json:"sale_date"`
	WarrantyMonths  int       `json:"warranty_months"`
	WarrantyEnd     time.Time `json:"warranty_end"`
	RemainingDays   int       `json:"remaining_days"`
	IsUnderWarranty bool      `json:"is_under_warranty"`
}

// SerialRecord is the raw join behind a warranty lookup, before the
// warranty window is computed.
type SerialRecord struct {
	SerialNumber   string
	InvoiceID      string
	PurchaseID     string
	ProductID      string
	ProductTitle   string
	CustomerName   string
	CustomerPhone  string
	CustomerEmail  string
	SaleDate       time.Time
	WarrantyMonths int
}

type RepairTicket struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	Device        string          `json:"device"`
	Issue         string          `json:"issue"`
	SerialNumber  string          `json:"serial_number,omitempty"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	WarrantyClaim bool            `json:"warranty_claim"`
	Status        string          `json:"status"`
	Cost          decimal.Decimal `json:"cost"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

type RepairCreateRequest struct {
	Customer      CustomerInput   `json:"customer"`
	Device        string          `json:"device" validate:"required,max=200"`
	Issue         string          `json:"issue" validate:"required,max=2000"`
	SerialNumber  string          `json:"serial_number" validate:"max=100"`
	WarrantyClaim bool            `json:"warranty_claim"`
	Cost          decimal.Decimal `json:"cost"`
}

type RepairStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type RepairStatusResponse struct {
	Repair             RepairTicket `json:"repair"`
	NotificationQueued bool         `json:"notification_queued"`
	EmailQueued        bool         `json:"email_queued"`
	EmailSkipped       bool         `json:"email_skipped"`
	EmailError         string       `json:"email_error,omitempty"`
}

// OutboxEvent is a side effect recorded in the same transaction as the
// state change that caused it and delivered after commit.
type OutboxEvent struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

type RepairNotification struct {
	RepairID     string `json:"repair_id"`
	CustomerName string `json:"customer_name"`
	Device       string `json:"device"`
	OldStatus    string `json:"old_status"`
	NewStatus    string `json:"new_status"`
	Message      string `json:"message"`
}

type RepairEmail struct {
	RepairID string `json:"repair_id"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentEwallet  = "ewallet"
)

const (
	RepairStatusPending         = "Pending"
	RepairStatusInProgress      = "In Progress"
	RepairStatusWaitingForParts = "Waiting for Parts"
	RepairStatusCompleted       = "Completed"
	RepairStatusPickedUp        = "Picked Up"
	RepairStatusCancelled       = "Cancelled"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
	OutboxStatusDead    = "DEAD"
)

const (
	EventRepairStatusChanged = "repair.status_changed"
	EventRepairEmail         = "repair.email"
)
