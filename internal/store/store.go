package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"retailpdv/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientCredit  = errors.New("insufficient credit")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAlreadyOpen         = errors.New("cash drawer already open")
	ErrNotOpen             = errors.New("cash drawer not open")
	ErrAlreadyClosed       = errors.New("cash drawer already closed")
	ErrAlreadyCancelled    = errors.New("sale already cancelled")
	ErrReasonRequired      = errors.New("reason is required")
	// ErrRollbackFailed marks a unit of work whose rollback did not complete.
	// The effects of such an operation need manual reconciliation.
	ErrRollbackFailed = errors.New("rollback failed")
)

// Reader holds the queries available both inside and outside a unit of work.
type Reader interface {
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetPaymentMethodsByIDs(ctx context.Context, ids []string) (map[string]domain.PaymentMethod, error)

	FindSaleByIdempotency(ctx context.Context, storeID string, key string) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	GetCreditStatus(ctx context.Context, customerID string) (domain.CreditStatus, error)
	GetReceivable(ctx context.Context, receivableID string) (*domain.AccountReceivable, error)
	ListReceivablesBySale(ctx context.Context, saleID string) ([]domain.AccountReceivable, error)

	GetProductStock(ctx context.Context, productID string, storeID string) (*domain.ProductStock, error)
	ListStockMovements(ctx context.Context, filter domain.StockMovementFilter) ([]domain.StockMovement, error)
	// ReplayStock sums the signed movement log for (product, store).
	ReplayStock(ctx context.Context, productID string, storeID string) (qty int, movements int, err error)

	// SalesSummary aggregates completed sales created in [from, to).
	SalesSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.DailySummary, error)
	GetCashClosing(ctx context.Context, closingID string) (*domain.CashClosing, error)
	GetCashClosingByDate(ctx context.Context, storeID string, date string) (*domain.CashClosing, error)
	ListCashMovements(ctx context.Context, closingID string) ([]domain.CashMovement, error)
	CashMovementTotals(ctx context.Context, closingID string) (suprimento decimal.Decimal, sangria decimal.Decimal, err error)
}

// Tx is a unit of work. Lock* methods hold the row until the unit of work ends.
type Tx interface {
	Reader

	NextSaleNumber(ctx context.Context, storeID string) (int64, error)
	LockCustomerCredit(ctx context.Context, customerID string) (domain.CreditStatus, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	LockSale(ctx context.Context, saleID string) (*domain.Sale, error)
	MarkSaleCancelled(ctx context.Context, saleID string, cancelledBy string, reason string, at time.Time) error

	// AdjustStock applies a signed delta atomically and appends the matching
	// movement. It fails with ErrInsufficientStock when the result would be
	// negative and allowNegative is false.
	AdjustStock(ctx context.Context, movement domain.StockMovement, allowNegative bool) (int, error)

	InsertReceivable(ctx context.Context, receivable domain.AccountReceivable) error
	LockReceivable(ctx context.Context, receivableID string) (*domain.AccountReceivable, error)
	UpdateReceivable(ctx context.Context, receivable domain.AccountReceivable) error
	CancelReceivablesBySale(ctx context.Context, saleID string, at time.Time) ([]domain.AccountReceivable, error)

	InsertCashClosing(ctx context.Context, closing domain.CashClosing) error
	LockCashClosing(ctx context.Context, closingID string) (*domain.CashClosing, error)
	LockCashClosingByDate(ctx context.Context, storeID string, date string) (*domain.CashClosing, error)
	SaveCashClosing(ctx context.Context, closing domain.CashClosing) error
	InsertCashMovement(ctx context.Context, movement domain.CashMovement) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type Repository interface {
	Reader

	// WithinTx runs fn as one atomic unit: either every write made through tx
	// is kept or none is.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
