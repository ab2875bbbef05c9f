package domain

import (
	"time"
	// Store timezones resolve without a system zoneinfo database.
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Discount with an empty Type and a zero Value means "no discount".
type Discount struct {
	Type  DiscountType    `json:"type,omitempty"`
	Value decimal.Decimal `json:"value"`
}

func (d Discount) IsZero() bool {
	return d.Type == "" && d.Value.IsZero()
}

type CartLine struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  Discount        `json:"discount"`
}

type Cart struct {
	Lines          []CartLine `json:"lines" validate:"required,min=1,dive"`
	GlobalDiscount Discount   `json:"global_discount"`
	CustomerID     string     `json:"customer_id,omitempty"`
}

type LineQuote struct {
	ProductID      string          `json:"product_id"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Gross          decimal.Decimal `json:"gross"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
}

type CartQuote struct {
	Lines                []LineQuote     `json:"lines"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	GlobalDiscountAmount decimal.Decimal `json:"global_discount_amount"`
	Total                decimal.Decimal `json:"total"`
}

type Store struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

func (s Store) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Customer struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	Active      bool            `json:"active"`
}

type Product struct {
	ID     string          `json:"id"`
	SKU    string          `json:"sku"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

type PaymentKind string

const (
	PaymentCash        PaymentKind = "cash"
	PaymentCreditCard  PaymentKind = "credit_card"
	PaymentDebitCard   PaymentKind = "debit_card"
	PaymentPix         PaymentKind = "pix"
	PaymentStoreCredit PaymentKind = "store_credit"
	PaymentOther       PaymentKind = "other"
)

type PaymentMethod struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Kind   PaymentKind `json:"kind"`
	Active bool        `json:"active"`
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

type Sale struct {
	ID              string          `json:"id"`
	Number          string          `json:"number"`
	StoreID         string          `json:"store_id"`
	CustomerID      string          `json:"customer_id"`
	Subtotal        decimal.Decimal `json:"subtotal"` // sum of line totals, net of line discounts
	Discount        decimal.Decimal `json:"discount"` // order-level discount only
	Total           decimal.Decimal `json:"total"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	AmountCredit    decimal.Decimal `json:"amount_credit"`
	ChangeAmount    decimal.Decimal `json:"change_amount"`
	Status          string          `json:"status"`
	PaymentMethodID string          `json:"payment_method_id"`
	Installments    int             `json:"installments"`
	IdempotencyKey  string          `json:"idempotency_key"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	CancelledBy     string          `json:"cancelled_by,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	Items           []SaleItem      `json:"items"`
	Payments        []SalePayment   `json:"payments"`
}

type SaleItem struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
}

type SalePayment struct {
	ID              string          `json:"id"`
	SaleID          string          `json:"sale_id"`
	PaymentMethodID string          `json:"payment_method_id"`
	Kind            PaymentKind     `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
}

type PaymentAllocation struct {
	PaymentMethodID string          `json:"payment_method_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
}

type FinalizeSaleRequest struct {
	StoreID         string              `json:"store_id"`
	CustomerID      string              `json:"customer_id" validate:"required"`
	Lines           []CartLine          `json:"lines" validate:"required,min=1,dive"`
	GlobalDiscount  Discount            `json:"global_discount"`
	PaymentMethodID string              `json:"payment_method_id" validate:"required"`
	AmountPaid      decimal.Decimal     `json:"amount_paid"`
	Payments        []PaymentAllocation `json:"payments" validate:"omitempty,dive"`
	CreditAmount    decimal.Decimal     `json:"credit_amount"`
	Installments    int                 `json:"installments" validate:"gte=0,lte=48"`
	IdempotencyKey  string              `json:"idempotency_key"`
}

type FinalizeSaleResponse struct {
	Sale       Sale               `json:"sale"`
	Receivable *AccountReceivable `json:"receivable,omitempty"`
	Duplicate  bool               `json:"duplicate"`
}

type CancelSaleRequest struct {
	Reason string `json:"reason"`
}

type CancelSaleResponse struct {
	Sale              Sale            `json:"sale"`
	RestockedItems    int             `json:"restocked_items"`
	VoidedReceivables int             `json:"voided_receivables"`
	RefundDue         decimal.Decimal `json:"refund_due"`
}

type StockMovementType string

const (
	StockEntry StockMovementType = "entry"
	StockExit  StockMovementType = "exit"
)

const (
	RefSale             = "sale"
	RefSaleCancellation = "sale_cancellation"
	RefManualAdjustment = "manual_adjustment"
	RefOpeningBalance   = "opening_balance"
)

type StockMovement struct {
	ID            string            `json:"id"`
	ProductID     string            `json:"product_id"`
	StoreID       string            `json:"store_id"`
	Type          StockMovementType `json:"type"`
	Quantity      int               `json:"quantity"`
	ReferenceType string            `json:"reference_type"`
	ReferenceID   string            `json:"reference_id"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Signed returns the movement's effect on the on-hand quantity.
func (m StockMovement) Signed() int {
	if m.Type == StockExit {
		return -m.Quantity
	}
	return m.Quantity
}

type StockMovementFilter struct {
	ProductID     string
	StoreID       string
	ReferenceType string
	ReferenceID   string
	Type          StockMovementType
	Limit         int
}

type ProductStock struct {
	ProductID   string    `json:"product_id"`
	StoreID     string    `json:"store_id"`
	Quantity    int       `json:"quantity"`
	MinQuantity int       `json:"min_quantity"`
	MaxQuantity int       `json:"max_quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StockAdjustRequest struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id" validate:"required"`
	Delta     int    `json:"delta" validate:"ne=0"`
	Reason    string `json:"reason" validate:"required,max=240"`
}

type StockAdjustResponse struct {
	Movement    StockMovement `json:"movement"`
	NewQuantity int           `json:"new_quantity"`
}

type StockAudit struct {
	ProductID        string `json:"product_id"`
	StoreID          string `json:"store_id"`
	CachedQuantity   int    `json:"cached_quantity"`
	ReplayedQuantity int    `json:"replayed_quantity"`
	Movements        int    `json:"movements"`
	Consistent       bool   `json:"consistent"`
}

const (
	ReceivablePending   = "pending"
	ReceivablePaid      = "paid"
	ReceivableCancelled = "cancelled"
)

type AccountReceivable struct {
	ID         string          `json:"id"`
	SaleID     string          `json:"sale_id"`
	CustomerID string          `json:"customer_id"`
	StoreID    string          `json:"store_id"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Status     string          `json:"status"`
	DueDate    time.Time       `json:"due_date"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Outstanding is the part of the receivable that still counts against the
// customer's credit limit.
func (r AccountReceivable) Outstanding() decimal.Decimal {
	if r.Status == ReceivableCancelled {
		return decimal.Zero
	}
	return r.Amount.Sub(r.PaidAmount)
}

type ReceivablePaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CreditStatus struct {
	CustomerID string          `json:"customer_id"`
	Limit      decimal.Decimal `json:"limit"`
	Used       decimal.Decimal `json:"used"`
	Available  decimal.Decimal `json:"available"`
}

const (
	CashClosingOpen   = "open"
	CashClosingClosed = "closed"
)

type CashTotals struct {
	Cash   decimal.Decimal `json:"cash"`
	Card   decimal.Decimal `json:"card"`
	Pix    decimal.Decimal `json:"pix"`
	Credit decimal.Decimal `json:"credit"`
	Other  decimal.Decimal `json:"other"`
}

type CountedTotals struct {
	Cash decimal.Decimal `json:"cash"`
	Card decimal.Decimal `json:"card"`
	Pix  decimal.Decimal `json:"pix"`
}

type CashClosing struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"store_id"`
	ClosingDate     string          `json:"closing_date"`
	Status          string          `json:"status"`
	Expected        CashTotals      `json:"expected"`
	Counted         CountedTotals   `json:"counted"`
	Difference      decimal.Decimal `json:"difference"`
	SuprimentoTotal decimal.Decimal `json:"suprimento_total"`
	SangriaTotal    decimal.Decimal `json:"sangria_total"`
	Notes           string          `json:"notes,omitempty"`
	OpenedBy        string          `json:"opened_by"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedBy        string          `json:"closed_by,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

type CashMovementType string

const (
	CashSangria    CashMovementType = "sangria"
	CashSuprimento CashMovementType = "suprimento"
)

type CashMovement struct {
	ID        string           `json:"id"`
	StoreID   string           `json:"store_id"`
	ClosingID string           `json:"closing_id"`
	Type      CashMovementType `json:"type"`
	Amount    decimal.Decimal  `json:"amount"`
	Reason    string           `json:"reason"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
}

type CashOpenRequest struct {
	StoreID string `json:"store_id"`
	Date    string `json:"date"`
}

type CashMovementRequest struct {
	StoreID   string           `json:"store_id"`
	ClosingID string           `json:"closing_id"`
	Type      CashMovementType `json:"type" validate:"required,oneof=sangria suprimento"`
	Amount    decimal.Decimal  `json:"amount"`
	Reason    string           `json:"reason" validate:"required,max=240"`
}

type CashCloseRequest struct {
	Counted CountedTotals `json:"counted"`
	Notes   string        `json:"notes" validate:"max=1000"`
}

type DailySummary struct {
	StoreID          string          `json:"store_id"`
	Date             string          `json:"date"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	TotalCash        decimal.Decimal `json:"total_cash"`
	TotalCard        decimal.Decimal `json:"total_card"`
	TotalPix         decimal.Decimal `json:"total_pix"`
	TotalCredit      decimal.Decimal `json:"total_credit"`
	TotalOther       decimal.Decimal `json:"total_other"`
	SalesCount       int             `json:"sales_count"`
	CreditSalesCount int             `json:"credit_sales_count"`
	SuprimentoTotal  decimal.Decimal `json:"suprimento_total"`
	SangriaTotal     decimal.Decimal `json:"sangria_total"`
	DrawerCash       decimal.Decimal `json:"drawer_cash"`
}

// AddPayment folds one payment allocation into its reconciliation bucket.
func (s *DailySummary) AddPayment(kind PaymentKind, amount decimal.Decimal) {
	switch kind {
	case PaymentCash:
		s.TotalCash = s.TotalCash.Add(amount)
	case PaymentCreditCard, PaymentDebitCard:
		s.TotalCard = s.TotalCard.Add(amount)
	case PaymentPix:
		s.TotalPix = s.TotalPix.Add(amount)
	case PaymentStoreCredit:
		s.TotalCredit = s.TotalCredit.Add(amount)
	default:
		s.TotalOther = s.TotalOther.Add(amount)
	}
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

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
