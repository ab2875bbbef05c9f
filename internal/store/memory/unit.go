package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

// unit implements store.Tx over a state the caller has already locked.
type unit struct {
	st *state
}

var _ store.Tx = (*unit)(nil)

func (u *unit) GetStore(_ context.Context, storeID string) (*domain.Store, error) {
	s, ok := u.st.stores[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (u *unit) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	c, ok := u.st.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (u *unit) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := u.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (u *unit) GetPaymentMethodsByIDs(_ context.Context, ids []string) (map[string]domain.PaymentMethod, error) {
	out := make(map[string]domain.PaymentMethod, len(ids))
	for _, id := range ids {
		if pm, ok := u.st.paymentMethods[id]; ok {
			out[id] = pm
		}
	}
	return out, nil
}

func (u *unit) FindSaleByIdempotency(ctx context.Context, storeID string, key string) (*domain.Sale, error) {
	saleID, ok := u.st.salesByIdem[storeScopedKey(storeID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u.GetSale(ctx, saleID)
}

func (u *unit) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	sale, ok := u.st.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (u *unit) GetCreditStatus(_ context.Context, customerID string) (domain.CreditStatus, error) {
	customer, ok := u.st.customers[customerID]
	if !ok {
		return domain.CreditStatus{}, store.ErrNotFound
	}
	used := decimal.Zero
	for _, r := range u.st.receivables {
		if r.CustomerID == customerID {
			used = used.Add(r.Outstanding())
		}
	}
	return domain.CreditStatus{
		CustomerID: customerID,
		Limit:      customer.CreditLimit,
		Used:       used,
		Available:  customer.CreditLimit.Sub(used),
	}, nil
}

func (u *unit) GetReceivable(_ context.Context, receivableID string) (*domain.AccountReceivable, error) {
	r, ok := u.st.receivables[receivableID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (u *unit) ListReceivablesBySale(_ context.Context, saleID string) ([]domain.AccountReceivable, error) {
	out := make([]domain.AccountReceivable, 0, 1)
	for _, r := range u.st.receivables {
		if r.SaleID == saleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (u *unit) GetProductStock(_ context.Context, productID string, storeID string) (*domain.ProductStock, error) {
	ps, ok := u.st.stock[stockKey(productID, storeID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ps, nil
}

// ListStockMovements returns matches newest first.
func (u *unit) ListStockMovements(_ context.Context, filter domain.StockMovementFilter) ([]domain.StockMovement, error) {
	out := make([]domain.StockMovement, 0, 16)
	for i := len(u.st.movements) - 1; i >= 0; i-- {
		m := u.st.movements[i]
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.StoreID != "" && m.StoreID != filter.StoreID {
			continue
		}
		if filter.ReferenceType != "" && m.ReferenceType != filter.ReferenceType {
			continue
		}
		if filter.ReferenceID != "" && m.ReferenceID != filter.ReferenceID {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (u *unit) ReplayStock(_ context.Context, productID string, storeID string) (int, int, error) {
	qty, count := 0, 0
	for _, m := range u.st.movements {
		if m.ProductID == productID && m.StoreID == storeID {
			qty += m.Signed()
			count++
		}
	}
	return qty, count, nil
}

func (u *unit) SalesSummary(_ context.Context, storeID string, from time.Time, to time.Time) (domain.DailySummary, error) {
	summary := domain.DailySummary{StoreID: storeID}
	for _, sale := range u.st.sales {
		if sale.StoreID != storeID || sale.Status != domain.SaleStatusCompleted {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		summary.SalesCount++
		summary.TotalSales = summary.TotalSales.Add(sale.Total)
		if sale.AmountCredit.IsPositive() {
			summary.CreditSalesCount++
			summary.TotalCredit = summary.TotalCredit.Add(sale.AmountCredit)
		}
		for _, p := range sale.Payments {
			summary.AddPayment(p.Kind, p.Amount)
		}
	}
	return summary, nil
}

func (u *unit) GetCashClosing(_ context.Context, closingID string) (*domain.CashClosing, error) {
	c, ok := u.st.closings[closingID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneClosing(c)
	return &out, nil
}

func (u *unit) GetCashClosingByDate(ctx context.Context, storeID string, date string) (*domain.CashClosing, error) {
	closingID, ok := u.st.closingByDate[storeScopedKey(storeID, date)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u.GetCashClosing(ctx, closingID)
}

func (u *unit) ListCashMovements(_ context.Context, closingID string) ([]domain.CashMovement, error) {
	out := make([]domain.CashMovement, 0, 8)
	for _, m := range u.st.cashMovements {
		if m.ClosingID == closingID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (u *unit) CashMovementTotals(_ context.Context, closingID string) (decimal.Decimal, decimal.Decimal, error) {
	suprimento, sangria := decimal.Zero, decimal.Zero
	for _, m := range u.st.cashMovements {
		if m.ClosingID != closingID {
			continue
		}
		switch m.Type {
		case domain.CashSuprimento:
			suprimento = suprimento.Add(m.Amount)
		case domain.CashSangria:
			sangria = sangria.Add(m.Amount)
		}
	}
	return suprimento, sangria, nil
}

func (u *unit) NextSaleNumber(_ context.Context, storeID string) (int64, error) {
	if _, ok := u.st.stores[storeID]; !ok {
		return 0, store.ErrNotFound
	}
	u.st.saleSeq[storeID]++
	return u.st.saleSeq[storeID], nil
}

func (u *unit) LockCustomerCredit(ctx context.Context, customerID string) (domain.CreditStatus, error) {
	return u.GetCreditStatus(ctx, customerID)
}

func (u *unit) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.Number == "" || sale.IdempotencyKey == "" {
		return store.ErrValidation
	}
	if _, exists := u.st.sales[sale.ID]; exists {
		return fmt.Errorf("%w: sale %s already exists", store.ErrConcurrencyConflict, sale.ID)
	}
	if _, exists := u.st.salesByNumber[storeScopedKey(sale.StoreID, sale.Number)]; exists {
		return fmt.Errorf("%w: sale number %s taken", store.ErrConcurrencyConflict, sale.Number)
	}
	idemKey := storeScopedKey(sale.StoreID, sale.IdempotencyKey)
	if _, exists := u.st.salesByIdem[idemKey]; exists {
		return fmt.Errorf("%w: idempotency key reused", store.ErrConcurrencyConflict)
	}

	u.st.sales[sale.ID] = cloneSale(sale)
	u.st.salesByNumber[storeScopedKey(sale.StoreID, sale.Number)] = sale.ID
	u.st.salesByIdem[idemKey] = sale.ID
	return nil
}

func (u *unit) LockSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return u.GetSale(ctx, saleID)
}

func (u *unit) MarkSaleCancelled(_ context.Context, saleID string, cancelledBy string, reason string, at time.Time) error {
	sale, ok := u.st.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	if sale.Status == domain.SaleStatusCancelled {
		return store.ErrAlreadyCancelled
	}
	sale.Status = domain.SaleStatusCancelled
	sale.CancelledBy = cancelledBy
	sale.CancelReason = reason
	sale.CancelledAt = &at
	u.st.sales[saleID] = sale
	return nil
}

func (u *unit) AdjustStock(_ context.Context, movement domain.StockMovement, allowNegative bool) (int, error) {
	if movement.Quantity < 1 {
		return 0, fmt.Errorf("%w: movement quantity must be positive", store.ErrValidation)
	}
	if _, ok := u.st.products[movement.ProductID]; !ok {
		return 0, store.ErrNotFound
	}

	key := stockKey(movement.ProductID, movement.StoreID)
	current, exists := u.st.stock[key]
	if !exists {
		current = domain.ProductStock{ProductID: movement.ProductID, StoreID: movement.StoreID}
	}
	next := current.Quantity + movement.Signed()
	if next < 0 && !allowNegative {
		return current.Quantity, fmt.Errorf("%w: product %s has %d", store.ErrInsufficientStock, movement.ProductID, current.Quantity)
	}

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	current.Quantity = next
	current.UpdatedAt = movement.CreatedAt
	u.st.stock[key] = current
	u.st.movements = append(u.st.movements, movement)
	return next, nil
}

func (u *unit) InsertReceivable(_ context.Context, receivable domain.AccountReceivable) error {
	if receivable.ID == "" {
		return store.ErrValidation
	}
	if _, exists := u.st.receivables[receivable.ID]; exists {
		return fmt.Errorf("%w: receivable %s already exists", store.ErrConcurrencyConflict, receivable.ID)
	}
	u.st.receivables[receivable.ID] = receivable
	return nil
}

func (u *unit) LockReceivable(ctx context.Context, receivableID string) (*domain.AccountReceivable, error) {
	return u.GetReceivable(ctx, receivableID)
}

func (u *unit) UpdateReceivable(_ context.Context, receivable domain.AccountReceivable) error {
	if _, ok := u.st.receivables[receivable.ID]; !ok {
		return store.ErrNotFound
	}
	u.st.receivables[receivable.ID] = receivable
	return nil
}

func (u *unit) CancelReceivablesBySale(_ context.Context, saleID string, at time.Time) ([]domain.AccountReceivable, error) {
	voided := make([]domain.AccountReceivable, 0, 1)
	for id, r := range u.st.receivables {
		if r.SaleID != saleID || r.Status == domain.ReceivableCancelled {
			continue
		}
		r.Status = domain.ReceivableCancelled
		r.UpdatedAt = at
		u.st.receivables[id] = r
		voided = append(voided, r)
	}
	return voided, nil
}

func (u *unit) InsertCashClosing(_ context.Context, closing domain.CashClosing) error {
	key := storeScopedKey(closing.StoreID, closing.ClosingDate)
	if _, exists := u.st.closingByDate[key]; exists {
		return store.ErrAlreadyOpen
	}
	u.st.closings[closing.ID] = cloneClosing(closing)
	u.st.closingByDate[key] = closing.ID
	return nil
}

func (u *unit) LockCashClosing(ctx context.Context, closingID string) (*domain.CashClosing, error) {
	return u.GetCashClosing(ctx, closingID)
}

func (u *unit) LockCashClosingByDate(ctx context.Context, storeID string, date string) (*domain.CashClosing, error) {
	return u.GetCashClosingByDate(ctx, storeID, date)
}

func (u *unit) SaveCashClosing(_ context.Context, closing domain.CashClosing) error {
	if _, ok := u.st.closings[closing.ID]; !ok {
		return store.ErrNotFound
	}
	u.st.closings[closing.ID] = cloneClosing(closing)
	return nil
}

func (u *unit) InsertCashMovement(_ context.Context, movement domain.CashMovement) error {
	if _, ok := u.st.closings[movement.ClosingID]; !ok {
		return store.ErrNotOpen
	}
	u.st.cashMovements = append(u.st.cashMovements, movement)
	return nil
}

func (u *unit) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	u.st.auditLogs = append(u.st.auditLogs, entry)
	return nil
}
