package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queries struct {
	q querier
}

const saleColumns = `
	id, number, store_id, customer_id, subtotal, discount, total, amount_paid, amount_credit,
	change_amount, status, payment_method_id, installments, idempotency_key, created_by, created_at,
	cancelled_by, cancelled_at, cancel_reason`

const receivableColumns = `
	id, sale_id, customer_id, store_id, amount, paid_amount, status, due_date, created_at, updated_at`

const closingColumns = `
	id, store_id, closing_date, status, expected_cash, expected_card, expected_pix, expected_credit,
	expected_other, counted_cash, counted_card, counted_pix, difference, suprimento_total, sangria_total,
	notes, opened_by, opened_at, closed_by, closed_at`

func (q queries) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var s domain.Store
	err := q.q.QueryRowContext(ctx, `
		SELECT id, code, name, timezone
		FROM stores
		WHERE id = $1
	`, storeID).Scan(&s.ID, &s.Code, &s.Name, &s.Timezone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (q queries) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := q.q.QueryRowContext(ctx, `
		SELECT id, name, credit_limit, active
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&c.ID, &c.Name, &c.CreditLimit, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (q queries) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, sku, name, price, active
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Active); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (q queries) GetPaymentMethodsByIDs(ctx context.Context, ids []string) (map[string]domain.PaymentMethod, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, name, kind, active
		FROM payment_methods
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.PaymentMethod, len(ids))
	for rows.Next() {
		var pm domain.PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.Name, &pm.Kind, &pm.Active); err != nil {
			return nil, err
		}
		out[pm.ID] = pm
	}
	return out, rows.Err()
}

func (q queries) FindSaleByIdempotency(ctx context.Context, storeID string, key string) (*domain.Sale, error) {
	return q.findSale(ctx, `WHERE store_id = $1 AND idempotency_key = $2`, storeID, key)
}

func (q queries) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return q.findSale(ctx, `WHERE id = $1`, saleID)
}

func (q queries) findSale(ctx context.Context, where string, args ...any) (*domain.Sale, error) {
	sale, err := scanSale(q.q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales `+where, args...))
	if err != nil {
		return nil, err
	}
	if err := q.loadSaleLines(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func (q queries) loadSaleLines(ctx context.Context, sale *domain.Sale) error {
	itemRows, err := q.q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, discount_amount, total
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return err
	}
	sale.Items = make([]domain.SaleItem, 0, 8)
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice,
			&item.DiscountAmount, &item.Total); err != nil {
			_ = itemRows.Close()
			return err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	paymentRows, err := q.q.QueryContext(ctx, `
		SELECT id, sale_id, payment_method_id, kind, amount
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return err
	}
	defer paymentRows.Close()
	sale.Payments = make([]domain.SalePayment, 0, 2)
	for paymentRows.Next() {
		var p domain.SalePayment
		if err := paymentRows.Scan(&p.ID, &p.SaleID, &p.PaymentMethodID, &p.Kind, &p.Amount); err != nil {
			return err
		}
		sale.Payments = append(sale.Payments, p)
	}
	return paymentRows.Err()
}

func (q queries) GetCreditStatus(ctx context.Context, customerID string) (domain.CreditStatus, error) {
	return q.creditStatus(ctx, customerID, false)
}

func (q queries) creditStatus(ctx context.Context, customerID string, lock bool) (domain.CreditStatus, error) {
	query := `SELECT credit_limit FROM customers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var limit decimal.Decimal
	if err := q.q.QueryRowContext(ctx, query, customerID).Scan(&limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CreditStatus{}, store.ErrNotFound
		}
		return domain.CreditStatus{}, err
	}

	var used decimal.Decimal
	err := q.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount - paid_amount), 0)
		FROM accounts_receivable
		WHERE customer_id = $1 AND status <> $2
	`, customerID, domain.ReceivableCancelled).Scan(&used)
	if err != nil {
		return domain.CreditStatus{}, err
	}

	return domain.CreditStatus{
		CustomerID: customerID,
		Limit:      limit,
		Used:       used,
		Available:  limit.Sub(used),
	}, nil
}

func (q queries) GetReceivable(ctx context.Context, receivableID string) (*domain.AccountReceivable, error) {
	return scanReceivable(q.q.QueryRowContext(ctx, `SELECT `+receivableColumns+` FROM accounts_receivable WHERE id = $1`, receivableID))
}

func (q queries) ListReceivablesBySale(ctx context.Context, saleID string) ([]domain.AccountReceivable, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+receivableColumns+` FROM accounts_receivable WHERE sale_id = $1 ORDER BY created_at`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AccountReceivable, 0, 1)
	for rows.Next() {
		r, err := scanReceivable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (q queries) GetProductStock(ctx context.Context, productID string, storeID string) (*domain.ProductStock, error) {
	var ps domain.ProductStock
	err := q.q.QueryRowContext(ctx, `
		SELECT product_id, store_id, quantity, min_quantity, max_quantity, updated_at
		FROM product_stocks
		WHERE product_id = $1 AND store_id = $2
	`, productID, storeID).Scan(&ps.ProductID, &ps.StoreID, &ps.Quantity, &ps.MinQuantity, &ps.MaxQuantity, &ps.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ps, nil
}

func (q queries) ListStockMovements(ctx context.Context, filter domain.StockMovementFilter) ([]domain.StockMovement, error) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)
	add := func(column string, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("product_id", filter.ProductID)
	add("store_id", filter.StoreID)
	add("reference_type", filter.ReferenceType)
	add("reference_id", filter.ReferenceID)
	add("type", string(filter.Type))

	query := `
		SELECT id, product_id, store_id, type, quantity, reference_type, reference_id, created_by, created_at
		FROM stock_movements`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.StoreID, &m.Type, &m.Quantity, &m.ReferenceType,
			&m.ReferenceID, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (q queries) ReplayStock(ctx context.Context, productID string, storeID string) (int, int, error) {
	var qty, count int
	err := q.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN type = 'exit' THEN -quantity ELSE quantity END), 0),
			COUNT(*)
		FROM stock_movements
		WHERE product_id = $1 AND store_id = $2
	`, productID, storeID).Scan(&qty, &count)
	return qty, count, err
}

func (q queries) SalesSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.DailySummary, error) {
	summary := domain.DailySummary{StoreID: storeID}
	err := q.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(total), 0),
			COALESCE(SUM(amount_credit), 0),
			COUNT(*) FILTER (WHERE amount_credit > 0)
		FROM sales
		WHERE store_id = $1 AND status = $2 AND created_at >= $3 AND created_at < $4
	`, storeID, domain.SaleStatusCompleted, from, to).Scan(
		&summary.SalesCount, &summary.TotalSales, &summary.TotalCredit, &summary.CreditSalesCount)
	if err != nil {
		return domain.DailySummary{}, err
	}

	rows, err := q.q.QueryContext(ctx, `
		SELECT sp.kind, COALESCE(SUM(sp.amount), 0)
		FROM sale_payments sp
		JOIN sales s ON s.id = sp.sale_id
		WHERE s.store_id = $1 AND s.status = $2 AND s.created_at >= $3 AND s.created_at < $4
		GROUP BY sp.kind
	`, storeID, domain.SaleStatusCompleted, from, to)
	if err != nil {
		return domain.DailySummary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind domain.PaymentKind
		var amount decimal.Decimal
		if err := rows.Scan(&kind, &amount); err != nil {
			return domain.DailySummary{}, err
		}
		summary.AddPayment(kind, amount)
	}
	return summary, rows.Err()
}

func (q queries) GetCashClosing(ctx context.Context, closingID string) (*domain.CashClosing, error) {
	return scanClosing(q.q.QueryRowContext(ctx, `SELECT `+closingColumns+` FROM cash_closings WHERE id = $1`, closingID))
}

func (q queries) GetCashClosingByDate(ctx context.Context, storeID string, date string) (*domain.CashClosing, error) {
	return scanClosing(q.q.QueryRowContext(ctx, `SELECT `+closingColumns+` FROM cash_closings WHERE store_id = $1 AND closing_date = $2::date`, storeID, date))
}

func (q queries) ListCashMovements(ctx context.Context, closingID string) ([]domain.CashMovement, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, store_id, closing_id, type, amount, reason, created_by, created_at
		FROM cash_movements
		WHERE closing_id = $1
		ORDER BY created_at, id
	`, closingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashMovement, 0, 8)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.StoreID, &m.ClosingID, &m.Type, &m.Amount, &m.Reason, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q queries) CashMovementTotals(ctx context.Context, closingID string) (decimal.Decimal, decimal.Decimal, error) {
	var suprimento, sangria decimal.Decimal
	err := q.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'suprimento'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'sangria'), 0)
		FROM cash_movements
		WHERE closing_id = $1
	`, closingID).Scan(&suprimento, &sangria)
	return suprimento, sangria, err
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var cancelledBy, cancelReason sql.NullString
	var cancelledAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.Number, &sale.StoreID, &sale.CustomerID, &sale.Subtotal, &sale.Discount,
		&sale.Total, &sale.AmountPaid, &sale.AmountCredit, &sale.ChangeAmount, &sale.Status, &sale.PaymentMethodID,
		&sale.Installments, &sale.IdempotencyKey, &sale.CreatedBy, &sale.CreatedAt, &cancelledBy, &cancelledAt,
		&cancelReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CancelledBy = cancelledBy.String
	sale.CancelReason = cancelReason.String
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	return &sale, nil
}

func scanReceivable(row rowScanner) (*domain.AccountReceivable, error) {
	var r domain.AccountReceivable
	err := row.Scan(&r.ID, &r.SaleID, &r.CustomerID, &r.StoreID, &r.Amount, &r.PaidAmount, &r.Status,
		&r.DueDate, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func scanClosing(row rowScanner) (*domain.CashClosing, error) {
	var c domain.CashClosing
	var closingDate time.Time
	var closedBy sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&c.ID, &c.StoreID, &closingDate, &c.Status, &c.Expected.Cash, &c.Expected.Card,
		&c.Expected.Pix, &c.Expected.Credit, &c.Expected.Other, &c.Counted.Cash, &c.Counted.Card, &c.Counted.Pix,
		&c.Difference, &c.SuprimentoTotal, &c.SangriaTotal, &c.Notes, &c.OpenedBy, &c.OpenedAt, &closedBy, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.ClosingDate = closingDate.Format("2006-01-02")
	c.ClosedBy = closedBy.String
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		c.ClosedAt = &at
	}
	return &c, nil
}

func insertAuditLog(ctx context.Context, q querier, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType,
		entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}
