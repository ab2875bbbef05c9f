package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

// unit implements store.Tx on top of one *sql.Tx.
type unit struct {
	queries
}

var _ store.Tx = (*unit)(nil)

// NextSaleNumber bumps the per-store counter row. The row stays locked until
// the transaction ends, so concurrent finalizations for a store take numbers
// in commit order and a rollback gives its number back.
func (u *unit) NextSaleNumber(ctx context.Context, storeID string) (int64, error) {
	var next int64
	err := u.q.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (store_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (store_id)
		DO UPDATE SET last_value = sale_sequences.last_value + 1
		RETURNING last_value
	`, storeID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (u *unit) LockCustomerCredit(ctx context.Context, customerID string) (domain.CreditStatus, error) {
	return u.creditStatus(ctx, customerID, true)
}

func (u *unit) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO sales (
			id, number, store_id, customer_id, subtotal, discount, total, amount_paid, amount_credit,
			change_amount, status, payment_method_id, installments, idempotency_key, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.Number, sale.StoreID, sale.CustomerID, sale.Subtotal, sale.Discount, sale.Total,
		sale.AmountPaid, sale.AmountCredit, sale.ChangeAmount, sale.Status, sale.PaymentMethodID,
		sale.Installments, sale.IdempotencyKey, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return err
	}

	for i, item := range sale.Items {
		_, err := u.q.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, position, product_id, quantity, unit_price, discount_amount, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, sale.ID, i, item.ProductID, item.Quantity, item.UnitPrice, item.DiscountAmount, item.Total)
		if err != nil {
			return err
		}
	}

	for i, p := range sale.Payments {
		_, err := u.q.ExecContext(ctx, `
			INSERT INTO sale_payments (id, sale_id, position, payment_method_id, kind, amount)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, p.ID, sale.ID, i, p.PaymentMethodID, p.Kind, p.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *unit) LockSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := scanSale(u.q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, saleID))
	if err != nil {
		return nil, err
	}
	if err := u.loadSaleLines(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func (u *unit) MarkSaleCancelled(ctx context.Context, saleID string, cancelledBy string, reason string, at time.Time) error {
	res, err := u.q.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancelled_by = $3, cancel_reason = $4, cancelled_at = $5
		WHERE id = $1 AND status = $6
	`, saleID, domain.SaleStatusCancelled, cancelledBy, reason, at, domain.SaleStatusCompleted)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := u.GetSale(ctx, saleID); err != nil {
			return err
		}
		return store.ErrAlreadyCancelled
	}
	return nil
}

func (u *unit) AdjustStock(ctx context.Context, movement domain.StockMovement, allowNegative bool) (int, error) {
	if movement.Quantity < 1 {
		return 0, fmt.Errorf("%w: movement quantity must be positive", store.ErrValidation)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	_, err := u.q.ExecContext(ctx, `
		INSERT INTO product_stocks (product_id, store_id, quantity, updated_at)
		VALUES ($1,$2,0,$3)
		ON CONFLICT (product_id, store_id) DO NOTHING
	`, movement.ProductID, movement.StoreID, movement.CreatedAt)
	if err != nil {
		return 0, err
	}

	// Single conditional update: the row lock makes concurrent decrements of
	// the same product queue up and re-check the floor against the new value.
	var qty int
	err = u.q.QueryRowContext(ctx, `
		UPDATE product_stocks
		SET quantity = quantity + $3, updated_at = $5
		WHERE product_id = $1 AND store_id = $2 AND ($4 OR quantity + $3 >= 0)
		RETURNING quantity
	`, movement.ProductID, movement.StoreID, movement.Signed(), allowNegative, movement.CreatedAt).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, movement.ProductID)
		}
		return 0, err
	}

	_, err = u.q.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, store_id, type, quantity, reference_type, reference_id, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, movement.ID, movement.ProductID, movement.StoreID, movement.Type, movement.Quantity,
		movement.ReferenceType, movement.ReferenceID, movement.CreatedBy, movement.CreatedAt)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (u *unit) InsertReceivable(ctx context.Context, r domain.AccountReceivable) error {
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO accounts_receivable (id, sale_id, customer_id, store_id, amount, paid_amount, status, due_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::date,$9,$10)
	`, r.ID, r.SaleID, r.CustomerID, r.StoreID, r.Amount, r.PaidAmount, r.Status,
		r.DueDate.Format("2006-01-02"), r.CreatedAt, r.UpdatedAt)
	return err
}

func (u *unit) LockReceivable(ctx context.Context, receivableID string) (*domain.AccountReceivable, error) {
	return scanReceivable(u.q.QueryRowContext(ctx, `SELECT `+receivableColumns+` FROM accounts_receivable WHERE id = $1 FOR UPDATE`, receivableID))
}

func (u *unit) UpdateReceivable(ctx context.Context, r domain.AccountReceivable) error {
	res, err := u.q.ExecContext(ctx, `
		UPDATE accounts_receivable
		SET paid_amount = $2, status = $3, updated_at = $4
		WHERE id = $1
	`, r.ID, r.PaidAmount, r.Status, r.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (u *unit) CancelReceivablesBySale(ctx context.Context, saleID string, at time.Time) ([]domain.AccountReceivable, error) {
	rows, err := u.q.QueryContext(ctx, `
		UPDATE accounts_receivable
		SET status = $2, updated_at = $3
		WHERE sale_id = $1 AND status <> $2
		RETURNING `+receivableColumns, saleID, domain.ReceivableCancelled, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	voided := make([]domain.AccountReceivable, 0, 1)
	for rows.Next() {
		r, err := scanReceivable(rows)
		if err != nil {
			return nil, err
		}
		voided = append(voided, *r)
	}
	return voided, rows.Err()
}

func (u *unit) InsertCashClosing(ctx context.Context, c domain.CashClosing) error {
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO cash_closings (id, store_id, closing_date, status, notes, opened_by, opened_at)
		VALUES ($1,$2,$3::date,$4,$5,$6,$7)
	`, c.ID, c.StoreID, c.ClosingDate, c.Status, c.Notes, c.OpenedBy, c.OpenedAt)
	return err
}

func (u *unit) LockCashClosing(ctx context.Context, closingID string) (*domain.CashClosing, error) {
	return scanClosing(u.q.QueryRowContext(ctx, `SELECT `+closingColumns+` FROM cash_closings WHERE id = $1 FOR UPDATE`, closingID))
}

func (u *unit) LockCashClosingByDate(ctx context.Context, storeID string, date string) (*domain.CashClosing, error) {
	return scanClosing(u.q.QueryRowContext(ctx, `SELECT `+closingColumns+` FROM cash_closings WHERE store_id = $1 AND closing_date = $2::date FOR UPDATE`, storeID, date))
}

func (u *unit) SaveCashClosing(ctx context.Context, c domain.CashClosing) error {
	res, err := u.q.ExecContext(ctx, `
		UPDATE cash_closings
		SET status = $2,
			expected_cash = $3, expected_card = $4, expected_pix = $5, expected_credit = $6, expected_other = $7,
			counted_cash = $8, counted_card = $9, counted_pix = $10, difference = $11,
			suprimento_total = $12, sangria_total = $13, notes = $14, closed_by = $15, closed_at = $16
		WHERE id = $1
	`, c.ID, c.Status, c.Expected.Cash, c.Expected.Card, c.Expected.Pix, c.Expected.Credit, c.Expected.Other,
		c.Counted.Cash, c.Counted.Card, c.Counted.Pix, c.Difference, c.SuprimentoTotal, c.SangriaTotal, c.Notes,
		nullIfEmpty(c.ClosedBy), nullTime(c.ClosedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (u *unit) InsertCashMovement(ctx context.Context, m domain.CashMovement) error {
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO cash_movements (id, store_id, closing_id, type, amount, reason, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.StoreID, m.ClosingID, m.Type, m.Amount, m.Reason, m.CreatedBy, m.CreatedAt)
	return err
}

func (u *unit) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, u.q, entry)
}
