package postgres

import (
	"context"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS stores (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC'
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credit_limit NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (credit_limit >= 0),
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		price NUMERIC(14,2) NOT NULL CHECK (price >= 0),
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS payment_methods (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('cash','credit_card','debit_card','pix','store_credit','other')),
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS sale_sequences (
		store_id TEXT PRIMARY KEY REFERENCES stores(id),
		last_value BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		store_id TEXT NOT NULL REFERENCES stores(id),
		customer_id TEXT NOT NULL REFERENCES customers(id),
		subtotal NUMERIC(14,2) NOT NULL,
		discount NUMERIC(14,2) NOT NULL,
		total NUMERIC(14,2) NOT NULL,
		amount_paid NUMERIC(14,2) NOT NULL,
		amount_credit NUMERIC(14,2) NOT NULL,
		change_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('completed','cancelled')),
		payment_method_id TEXT NOT NULL REFERENCES payment_methods(id),
		installments INTEGER NOT NULL DEFAULT 1,
		idempotency_key TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		cancelled_by TEXT,
		cancelled_at TIMESTAMPTZ,
		cancel_reason TEXT,
		CONSTRAINT sales_store_number_key UNIQUE (store_id, number),
		CONSTRAINT sales_store_idempotency_key UNIQUE (store_id, idempotency_key),
		CONSTRAINT sales_total_split CHECK (abs(total - amount_paid - amount_credit) <= 0.01)
	)`,
	`CREATE INDEX IF NOT EXISTS sales_store_created_idx ON sales (store_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(14,2) NOT NULL,
		discount_amount NUMERIC(14,2) NOT NULL,
		total NUMERIC(14,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sale_items_sale_idx ON sale_items (sale_id)`,
	`CREATE TABLE IF NOT EXISTS sale_payments (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		position INTEGER NOT NULL,
		payment_method_id TEXT NOT NULL REFERENCES payment_methods(id),
		kind TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS sale_payments_sale_idx ON sale_payments (sale_id)`,
	`CREATE TABLE IF NOT EXISTS product_stocks (
		product_id TEXT NOT NULL REFERENCES products(id),
		store_id TEXT NOT NULL REFERENCES stores(id),
		quantity INTEGER NOT NULL DEFAULT 0,
		min_quantity INTEGER NOT NULL DEFAULT 0,
		max_quantity INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (product_id, store_id)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		store_id TEXT NOT NULL REFERENCES stores(id),
		type TEXT NOT NULL CHECK (type IN ('entry','exit')),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stock_movements_product_idx ON stock_movements (product_id, store_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS stock_movements_reference_idx ON stock_movements (reference_type, reference_id)`,
	`CREATE TABLE IF NOT EXISTS accounts_receivable (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		customer_id TEXT NOT NULL REFERENCES customers(id),
		store_id TEXT NOT NULL REFERENCES stores(id),
		amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
		paid_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('pending','paid','cancelled')),
		due_date DATE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT accounts_receivable_paid_range CHECK (paid_amount >= 0 AND paid_amount <= amount)
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_receivable_customer_idx ON accounts_receivable (customer_id) WHERE status <> 'cancelled'`,
	`CREATE INDEX IF NOT EXISTS accounts_receivable_sale_idx ON accounts_receivable (sale_id)`,
	`CREATE TABLE IF NOT EXISTS cash_closings (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL REFERENCES stores(id),
		closing_date DATE NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('open','closed')),
		expected_cash NUMERIC(14,2) NOT NULL DEFAULT 0,
		expected_card NUMERIC(14,2) NOT NULL DEFAULT 0,
		expected_pix NUMERIC(14,2) NOT NULL DEFAULT 0,
		expected_credit NUMERIC(14,2) NOT NULL DEFAULT 0,
		expected_other NUMERIC(14,2) NOT NULL DEFAULT 0,
		counted_cash NUMERIC(14,2) NOT NULL DEFAULT 0,
		counted_card NUMERIC(14,2) NOT NULL DEFAULT 0,
		counted_pix NUMERIC(14,2) NOT NULL DEFAULT 0,
		difference NUMERIC(14,2) NOT NULL DEFAULT 0,
		suprimento_total NUMERIC(14,2) NOT NULL DEFAULT 0,
		sangria_total NUMERIC(14,2) NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		opened_by TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_by TEXT,
		closed_at TIMESTAMPTZ,
		CONSTRAINT cash_closings_store_date_key UNIQUE (store_id, closing_date)
	)`,
	`CREATE TABLE IF NOT EXISTS cash_movements (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL REFERENCES stores(id),
		closing_id TEXT NOT NULL REFERENCES cash_closings(id),
		type TEXT NOT NULL CHECK (type IN ('sangria','suprimento')),
		amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
		reason TEXT NOT NULL CHECK (btrim(reason) <> ''),
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cash_movements_closing_idx ON cash_movements (closing_id)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL,
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_store_created_idx ON audit_logs (store_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin','manager','cashier','viewer')),
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the tables the repository needs.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	s.log.WithField("statements", len(schema)).Info("schema up to date")
	return nil
}
