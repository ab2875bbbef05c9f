package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
)

type fixture struct {
	s         *Store
	storeID   string
	productID string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	databaseURL := os.Getenv("PDV_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PDV_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, logrus.New())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stamp := time.Now().UnixNano()
	f := fixture{
		s:         s,
		storeID:   fmt.Sprintf("store-it-%d", stamp),
		productID: fmt.Sprintf("prod-it-%d", stamp),
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_movements WHERE store_id = $1`, f.storeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_closings WHERE store_id = $1`, f.storeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE store_id = $1`, f.storeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_stocks WHERE store_id = $1`, f.storeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_sequences WHERE store_id = $1`, f.storeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, f.productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stores WHERE id = $1`, f.storeID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, code, name, timezone) VALUES ($1, $2, 'Loja IT', 'America/Sao_Paulo')
	`, f.storeID, fmt.Sprintf("IT%d", stamp%100000)); err != nil {
		t.Fatalf("insert store: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, price, active) VALUES ($1, $1, 'Produto IT', 9.90, true)
	`, f.productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	return f
}

func (f fixture) adjust(ctx context.Context, movementType domain.StockMovementType, qty int) (int, error) {
	var result int
	err := f.s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = tx.AdjustStock(ctx, domain.StockMovement{
			ProductID:     f.productID,
			StoreID:       f.storeID,
			Type:          movementType,
			Quantity:      qty,
			ReferenceType: domain.RefManualAdjustment,
			ReferenceID:   "it",
			CreatedBy:     "it",
		}, false)
		return err
	})
	return result, err
}

func TestConcurrentStockDecrementsNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.adjust(ctx, domain.StockEntry, 5); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.adjust(ctx, domain.StockExit, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 || rejected != 3 {
		t.Fatalf("expected 5 successes and 3 rejections, got %d/%d", succeeded, rejected)
	}

	stock, err := f.s.GetProductStock(ctx, f.productID, f.storeID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	replayed, _, err := f.s.ReplayStock(ctx, f.productID, f.storeID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if stock.Quantity != 0 || replayed != 0 {
		t.Fatalf("expected cached and replayed stock 0, got %d/%d", stock.Quantity, replayed)
	}
}

func TestSaleNumbersAreSequentialAndRollbackSafe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	next := func(fail bool) (int64, error) {
		var n int64
		err := f.s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			n, err = tx.NextSaleNumber(ctx, f.storeID)
			if err != nil {
				return err
			}
			if fail {
				return errors.New("abort")
			}
			return nil
		})
		return n, err
	}

	first, err := next(false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := next(true); err == nil {
		t.Fatalf("expected aborted allocation to fail")
	}
	second, err := next(false)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected %d after rollback, got %d", first+1, second)
	}
}

func TestCashClosingUniquePerStoreDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := func(id string) error {
		return f.s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertCashClosing(ctx, domain.CashClosing{
				ID:          id,
				StoreID:     f.storeID,
				ClosingDate: "2026-03-10",
				Status:      domain.CashClosingOpen,
				OpenedBy:    "it",
				OpenedAt:    time.Now().UTC(),
			})
		})
	}

	if err := open(f.storeID + "-a"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := open(f.storeID + "-b"); !errors.Is(err, store.ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}

	closing, err := f.s.GetCashClosingByDate(ctx, f.storeID, "2026-03-10")
	if err != nil {
		t.Fatalf("get closing: %v", err)
	}
	if closing.Status != domain.CashClosingOpen || closing.ClosingDate != "2026-03-10" {
		t.Fatalf("unexpected closing %+v", closing)
	}
}
