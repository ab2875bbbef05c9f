package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
)

func TestWithinTxRollsBackEveryWriteOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	before, err := s.GetProductStock(ctx, "prod-cafe", "loja-centro")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.NextSaleNumber(ctx, "loja-centro"); err != nil {
			return err
		}
		if _, err := tx.AdjustStock(ctx, domain.StockMovement{
			ProductID:     "prod-cafe",
			StoreID:       "loja-centro",
			Type:          domain.StockExit,
			Quantity:      4,
			ReferenceType: domain.RefSale,
			ReferenceID:   "sale-x",
		}, false); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.GetProductStock(ctx, "prod-cafe", "loja-centro")
	require.NoError(t, err)
	assert.Equal(t, before.Quantity, after.Quantity)

	movements, err := s.ListStockMovements(ctx, domain.StockMovementFilter{ReferenceID: "sale-x"})
	require.NoError(t, err)
	assert.Empty(t, movements)

	var seq int64
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		seq, err = tx.NextSaleNumber(ctx, "loja-centro")
		return err
	}))
	assert.Equal(t, int64(1), seq, "rolled back allocation must not skip a number")
}

func TestAdjustStockRejectsOversellUnlessAllowed(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	exit := domain.StockMovement{
		ProductID:     "prod-leite",
		StoreID:       "loja-norte",
		Type:          domain.StockExit,
		Quantity:      101,
		ReferenceType: domain.RefManualAdjustment,
		ReferenceID:   "adj-1",
	}

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustStock(ctx, exit, false)
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var qty int
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		qty, err = tx.AdjustStock(ctx, exit, true)
		return err
	}))
	assert.Equal(t, -1, qty)

	replayed, count, err := s.ReplayStock(ctx, "prod-leite", "loja-norte")
	require.NoError(t, err)
	assert.Equal(t, -1, replayed)
	assert.Equal(t, 2, count)
}

func TestListStockMovementsNewestFirst(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, qty := range []int{5, 6, 7} {
			if _, err := tx.AdjustStock(ctx, domain.StockMovement{
				ProductID:     "prod-cafe",
				StoreID:       "loja-centro",
				Type:          domain.StockEntry,
				Quantity:      qty,
				ReferenceType: domain.RefManualAdjustment,
				ReferenceID:   "adj-order",
				CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			}, false); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := s.ListStockMovements(ctx, domain.StockMovementFilter{ReferenceID: "adj-order"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{7, 6, 5}, []int{all[0].Quantity, all[1].Quantity, all[2].Quantity})

	latest, err := s.ListStockMovements(ctx, domain.StockMovementFilter{ReferenceID: "adj-order", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 7, latest[0].Quantity)
	assert.Equal(t, 6, latest[1].Quantity)
}

func TestCashClosingIsUniquePerStoreDay(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	open := func(id string) error {
		return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertCashClosing(ctx, domain.CashClosing{
				ID:          id,
				StoreID:     "loja-centro",
				ClosingDate: "2026-03-10",
				Status:      domain.CashClosingOpen,
				OpenedBy:    "caixa",
				OpenedAt:    time.Now().UTC(),
			})
		})
	}

	require.NoError(t, open("cc-1"))
	require.ErrorIs(t, open("cc-2"), store.ErrAlreadyOpen)

	closing, err := s.GetCashClosingByDate(ctx, "loja-centro", "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, "cc-1", closing.ID)
}

func TestSeededStockMatchesReplay(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	for _, productID := range []string{"prod-arroz", "prod-feijao", "prod-cafe", "prod-sabao", "prod-leite"} {
		stock, err := s.GetProductStock(ctx, productID, "loja-centro")
		require.NoError(t, err)
		replayed, _, err := s.ReplayStock(ctx, productID, "loja-centro")
		require.NoError(t, err)
		assert.Equal(t, stock.Quantity, replayed, productID)
	}
}
