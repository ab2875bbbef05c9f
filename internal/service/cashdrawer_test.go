package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
)

func TestCashClosingDifferenceExcludesMovements(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	closing, err := h.svc.OpenCashDrawer(ctx, domain.CashOpenRequest{StoreID: testStore, Date: "2026-03-10"})
	require.NoError(t, err)
	assert.Equal(t, domain.CashClosingOpen, closing.Status)

	_, err = h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		StoreID: testStore,
		Type:    domain.CashSuprimento,
		Amount:  money(t, "50.00"),
		Reason:  "troco inicial",
	})
	require.NoError(t, err)

	cashSale(t, h, "idem-c1", "20.00", line("prod-cafe", 1))

	summary, err := h.svc.DailySummary(ctx, testStore, "2026-03-10")
	require.NoError(t, err)
	expected := summary.TotalCash
	require.True(t, expected.Equal(money(t, "18.50")))

	closed, err := h.svc.CloseCashDrawer(ctx, closing.ID, domain.CashCloseRequest{
		Counted: domain.CountedTotals{Cash: expected.Add(money(t, "50.00"))},
		Notes:   "fechamento",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CashClosingClosed, closed.Status)
	assert.True(t, closed.Expected.Cash.Equal(money(t, "18.50")))
	assert.True(t, closed.Difference.Equal(money(t, "50.00")), "difference %s", closed.Difference)
	assert.True(t, closed.SuprimentoTotal.Equal(money(t, "50.00")))
	assert.True(t, closed.SangriaTotal.IsZero())
	assert.Equal(t, "user-cashier", closed.ClosedBy)
	require.NotNil(t, closed.ClosedAt)
}

func TestCloseCashDrawerTwice(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	closing, err := h.svc.OpenCashDrawer(ctx, domain.CashOpenRequest{StoreID: testStore})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", closing.ClosingDate)

	first, err := h.svc.CloseCashDrawer(ctx, closing.ID, domain.CashCloseRequest{})
	require.NoError(t, err)

	_, err = h.svc.CloseCashDrawer(ctx, closing.ID, domain.CashCloseRequest{
		Counted: domain.CountedTotals{Cash: money(t, "999.00")},
	})
	require.ErrorIs(t, err, store.ErrAlreadyClosed)

	stored, err := h.svc.GetCashClosing(ctx, testStore, "2026-03-10")
	require.NoError(t, err)
	assert.True(t, stored.Counted.Cash.Equal(first.Counted.Cash))
	assert.True(t, stored.Difference.Equal(first.Difference))
}

func TestCashDrawerStateGuards(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	_, err := h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		StoreID: testStore, Type: domain.CashSangria, Amount: money(t, "10.00"), Reason: "deposito",
	})
	require.ErrorIs(t, err, store.ErrNotOpen)

	_, err = h.svc.CloseCashDrawer(ctx, "cls-missing", domain.CashCloseRequest{})
	require.ErrorIs(t, err, store.ErrNotOpen)

	closing, err := h.svc.OpenCashDrawer(ctx, domain.CashOpenRequest{StoreID: testStore})
	require.NoError(t, err)

	_, err = h.svc.OpenCashDrawer(ctx, domain.CashOpenRequest{StoreID: testStore, Date: "2026-03-10"})
	require.ErrorIs(t, err, store.ErrAlreadyOpen)

	_, err = h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		ClosingID: closing.ID, Type: domain.CashSangria, Amount: money(t, "10.00"), Reason: " ",
	})
	require.ErrorIs(t, err, store.ErrReasonRequired)

	_, err = h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		ClosingID: closing.ID, Type: domain.CashSangria, Amount: money(t, "0"), Reason: "deposito",
	})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		ClosingID: closing.ID, Type: "estorno", Amount: money(t, "5.00"), Reason: "deposito",
	})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		StoreID: "loja-norte", ClosingID: closing.ID, Type: domain.CashSangria, Amount: money(t, "5.00"), Reason: "deposito",
	})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		ClosingID: closing.ID, Type: domain.CashSangria, Amount: money(t, "10.00"), Reason: "deposito",
	})
	require.NoError(t, err)

	_, err = h.svc.CloseCashDrawer(ctx, closing.ID, domain.CashCloseRequest{})
	require.NoError(t, err)

	_, err = h.svc.RecordCashMovement(ctx, domain.CashMovementRequest{
		ClosingID: closing.ID, Type: domain.CashSangria, Amount: money(t, "10.00"), Reason: "tarde demais",
	})
	require.ErrorIs(t, err, store.ErrNotOpen)

	movements, err := h.svc.ListCashMovements(asRole("viewer"), closing.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.CashSangria, movements[0].Type)

	// A new day gets its own closing.
	_, err = h.svc.OpenCashDrawer(ctx, domain.CashOpenRequest{StoreID: testStore, Date: "2026-03-11"})
	require.NoError(t, err)
}

func TestCashClosingUsesStoreLocalDay(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	closing, err := h.svc.OpenCashDrawer(ctx, domain.CashOpenRequest{StoreID: testStore, Date: "2026-03-10"})
	require.NoError(t, err)

	// 23:30 local on the 10th is already the 11th in UTC.
	h.clock.Set(h.clock.Now().Add(11*time.Hour + 30*time.Minute))
	cashSale(t, h, "idem-late", "8.49", line("prod-feijao", 1))

	// 00:30 local on the 11th belongs to the next day.
	h.clock.Set(h.clock.Now().Add(time.Hour))
	cashSale(t, h, "idem-next-day", "5.29", line("prod-leite", 1))

	closed, err := h.svc.CloseCashDrawer(ctx, closing.ID, domain.CashCloseRequest{
		Counted: domain.CountedTotals{Cash: money(t, "8.49")},
	})
	require.NoError(t, err)
	assert.True(t, closed.Expected.Cash.Equal(money(t, "8.49")))
	assert.True(t, closed.Difference.IsZero())
}
