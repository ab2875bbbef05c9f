package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
)

func TestCancelSaleRestoresStock(t *testing.T) {
	h := newHarness(t, Options{})
	before := stockOf(t, h.repo, "prod-arroz")

	sold := cashSale(t, h, "idem-cancel", "83.70", line("prod-arroz", 3))
	require.Equal(t, before-3, stockOf(t, h.repo, "prod-arroz"))

	resp, err := h.svc.CancelSale(asRole("manager"), sold.Sale.ID, domain.CancelSaleRequest{Reason: "cliente desistiu"})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, resp.Sale.Status)
	assert.Equal(t, "user-manager", resp.Sale.CancelledBy)
	assert.Equal(t, "cliente desistiu", resp.Sale.CancelReason)
	require.NotNil(t, resp.Sale.CancelledAt)
	assert.Equal(t, 3, resp.RestockedItems)
	assert.Equal(t, before, stockOf(t, h.repo, "prod-arroz"))

	reversals, err := h.repo.ListStockMovements(asRole("manager"), domain.StockMovementFilter{
		StoreID:       testStore,
		ReferenceType: domain.RefSaleCancellation,
		ReferenceID:   sold.Sale.ID,
	})
	require.NoError(t, err)
	require.Len(t, reversals, 1)
	assert.Equal(t, domain.StockEntry, reversals[0].Type)
	assert.Equal(t, 3, reversals[0].Quantity)

	audit, err := h.svc.StockAudit(asRole("manager"), testStore, "prod-arroz")
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
}

func TestCancelSaleTwiceReversesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	sold := cashSale(t, h, "idem-cancel-twice", "37.00", line("prod-cafe", 2))
	ctx := asRole("admin")

	_, err := h.svc.CancelSale(ctx, sold.Sale.ID, domain.CancelSaleRequest{Reason: "erro de digitacao"})
	require.NoError(t, err)
	afterFirst := stockOf(t, h.repo, "prod-cafe")

	_, err = h.svc.CancelSale(ctx, sold.Sale.ID, domain.CancelSaleRequest{Reason: "de novo"})
	require.ErrorIs(t, err, store.ErrAlreadyCancelled)
	assert.Equal(t, afterFirst, stockOf(t, h.repo, "prod-cafe"))

	sale, err := h.svc.GetSale(ctx, sold.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "erro de digitacao", sale.CancelReason)
}

func TestCancelSaleRequiresReason(t *testing.T) {
	h := newHarness(t, Options{})
	sold := cashSale(t, h, "idem-no-reason", "27.90", line("prod-arroz", 1))

	_, err := h.svc.CancelSale(asRole("manager"), sold.Sale.ID, domain.CancelSaleRequest{Reason: "   "})
	require.ErrorIs(t, err, store.ErrReasonRequired)

	sale, err := h.svc.GetSale(asRole("manager"), sold.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)

	_, err = h.svc.CancelSale(asRole("manager"), "sale-missing", domain.CancelSaleRequest{Reason: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelCreditSaleVoidsReceivableAndReportsRefund(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("manager")

	sold, err := h.svc.FinalizeSale(ctx, domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-maria",
		Lines:           []domain.CartLine{line("prod-sabao", 10)},
		PaymentMethodID: "pm-crediario",
		CreditAmount:    money(t, "100.00"),
	})
	require.NoError(t, err)
	require.NotNil(t, sold.Receivable)

	_, err = h.svc.RecordReceivablePayment(ctx, sold.Receivable.ID, domain.ReceivablePaymentRequest{Amount: money(t, "30.00")})
	require.NoError(t, err)

	resp, err := h.svc.CancelSale(ctx, sold.Sale.ID, domain.CancelSaleRequest{Reason: "devolucao"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.VoidedReceivables)
	assert.True(t, resp.RefundDue.Equal(money(t, "30.00")))

	r, err := h.repo.GetReceivable(ctx, sold.Receivable.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceivableCancelled, r.Status)

	status, err := h.svc.AvailableCredit(ctx, "cli-maria")
	require.NoError(t, err)
	assert.True(t, status.Used.IsZero())
	assert.True(t, status.Available.Equal(money(t, "500.00")))
}
