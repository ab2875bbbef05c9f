package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
)

func TestRecordReceivablePayment(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	sold, err := h.svc.FinalizeSale(ctx, domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-joao",
		Lines:           []domain.CartLine{line("prod-sabao", 4)},
		PaymentMethodID: "pm-crediario",
		CreditAmount:    money(t, "40.00"),
	})
	require.NoError(t, err)
	id := sold.Receivable.ID

	status, err := h.svc.AvailableCredit(ctx, "cli-joao")
	require.NoError(t, err)
	assert.True(t, status.Available.Equal(money(t, "10.00")))

	partial, err := h.svc.RecordReceivablePayment(ctx, id, domain.ReceivablePaymentRequest{Amount: money(t, "15.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.ReceivablePending, partial.Status)
	assert.True(t, partial.Outstanding().Equal(money(t, "25.00")))

	_, err = h.svc.RecordReceivablePayment(ctx, id, domain.ReceivablePaymentRequest{Amount: money(t, "25.01")})
	require.ErrorIs(t, err, store.ErrValidation)

	paid, err := h.svc.RecordReceivablePayment(ctx, id, domain.ReceivablePaymentRequest{Amount: money(t, "25.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.ReceivablePaid, paid.Status)

	_, err = h.svc.RecordReceivablePayment(ctx, id, domain.ReceivablePaymentRequest{Amount: money(t, "1.00")})
	require.ErrorIs(t, err, store.ErrValidation)

	status, err = h.svc.AvailableCredit(ctx, "cli-joao")
	require.NoError(t, err)
	assert.True(t, status.Used.IsZero())
	assert.True(t, status.Available.Equal(money(t, "50.00")))
}

func TestRecordReceivablePaymentValidation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	_, err := h.svc.RecordReceivablePayment(ctx, "ar-missing", domain.ReceivablePaymentRequest{Amount: money(t, "1.00")})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.RecordReceivablePayment(ctx, "ar-missing", domain.ReceivablePaymentRequest{Amount: money(t, "0")})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = h.svc.RecordReceivablePayment(asRole("viewer"), "ar-missing", domain.ReceivablePaymentRequest{Amount: money(t, "1.00")})
	require.ErrorIs(t, err, store.ErrForbidden)
}

func TestCreditNeverExceedsLimit(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	for i, credit := range []string{"20.00", "20.00", "20.00"} {
		_, err := h.svc.FinalizeSale(ctx, domain.FinalizeSaleRequest{
			StoreID:         testStore,
			CustomerID:      "cli-joao",
			Lines:           []domain.CartLine{line("prod-sabao", 2)},
			PaymentMethodID: "pm-crediario",
			CreditAmount:    money(t, credit),
		})
		if i < 2 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, store.ErrInsufficientCredit)
		}

		status, err := h.svc.AvailableCredit(ctx, "cli-joao")
		require.NoError(t, err)
		assert.True(t, status.Used.LessThanOrEqual(status.Limit))
		assert.False(t, status.Available.IsNegative())
	}
}

func TestAvailableCreditUnknownCustomer(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.AvailableCredit(asRole("cashier"), "cli-ninguem")
	require.ErrorIs(t, err, store.ErrNotFound)
}
