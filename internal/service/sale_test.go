package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/store/memory"
)

func TestFinalizeSaleLineDiscount(t *testing.T) {
	h := newHarness(t, Options{})

	resp, err := h.svc.FinalizeSale(asRole("cashier"), domain.FinalizeSaleRequest{
		StoreID:    testStore,
		CustomerID: "cli-consumidor",
		Lines: []domain.CartLine{{
			ProductID: "prod-sabao",
			Quantity:  2,
			UnitPrice: money(t, "10.00"),
			Discount:  domain.Discount{Type: domain.DiscountPercentage, Value: money(t, "10")},
		}},
		PaymentMethodID: "pm-dinheiro",
		AmountPaid:      money(t, "18.00"),
	})
	require.NoError(t, err)

	sale := resp.Sale
	require.Len(t, sale.Items, 1)
	assert.True(t, sale.Items[0].Total.Equal(money(t, "18.00")), "line total %s", sale.Items[0].Total)
	assert.True(t, sale.Total.Equal(money(t, "18.00")))
	assert.True(t, sale.Items[0].DiscountAmount.Equal(money(t, "2.00")), "line discount %s", sale.Items[0].DiscountAmount)
	assert.True(t, sale.Subtotal.Equal(money(t, "18.00")), "subtotal %s", sale.Subtotal)
	assert.True(t, sale.Discount.IsZero(), "order discount %s", sale.Discount)
	assert.Equal(t, "LC01-000001", sale.Number)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)
	assert.Equal(t, 1, sale.Installments)
	assert.NotEmpty(t, sale.IdempotencyKey)
	assert.Nil(t, resp.Receivable)
	assert.Equal(t, 98, stockOf(t, h.repo, "prod-sabao"))
}

func TestFinalizeSaleTotalsSplitIntoPaidAndCredit(t *testing.T) {
	h := newHarness(t, Options{})

	resp, err := h.svc.FinalizeSale(asRole("cashier"), domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-maria",
		Lines:           []domain.CartLine{line("prod-arroz", 2), line("prod-leite", 3)},
		GlobalDiscount:  domain.Discount{Type: domain.DiscountFixed, Value: money(t, "1.67")},
		PaymentMethodID: "pm-crediario",
		Payments:        []domain.PaymentAllocation{{PaymentMethodID: "pm-pix", Amount: money(t, "30.00")}},
		CreditAmount:    money(t, "40.00"),
		Installments:    3,
	})
	require.NoError(t, err)

	sale := resp.Sale
	// 2*27.90 + 3*5.29 - 1.67
	require.True(t, sale.Total.Equal(money(t, "70.00")), "total %s", sale.Total)
	assert.True(t, sale.Subtotal.Equal(money(t, "71.67")), "subtotal %s", sale.Subtotal)
	assert.True(t, sale.Discount.Equal(money(t, "1.67")), "order discount %s", sale.Discount)
	assert.True(t, sale.Subtotal.Sub(sale.Discount).Equal(sale.Total))
	assert.True(t, sale.AmountPaid.Add(sale.AmountCredit).Equal(sale.Total))
	assert.True(t, sale.ChangeAmount.IsZero())

	require.NotNil(t, resp.Receivable)
	assert.True(t, resp.Receivable.Amount.Equal(money(t, "40.00")))
	assert.Equal(t, domain.ReceivablePending, resp.Receivable.Status)
	assert.Equal(t, "2026-04-09", resp.Receivable.DueDate.Format("2006-01-02"))

	status, err := h.svc.AvailableCredit(asRole("cashier"), "cli-maria")
	require.NoError(t, err)
	assert.True(t, status.Used.Equal(money(t, "40.00")))
	assert.True(t, status.Available.Equal(money(t, "460.00")))
}

func TestFinalizeSaleInsufficientCreditLeavesNoTrace(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")

	// cli-joao has a 50.00 limit; take 15.00 first so 35.00 remains.
	_, err := h.svc.FinalizeSale(ctx, domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-joao",
		Lines:           []domain.CartLine{line("prod-sabao", 2)},
		PaymentMethodID: "pm-crediario",
		Payments:        []domain.PaymentAllocation{{PaymentMethodID: "pm-dinheiro", Amount: money(t, "5.00")}},
		CreditAmount:    money(t, "15.00"),
	})
	require.NoError(t, err)
	before := stockOf(t, h.repo, "prod-sabao")

	_, err = h.svc.FinalizeSale(ctx, domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-joao",
		Lines:           []domain.CartLine{line("prod-sabao", 10)},
		PaymentMethodID: "pm-crediario",
		Payments:        []domain.PaymentAllocation{{PaymentMethodID: "pm-dinheiro", Amount: money(t, "60.00")}},
		CreditAmount:    money(t, "40.00"),
		IdempotencyKey:  "idem-joao-2",
	})
	require.ErrorIs(t, err, store.ErrInsufficientCredit)

	assert.Equal(t, before, stockOf(t, h.repo, "prod-sabao"))
	status, err := h.svc.AvailableCredit(ctx, "cli-joao")
	require.NoError(t, err)
	assert.True(t, status.Available.Equal(money(t, "35.00")))

	_, err = h.repo.FindSaleByIdempotency(ctx, testStore, "idem-joao-2")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The failed attempt did not burn a sale number.
	next := cashSale(t, h, "idem-after-fail", "10.00", line("prod-sabao", 1))
	assert.Equal(t, "LC01-000002", next.Sale.Number)
}

func TestFinalizeSaleConcurrentCallsGetSequentialNumbers(t *testing.T) {
	h := newHarness(t, Options{})
	const workers = 8

	var wg sync.WaitGroup
	numbers := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.svc.FinalizeSale(asRole("cashier"), domain.FinalizeSaleRequest{
				StoreID:         testStore,
				CustomerID:      "cli-consumidor",
				Lines:           []domain.CartLine{line("prod-cafe", 1)},
				PaymentMethodID: "pm-pix",
				AmountPaid:      money(t, "18.50"),
				IdempotencyKey:  fmt.Sprintf("idem-concurrent-%d", i),
			})
			errs[i] = err
			numbers[i] = resp.Sale.Number
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Strings(numbers)
	for i, n := range numbers {
		assert.Equal(t, fmt.Sprintf("LC01-%06d", i+1), n)
	}
	assert.Equal(t, 100-workers, stockOf(t, h.repo, "prod-cafe"))
}

func TestFinalizeSaleIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})

	first := cashSale(t, h, "idem-repeat", "30.00", line("prod-arroz", 1))
	assert.False(t, first.Duplicate)
	assert.True(t, first.Sale.ChangeAmount.Equal(money(t, "2.10")))

	second := cashSale(t, h, "idem-repeat", "30.00", line("prod-arroz", 1))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sale.ID, second.Sale.ID)
	assert.Equal(t, first.Sale.Number, second.Sale.Number)
	assert.Equal(t, 99, stockOf(t, h.repo, "prod-arroz"))

	// Same key in another store is a different sale.
	other, err := h.svc.FinalizeSale(asRole("cashier"), domain.FinalizeSaleRequest{
		StoreID:         "loja-norte",
		CustomerID:      "cli-consumidor",
		Lines:           []domain.CartLine{line("prod-arroz", 1)},
		PaymentMethodID: "pm-dinheiro",
		AmountPaid:      money(t, "27.90"),
		IdempotencyKey:  "idem-repeat",
	})
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
	assert.Equal(t, "LN02-000001", other.Sale.Number)
}

// retiringRepo reports the named products and payment methods as inactive.
type retiringRepo struct {
	*memory.Store
	mu      sync.Mutex
	retired map[string]bool
}

func (r *retiringRepo) retire(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.retired[id] = true
	}
}

func (r *retiringRepo) isRetired(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired[id]
}

func (r *retiringRepo) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	products, err := r.Store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, p := range products {
		if r.isRetired(id) {
			p.Active = false
			products[id] = p
		}
	}
	return products, nil
}

func (r *retiringRepo) GetPaymentMethodsByIDs(ctx context.Context, ids []string) (map[string]domain.PaymentMethod, error) {
	methods, err := r.Store.GetPaymentMethodsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, pm := range methods {
		if r.isRetired(id) {
			pm.Active = false
			methods[id] = pm
		}
	}
	return methods, nil
}

func TestFinalizeSaleReplaysAfterCatalogChange(t *testing.T) {
	repo := &retiringRepo{Store: memory.NewSeeded(), retired: map[string]bool{}}
	svc := New(repo, nil, nil, nil, Options{})
	req := domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-consumidor",
		Lines:           []domain.CartLine{line("prod-arroz", 1)},
		PaymentMethodID: "pm-dinheiro",
		AmountPaid:      money(t, "30.00"),
		IdempotencyKey:  "idem-retired",
	}

	first, err := svc.FinalizeSale(asRole("cashier"), req)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	repo.retire("prod-arroz", "pm-dinheiro")

	again, err := svc.FinalizeSale(asRole("cashier"), req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Sale.ID, again.Sale.ID)
	assert.Equal(t, 99, stockOf(t, repo, "prod-arroz"))

	req.IdempotencyKey = "idem-retired-new"
	_, err = svc.FinalizeSale(asRole("cashier"), req)
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestFinalizeSaleSplitPaymentChangeComesFromCash(t *testing.T) {
	h := newHarness(t, Options{})

	resp, err := h.svc.FinalizeSale(asRole("cashier"), domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-consumidor",
		Lines:           []domain.CartLine{line("prod-cafe", 1), line("prod-feijao", 1)},
		PaymentMethodID: "pm-dinheiro",
		Payments: []domain.PaymentAllocation{
			{PaymentMethodID: "pm-pix", Amount: money(t, "10.00")},
			{PaymentMethodID: "pm-dinheiro", Amount: money(t, "20.00")},
		},
	})
	require.NoError(t, err)

	sale := resp.Sale
	require.True(t, sale.Total.Equal(money(t, "26.99")))
	assert.True(t, sale.ChangeAmount.Equal(money(t, "3.01")))
	assert.True(t, sale.AmountPaid.Equal(money(t, "26.99")))
	require.Len(t, sale.Payments, 2)
	assert.True(t, sale.Payments[0].Amount.Equal(money(t, "10.00")))
	assert.Equal(t, domain.PaymentCash, sale.Payments[1].Kind)
	assert.True(t, sale.Payments[1].Amount.Equal(money(t, "16.99")))
}

func TestFinalizeSaleRejectsInvalidPayments(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := asRole("cashier")
	base := domain.FinalizeSaleRequest{
		StoreID:         testStore,
		CustomerID:      "cli-consumidor",
		Lines:           []domain.CartLine{line("prod-arroz", 1)},
		PaymentMethodID: "pm-dinheiro",
	}

	cases := []struct {
		name   string
		mutate func(*domain.FinalizeSaleRequest)
		want   error
	}{
		{"short payment", func(r *domain.FinalizeSaleRequest) { r.AmountPaid = money(t, "27.88") }, store.ErrValidation},
		{"change from pix", func(r *domain.FinalizeSaleRequest) {
			r.PaymentMethodID = "pm-pix"
			r.AmountPaid = money(t, "30.00")
		}, store.ErrValidation},
		{"store credit as paid", func(r *domain.FinalizeSaleRequest) {
			r.Payments = []domain.PaymentAllocation{{PaymentMethodID: "pm-crediario", Amount: money(t, "27.90")}}
		}, store.ErrValidation},
		{"unknown method", func(r *domain.FinalizeSaleRequest) {
			r.PaymentMethodID = "pm-nope"
			r.AmountPaid = money(t, "27.90")
		}, store.ErrNotFound},
		{"negative credit", func(r *domain.FinalizeSaleRequest) {
			r.AmountPaid = money(t, "27.90")
			r.CreditAmount = money(t, "-1")
		}, store.ErrValidation},
		{"empty cart", func(r *domain.FinalizeSaleRequest) {
			r.Lines = nil
			r.AmountPaid = money(t, "27.90")
		}, store.ErrValidation},
		{"inactive product", func(r *domain.FinalizeSaleRequest) {
			r.Lines = []domain.CartLine{line("prod-descontinuado", 1)}
			r.AmountPaid = money(t, "100")
		}, store.ErrValidation},
		{"inactive customer", func(r *domain.FinalizeSaleRequest) {
			r.CustomerID = "cli-bloqueado"
			r.AmountPaid = money(t, "27.90")
		}, store.ErrValidation},
		{"missing store", func(r *domain.FinalizeSaleRequest) {
			r.StoreID = ""
			r.AmountPaid = money(t, "27.90")
		}, store.ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := h.svc.FinalizeSale(ctx, req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 100, stockOf(t, h.repo, "prod-arroz"))
}

func TestFinalizeSaleOversellPolicy(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		h := newHarness(t, Options{})
		_, err := h.svc.FinalizeSale(asRole("cashier"), domain.FinalizeSaleRequest{
			StoreID:         testStore,
			CustomerID:      "cli-consumidor",
			Lines:           []domain.CartLine{line("prod-leite", 60), line("prod-leite", 41)},
			PaymentMethodID: "pm-pix",
			AmountPaid:      money(t, "534.29"),
		})
		require.ErrorIs(t, err, store.ErrInsufficientStock)
		assert.Equal(t, 100, stockOf(t, h.repo, "prod-leite"))
	})

	t.Run("allowed with warning", func(t *testing.T) {
		h := newHarness(t, Options{AllowNegativeStock: true})
		_, err := h.svc.FinalizeSale(asRole("cashier"), domain.FinalizeSaleRequest{
			StoreID:         testStore,
			CustomerID:      "cli-consumidor",
			Lines:           []domain.CartLine{line("prod-leite", 101)},
			PaymentMethodID: "pm-pix",
			AmountPaid:      money(t, "534.29"),
		})
		require.NoError(t, err)
		assert.Equal(t, -1, stockOf(t, h.repo, "prod-leite"))

		warned := false
		for _, entry := range h.logs.AllEntries() {
			if entry.Message == "stock went negative" {
				warned = true
			}
		}
		assert.True(t, warned)
	})
}

func TestQuoteCartUsesCatalogPrices(t *testing.T) {
	h := newHarness(t, Options{})

	quote, err := h.svc.QuoteCart(asRole("cashier"), domain.Cart{
		Lines: []domain.CartLine{
			line("prod-arroz", 2),
			{ProductID: "prod-cafe", Quantity: 1, UnitPrice: money(t, "15.00")},
		},
		GlobalDiscount: domain.Discount{Type: domain.DiscountPercentage, Value: money(t, "10")},
	})
	require.NoError(t, err)
	assert.True(t, quote.Subtotal.Equal(money(t, "70.80")))
	assert.True(t, quote.GlobalDiscountAmount.Equal(money(t, "7.08")))
	assert.True(t, quote.Total.Equal(money(t, "63.72")))
	assert.Equal(t, 100, stockOf(t, h.repo, "prod-arroz"))
}

func TestGetSale(t *testing.T) {
	h := newHarness(t, Options{})
	created := cashSale(t, h, "idem-get", "8.49", line("prod-feijao", 1))

	got, err := h.svc.GetSale(asRole("viewer"), created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Sale.Number, got.Number)
	assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), got.CreatedAt)

	_, err = h.svc.GetSale(asRole("viewer"), "sale-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
