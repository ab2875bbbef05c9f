package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/authz"
	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/metrics"
	"retailpdv/backend/internal/pricing"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

// QuoteCart prices a cart without touching stock or credit. Lines without a
// unit price take the catalog price.
func (s *Service) QuoteCart(ctx context.Context, cart domain.Cart) (domain.CartQuote, error) {
	if _, err := s.authorize(ctx, authz.Sell); err != nil {
		return domain.CartQuote{}, err
	}
	if err := s.validateStruct(cart); err != nil {
		return domain.CartQuote{}, err
	}
	lines, err := s.priceLines(ctx, cart.Lines)
	if err != nil {
		return domain.CartQuote{}, err
	}
	cart.Lines = lines
	quote, err := pricing.QuoteCart(cart)
	if err != nil {
		return domain.CartQuote{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return quote, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	caps := CapabilitiesFromContext(ctx)
	if !caps.CanSell() && !caps.CanViewReports() {
		return domain.Sale{}, fmt.Errorf("%w: sale lookup requires sell or view_reports", store.ErrForbidden)
	}
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// FinalizeSale commits a sale as one unit of work: number allocation, credit
// reservation, sale rows, stock decrements and the receivable.
func (s *Service) FinalizeSale(ctx context.Context, req domain.FinalizeSaleRequest) (domain.FinalizeSaleResponse, error) {
	actor, err := s.authorize(ctx, authz.Sell)
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}

	resp, err := s.finalizeSale(ctx, actor, req)
	if err != nil {
		metrics.FinalizeFailures.WithLabelValues(failureReason(err)).Inc()
		s.log.WithFields(logrus.Fields{
			"store_id":        req.StoreID,
			"customer_id":     req.CustomerID,
			"idempotency_key": req.IdempotencyKey,
			"reason":          failureReason(err),
		}).WithError(err).Warn("sale not finalized")
		return domain.FinalizeSaleResponse{}, err
	}
	return resp, nil
}

func (s *Service) finalizeSale(ctx context.Context, actor domain.Actor, req domain.FinalizeSaleRequest) (domain.FinalizeSaleResponse, error) {
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	clientKey := req.IdempotencyKey != ""
	if !clientKey {
		req.IdempotencyKey = xid.New("idem")
	}
	if req.Installments == 0 {
		req.Installments = 1
	}
	if err := ValidateStoreID(req.StoreID); err != nil {
		return domain.FinalizeSaleResponse{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.FinalizeSaleResponse{}, err
	}
	if req.AmountPaid.IsNegative() || req.CreditAmount.IsNegative() {
		return domain.FinalizeSaleResponse{}, fmt.Errorf("%w: amounts must not be negative", store.ErrValidation)
	}

	// A retried request gets the committed sale back even if the catalog or
	// the customer changed since.
	if clientKey {
		replayed, ok, err := replaySale(ctx, s.repo, req.StoreID, req.IdempotencyKey)
		if err != nil {
			return domain.FinalizeSaleResponse{}, err
		}
		if ok {
			return replayed, nil
		}
	}

	st, err := s.repo.GetStore(ctx, req.StoreID)
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}
	customer, err := s.repo.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}
	if !customer.Active {
		return domain.FinalizeSaleResponse{}, fmt.Errorf("%w: customer %s is inactive", store.ErrValidation, customer.ID)
	}

	lines, err := s.priceLines(ctx, req.Lines)
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}
	quote, err := pricing.QuoteCart(domain.Cart{Lines: lines, GlobalDiscount: req.GlobalDiscount, CustomerID: customer.ID})
	if err != nil {
		return domain.FinalizeSaleResponse{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}

	settlement, err := s.settle(ctx, req, quote.Total)
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}

	release, err := s.guard(ctx, fmt.Sprintf("finalize:%s:%s", req.StoreID, req.IdempotencyKey))
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}
	defer release()

	var resp domain.FinalizeSaleResponse
	err = s.withRetry(ctx, "finalize_sale", func(ctx context.Context) error {
		resp = domain.FinalizeSaleResponse{}
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			replayed, ok, err := replaySale(ctx, tx, req.StoreID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				resp = replayed
				return nil
			}

			seq, err := tx.NextSaleNumber(ctx, st.ID)
			if err != nil {
				return err
			}

			if settlement.credit.IsPositive() {
				status, err := tx.LockCustomerCredit(ctx, customer.ID)
				if err != nil {
					return err
				}
				if settlement.credit.GreaterThan(status.Available) {
					return fmt.Errorf("%w: requested %s, available %s", store.ErrInsufficientCredit,
						settlement.credit.StringFixed(2), status.Available.StringFixed(2))
				}
			}

			now := s.now()
			sale := domain.Sale{
				ID:              xid.New("sale"),
				Number:          fmt.Sprintf("%s-%06d", st.Code, seq),
				StoreID:         st.ID,
				CustomerID:      customer.ID,
				Subtotal:        quote.Subtotal,
				Discount:        quote.Subtotal.Sub(quote.Total),
				Total:           quote.Total,
				AmountPaid:      settlement.paid,
				AmountCredit:    settlement.credit,
				ChangeAmount:    settlement.change,
				Status:          domain.SaleStatusCompleted,
				PaymentMethodID: req.PaymentMethodID,
				Installments:    req.Installments,
				IdempotencyKey:  req.IdempotencyKey,
				CreatedBy:       actor.Username,
				CreatedAt:       now,
			}
			for _, line := range quote.Lines {
				sale.Items = append(sale.Items, domain.SaleItem{
					ID:             xid.New("item"),
					SaleID:         sale.ID,
					ProductID:      line.ProductID,
					Quantity:       line.Quantity,
					UnitPrice:      line.UnitPrice,
					DiscountAmount: line.DiscountAmount,
					Total:          line.Total,
				})
			}
			for _, p := range settlement.payments {
				p.ID = xid.New("pay")
				p.SaleID = sale.ID
				sale.Payments = append(sale.Payments, p)
			}

			if err := tx.InsertSale(ctx, sale); err != nil {
				return err
			}

			for _, item := range sale.Items {
				qty, err := tx.AdjustStock(ctx, domain.StockMovement{
					ID:            xid.New("mov"),
					ProductID:     item.ProductID,
					StoreID:       sale.StoreID,
					Type:          domain.StockExit,
					Quantity:      item.Quantity,
					ReferenceType: domain.RefSale,
					ReferenceID:   sale.ID,
					CreatedBy:     actor.Username,
					CreatedAt:     now,
				}, s.opts.AllowNegativeStock)
				if err != nil {
					return err
				}
				if qty < 0 {
					s.warnNegativeStock(item.ProductID, sale.StoreID, qty, sale.ID)
				}
			}

			resp.Sale = sale
			if settlement.credit.IsPositive() {
				receivable := domain.AccountReceivable{
					ID:         xid.New("ar"),
					SaleID:     sale.ID,
					CustomerID: customer.ID,
					StoreID:    sale.StoreID,
					Amount:     settlement.credit,
					PaidAmount: decimal.Zero,
					Status:     domain.ReceivablePending,
					DueDate:    dueDate(now, st.Location(), s.opts.ReceivableDueDays),
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := tx.InsertReceivable(ctx, receivable); err != nil {
					return err
				}
				resp.Receivable = &receivable
			}
			return nil
		})
	})
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}
	if resp.Duplicate {
		return resp, nil
	}

	metrics.SalesFinalized.WithLabelValues(fmt.Sprintf("%t", resp.Sale.AmountCredit.IsPositive())).Inc()
	s.invalidateSummary(ctx, st, resp.Sale.CreatedAt)
	s.logAudit(ctx, st.ID, "sale_finalize", "sale", resp.Sale.ID,
		fmt.Sprintf("number=%s,total=%s,paid=%s,credit=%s", resp.Sale.Number, resp.Sale.Total.StringFixed(2),
			resp.Sale.AmountPaid.StringFixed(2), resp.Sale.AmountCredit.StringFixed(2)))
	s.log.WithFields(logrus.Fields{
		"store_id": st.ID,
		"sale_id":  resp.Sale.ID,
		"number":   resp.Sale.Number,
		"total":    resp.Sale.Total.StringFixed(2),
	}).Info("sale finalized")
	return resp, nil
}

// replaySale loads the sale already committed under key, if any.
func replaySale(ctx context.Context, r store.Reader, storeID string, key string) (domain.FinalizeSaleResponse, bool, error) {
	existing, err := r.FindSaleByIdempotency(ctx, storeID, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.FinalizeSaleResponse{}, false, nil
	}
	if err != nil {
		return domain.FinalizeSaleResponse{}, false, err
	}
	receivables, err := r.ListReceivablesBySale(ctx, existing.ID)
	if err != nil {
		return domain.FinalizeSaleResponse{}, false, err
	}
	resp := domain.FinalizeSaleResponse{Sale: *existing, Duplicate: true}
	if len(receivables) > 0 {
		resp.Receivable = &receivables[0]
	}
	return resp, true, nil
}

type settlement struct {
	paid     decimal.Decimal
	credit   decimal.Decimal
	change   decimal.Decimal
	payments []domain.SalePayment
}

// settle checks that payments plus credit cover total and works out change.
// Change only ever comes out of cash allocations, which are stored net of it.
func (s *Service) settle(ctx context.Context, req domain.FinalizeSaleRequest, total decimal.Decimal) (settlement, error) {
	allocations := req.Payments
	if len(allocations) == 0 && req.AmountPaid.IsPositive() {
		allocations = []domain.PaymentAllocation{{PaymentMethodID: req.PaymentMethodID, Amount: req.AmountPaid}}
	}

	ids := []string{req.PaymentMethodID}
	for _, a := range allocations {
		ids = append(ids, a.PaymentMethodID)
	}
	methods, err := s.repo.GetPaymentMethodsByIDs(ctx, ids)
	if err != nil {
		return settlement{}, err
	}
	for _, id := range ids {
		pm, ok := methods[id]
		if !ok {
			return settlement{}, fmt.Errorf("%w: payment method %s", store.ErrNotFound, id)
		}
		if !pm.Active {
			return settlement{}, fmt.Errorf("%w: payment method %s is inactive", store.ErrValidation, id)
		}
	}

	credit := pricing.Round(req.CreditAmount)
	if credit.GreaterThan(total.Add(pricing.Epsilon)) {
		return settlement{}, fmt.Errorf("%w: credit amount exceeds total", store.ErrValidation)
	}

	received, cashReceived := decimal.Zero, decimal.Zero
	payments := make([]domain.SalePayment, 0, len(allocations))
	for _, a := range allocations {
		amount := pricing.Round(a.Amount)
		if !amount.IsPositive() {
			return settlement{}, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
		}
		pm := methods[a.PaymentMethodID]
		if pm.Kind == domain.PaymentStoreCredit {
			return settlement{}, fmt.Errorf("%w: store credit is settled through credit_amount", store.ErrValidation)
		}
		received = received.Add(amount)
		if pm.Kind == domain.PaymentCash {
			cashReceived = cashReceived.Add(amount)
		}
		payments = append(payments, domain.SalePayment{PaymentMethodID: pm.ID, Kind: pm.Kind, Amount: amount})
	}

	if !pricing.Covers(received.Add(credit), total) {
		return settlement{}, fmt.Errorf("%w: paid %s plus credit %s does not cover total %s", store.ErrValidation,
			received.StringFixed(2), credit.StringFixed(2), total.StringFixed(2))
	}

	owed := decimal.Max(decimal.Zero, total.Sub(credit))
	change := decimal.Max(decimal.Zero, received.Sub(owed))
	if change.GreaterThan(cashReceived) {
		return settlement{}, fmt.Errorf("%w: only cash payments can give change", store.ErrValidation)
	}

	remaining := change
	for i := range payments {
		if !remaining.IsPositive() {
			break
		}
		if payments[i].Kind != domain.PaymentCash {
			continue
		}
		take := decimal.Min(remaining, payments[i].Amount)
		payments[i].Amount = payments[i].Amount.Sub(take)
		remaining = remaining.Sub(take)
	}

	return settlement{
		paid:     received.Sub(change),
		credit:   credit,
		change:   change,
		payments: payments,
	}, nil
}

// priceLines checks every product exists and is active and fills in catalog
// prices for lines that carry none.
func (s *Service) priceLines(ctx context.Context, lines []domain.CartLine) ([]domain.CartLine, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, strings.TrimSpace(line.ProductID))
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	priced := make([]domain.CartLine, 0, len(lines))
	for i, line := range lines {
		line.ProductID = ids[i]
		product, ok := products[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", store.ErrValidation, product.ID)
		}
		if line.UnitPrice.IsZero() {
			line.UnitPrice = product.Price
		}
		priced = append(priced, line)
	}
	return priced, nil
}

func (s *Service) warnNegativeStock(productID string, storeID string, qty int, referenceID string) {
	metrics.NegativeStock.Inc()
	s.log.WithFields(logrus.Fields{
		"product_id":   productID,
		"store_id":     storeID,
		"quantity":     qty,
		"reference_id": referenceID,
	}).Warn("stock went negative")
}

// dueDate is the store-local calendar date days after at.
func dueDate(at time.Time, loc *time.Location, days int) time.Time {
	local := at.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+days, 0, 0, 0, 0, loc)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrRollbackFailed):
		return "rollback_failed"
	case errors.Is(err, store.ErrConcurrencyConflict):
		return "concurrency"
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrForbidden):
		return "forbidden"
	default:
		return "other"
	}
}
