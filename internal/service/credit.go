package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/authz"
	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/pricing"
	"retailpdv/backend/internal/store"
)

// AvailableCredit reports limit, outstanding receivables and what is left.
func (s *Service) AvailableCredit(ctx context.Context, customerID string) (domain.CreditStatus, error) {
	caps := CapabilitiesFromContext(ctx)
	if !caps.CanSell() && !caps.CanViewReports() {
		return domain.CreditStatus{}, fmt.Errorf("%w: credit lookup requires sell or view_reports", store.ErrForbidden)
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CreditStatus{}, fmt.Errorf("%w: customer_id is required", store.ErrValidation)
	}
	return s.repo.GetCreditStatus(ctx, customerID)
}

// RecordReceivablePayment settles part or all of a pending receivable, which
// frees the same amount of the customer's credit.
func (s *Service) RecordReceivablePayment(ctx context.Context, receivableID string, req domain.ReceivablePaymentRequest) (domain.AccountReceivable, error) {
	if _, err := s.authorize(ctx, authz.ManageCash); err != nil {
		return domain.AccountReceivable{}, err
	}
	receivableID = strings.TrimSpace(receivableID)
	amount := pricing.Round(req.Amount)
	if receivableID == "" || !amount.IsPositive() {
		return domain.AccountReceivable{}, fmt.Errorf("%w: receivable id and a positive amount are required", store.ErrValidation)
	}

	var updated domain.AccountReceivable
	err := s.withRetry(ctx, "receivable_payment", func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			r, err := tx.LockReceivable(ctx, receivableID)
			if err != nil {
				return err
			}
			switch r.Status {
			case domain.ReceivableCancelled:
				return fmt.Errorf("%w: receivable %s is cancelled", store.ErrValidation, r.ID)
			case domain.ReceivablePaid:
				return fmt.Errorf("%w: receivable %s is already paid", store.ErrValidation, r.ID)
			}

			paid := r.PaidAmount.Add(amount)
			if paid.GreaterThan(r.Amount) {
				return fmt.Errorf("%w: payment %s exceeds outstanding %s", store.ErrValidation,
					amount.StringFixed(2), r.Outstanding().StringFixed(2))
			}
			if paid.Equal(r.Amount) {
				r.Status = domain.ReceivablePaid
			}
			r.PaidAmount = paid
			r.UpdatedAt = s.now()
			if err := tx.UpdateReceivable(ctx, *r); err != nil {
				return err
			}
			updated = *r
			return nil
		})
	})
	if err != nil {
		return domain.AccountReceivable{}, err
	}

	s.logAudit(ctx, updated.StoreID, "receivable_payment", "receivable", updated.ID,
		fmt.Sprintf("amount=%s,paid=%s,status=%s", amount.StringFixed(2), updated.PaidAmount.StringFixed(2), updated.Status))
	s.log.WithFields(logrus.Fields{
		"receivable_id": updated.ID,
		"customer_id":   updated.CustomerID,
		"status":        updated.Status,
	}).Info("receivable payment recorded")
	return updated, nil
}
