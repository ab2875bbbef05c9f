package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/authz"
	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/metrics"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

// CancelSale reverses a completed sale: every exit movement it made gets a
// matching entry and its receivables are voided. A second call fails with
// store.ErrAlreadyCancelled and changes nothing.
func (s *Service) CancelSale(ctx context.Context, saleID string, req domain.CancelSaleRequest) (domain.CancelSaleResponse, error) {
	actor, err := s.authorize(ctx, authz.CancelSale)
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}
	saleID = strings.TrimSpace(saleID)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.CancelSaleResponse{}, store.ErrReasonRequired
	}
	if saleID == "" {
		return domain.CancelSaleResponse{}, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}

	release, err := s.guard(ctx, "cancel:"+saleID)
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}
	defer release()

	var resp domain.CancelSaleResponse
	err = s.withRetry(ctx, "cancel_sale", func(ctx context.Context) error {
		resp = domain.CancelSaleResponse{RefundDue: decimal.Zero}
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			sale, err := tx.LockSale(ctx, saleID)
			if err != nil {
				return err
			}
			if sale.Status == domain.SaleStatusCancelled {
				return store.ErrAlreadyCancelled
			}

			now := s.now()
			if err := tx.MarkSaleCancelled(ctx, sale.ID, actor.Username, reason, now); err != nil {
				return err
			}

			exits, err := tx.ListStockMovements(ctx, domain.StockMovementFilter{
				StoreID:       sale.StoreID,
				ReferenceType: domain.RefSale,
				ReferenceID:   sale.ID,
				Type:          domain.StockExit,
			})
			if err != nil {
				return err
			}
			for _, exit := range exits {
				if _, err := tx.AdjustStock(ctx, domain.StockMovement{
					ID:            xid.New("mov"),
					ProductID:     exit.ProductID,
					StoreID:       exit.StoreID,
					Type:          domain.StockEntry,
					Quantity:      exit.Quantity,
					ReferenceType: domain.RefSaleCancellation,
					ReferenceID:   sale.ID,
					CreatedBy:     actor.Username,
					CreatedAt:     now,
				}, true); err != nil {
					return err
				}
				resp.RestockedItems += exit.Quantity
			}

			voided, err := tx.CancelReceivablesBySale(ctx, sale.ID, now)
			if err != nil {
				return err
			}
			for _, r := range voided {
				resp.RefundDue = resp.RefundDue.Add(r.PaidAmount)
			}
			resp.VoidedReceivables = len(voided)

			cancelled, err := tx.GetSale(ctx, sale.ID)
			if err != nil {
				return err
			}
			resp.Sale = *cancelled
			return nil
		})
	})
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}

	metrics.SalesCancelled.Inc()
	if st, err := s.repo.GetStore(ctx, resp.Sale.StoreID); err == nil {
		s.invalidateSummary(ctx, st, resp.Sale.CreatedAt)
	}
	s.logAudit(ctx, resp.Sale.StoreID, "sale_cancel", "sale", resp.Sale.ID,
		fmt.Sprintf("reason=%s,restocked=%d,refund_due=%s", reason, resp.RestockedItems, resp.RefundDue.StringFixed(2)))

	entry := s.log.WithFields(logrus.Fields{
		"store_id":  resp.Sale.StoreID,
		"sale_id":   resp.Sale.ID,
		"restocked": resp.RestockedItems,
	})
	if resp.RefundDue.IsPositive() {
		entry.WithField("refund_due", resp.RefundDue.StringFixed(2)).Warn("sale cancelled with paid credit to refund")
	} else {
		entry.Info("sale cancelled")
	}
	return resp, nil
}
