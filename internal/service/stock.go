package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/authz"
	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

// AdjustStock records a manual receipt (positive delta) or correction
// (negative delta) for one product in one store.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (domain.StockAdjustResponse, error) {
	actor, err := s.authorize(ctx, authz.Edit)
	if err != nil {
		return domain.StockAdjustResponse{}, err
	}
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if err := ValidateStoreID(req.StoreID); err != nil {
		return domain.StockAdjustResponse{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.StockAdjustResponse{}, err
	}
	if _, err := s.repo.GetStore(ctx, req.StoreID); err != nil {
		return domain.StockAdjustResponse{}, err
	}

	movement := domain.StockMovement{
		ID:            xid.New("mov"),
		ProductID:     req.ProductID,
		StoreID:       req.StoreID,
		Type:          domain.StockEntry,
		Quantity:      req.Delta,
		ReferenceType: domain.RefManualAdjustment,
		ReferenceID:   xid.New("adj"),
		CreatedBy:     actor.Username,
	}
	if req.Delta < 0 {
		movement.Type = domain.StockExit
		movement.Quantity = -req.Delta
	}

	var qty int
	err = s.withRetry(ctx, "adjust_stock", func(ctx context.Context) error {
		movement.CreatedAt = s.now()
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			qty, err = tx.AdjustStock(ctx, movement, s.opts.AllowNegativeStock)
			return err
		})
	})
	if err != nil {
		return domain.StockAdjustResponse{}, err
	}
	if qty < 0 {
		s.warnNegativeStock(movement.ProductID, movement.StoreID, qty, movement.ReferenceID)
	}

	s.logAudit(ctx, req.StoreID, "stock_adjust", "product", req.ProductID,
		fmt.Sprintf("delta=%d,new_qty=%d,reason=%s", req.Delta, qty, req.Reason))
	s.log.WithFields(logrus.Fields{
		"store_id":   req.StoreID,
		"product_id": req.ProductID,
		"delta":      req.Delta,
		"quantity":   qty,
	}).Info("stock adjusted")
	return domain.StockAdjustResponse{Movement: movement, NewQuantity: qty}, nil
}

// StockAudit compares the cached quantity with a replay of the movement log.
func (s *Service) StockAudit(ctx context.Context, storeID string, productID string) (domain.StockAudit, error) {
	if err := s.requireStockRead(ctx); err != nil {
		return domain.StockAudit{}, err
	}
	if err := ValidateStoreID(storeID); err != nil {
		return domain.StockAudit{}, err
	}

	audit := domain.StockAudit{ProductID: productID, StoreID: storeID}
	cached, err := s.repo.GetProductStock(ctx, productID, storeID)
	switch {
	case err == nil:
		audit.CachedQuantity = cached.Quantity
	case errors.Is(err, store.ErrNotFound):
	default:
		return domain.StockAudit{}, err
	}

	audit.ReplayedQuantity, audit.Movements, err = s.repo.ReplayStock(ctx, productID, storeID)
	if err != nil {
		return domain.StockAudit{}, err
	}
	audit.Consistent = audit.CachedQuantity == audit.ReplayedQuantity
	if !audit.Consistent {
		s.log.WithFields(logrus.Fields{
			"store_id":   storeID,
			"product_id": productID,
			"cached":     audit.CachedQuantity,
			"replayed":   audit.ReplayedQuantity,
		}).Error("stock cache diverged from movement log")
	}
	return audit, nil
}

func (s *Service) ListStockMovements(ctx context.Context, storeID string, productID string, limit int) ([]domain.StockMovement, error) {
	if err := s.requireStockRead(ctx); err != nil {
		return nil, err
	}
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, domain.StockMovementFilter{
		ProductID: productID,
		StoreID:   storeID,
		Limit:     limit,
	})
}

func (s *Service) requireStockRead(ctx context.Context) error {
	caps := CapabilitiesFromContext(ctx)
	if !caps.CanEdit() && !caps.CanViewReports() {
		return fmt.Errorf("%w: stock reads require edit or view_reports", store.ErrForbidden)
	}
	return nil
}
