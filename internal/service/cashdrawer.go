package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/authz"
	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/metrics"
	"retailpdv/backend/internal/pricing"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/xid"
)

// OpenCashDrawer starts the closing record for a store-day. There is at most
// one per (store, date).
func (s *Service) OpenCashDrawer(ctx context.Context, req domain.CashOpenRequest) (domain.CashClosing, error) {
	actor, err := s.authorize(ctx, authz.ManageCash)
	if err != nil {
		return domain.CashClosing{}, err
	}
	st, _, _, day, err := s.storeDay(ctx, strings.TrimSpace(req.StoreID), req.Date)
	if err != nil {
		return domain.CashClosing{}, err
	}

	closing := domain.CashClosing{
		ID:          xid.New("cls"),
		StoreID:     st.ID,
		ClosingDate: day,
		Status:      domain.CashClosingOpen,
		OpenedBy:    actor.Username,
		OpenedAt:    s.now(),
	}
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetCashClosingByDate(ctx, st.ID, day); err == nil {
			return store.ErrAlreadyOpen
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.InsertCashClosing(ctx, closing)
	})
	if err != nil {
		return domain.CashClosing{}, err
	}

	s.logAudit(ctx, st.ID, "cash_open", "cash_closing", closing.ID, "date="+day)
	s.log.WithFields(logrus.Fields{"store_id": st.ID, "date": day, "closing_id": closing.ID}).Info("cash drawer opened")
	return closing, nil
}

// RecordCashMovement registers a sangria (withdrawal) or suprimento (float
// added) against an open closing. Without ClosingID the store's closing for
// today is used.
func (s *Service) RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (domain.CashMovement, error) {
	actor, err := s.authorize(ctx, authz.ManageCash)
	if err != nil {
		return domain.CashMovement{}, err
	}
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.ClosingID = strings.TrimSpace(req.ClosingID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return domain.CashMovement{}, store.ErrReasonRequired
	}
	if err := s.validateStruct(req); err != nil {
		return domain.CashMovement{}, err
	}
	amount := pricing.Round(req.Amount)
	if !amount.IsPositive() {
		return domain.CashMovement{}, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}

	day := ""
	if req.ClosingID == "" {
		_, _, _, today, err := s.storeDay(ctx, req.StoreID, "")
		if err != nil {
			return domain.CashMovement{}, err
		}
		day = today
	}

	var movement domain.CashMovement
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var closing *domain.CashClosing
		var err error
		if req.ClosingID != "" {
			closing, err = tx.LockCashClosing(ctx, req.ClosingID)
		} else {
			closing, err = tx.LockCashClosingByDate(ctx, req.StoreID, day)
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotOpen
		}
		if err != nil {
			return err
		}
		if req.StoreID != "" && closing.StoreID != req.StoreID {
			return fmt.Errorf("%w: closing %s belongs to another store", store.ErrValidation, closing.ID)
		}
		if closing.Status != domain.CashClosingOpen {
			return fmt.Errorf("%w: closing %s is %s", store.ErrNotOpen, closing.ID, closing.Status)
		}

		movement = domain.CashMovement{
			ID:        xid.New("cmv"),
			StoreID:   closing.StoreID,
			ClosingID: closing.ID,
			Type:      req.Type,
			Amount:    amount,
			Reason:    req.Reason,
			CreatedBy: actor.Username,
			CreatedAt: s.now(),
		}
		day = closing.ClosingDate
		return tx.InsertCashMovement(ctx, movement)
	})
	if err != nil {
		return domain.CashMovement{}, err
	}

	s.invalidateSummaryDay(ctx, movement.StoreID, day)
	s.logAudit(ctx, movement.StoreID, "cash_movement", "cash_closing", movement.ClosingID,
		fmt.Sprintf("type=%s,amount=%s,reason=%s", movement.Type, movement.Amount.StringFixed(2), movement.Reason))
	return movement, nil
}

// CloseCashDrawer freezes expected totals, the counted amounts and the cash
// difference. Expected figures are aggregated inside the same unit of work.
func (s *Service) CloseCashDrawer(ctx context.Context, closingID string, req domain.CashCloseRequest) (domain.CashClosing, error) {
	actor, err := s.authorize(ctx, authz.ManageCash)
	if err != nil {
		return domain.CashClosing{}, err
	}
	closingID = strings.TrimSpace(closingID)
	if closingID == "" {
		return domain.CashClosing{}, fmt.Errorf("%w: closing id is required", store.ErrValidation)
	}
	if err := s.validateStruct(req); err != nil {
		return domain.CashClosing{}, err
	}
	counted := domain.CountedTotals{
		Cash: pricing.Round(req.Counted.Cash),
		Card: pricing.Round(req.Counted.Card),
		Pix:  pricing.Round(req.Counted.Pix),
	}
	if counted.Cash.IsNegative() || counted.Card.IsNegative() || counted.Pix.IsNegative() {
		return domain.CashClosing{}, fmt.Errorf("%w: counted amounts must not be negative", store.ErrValidation)
	}

	var closed domain.CashClosing
	err = s.withRetry(ctx, "close_cash", func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			closing, err := tx.LockCashClosing(ctx, closingID)
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrNotOpen
			}
			if err != nil {
				return err
			}
			if closing.Status == domain.CashClosingClosed {
				return store.ErrAlreadyClosed
			}

			st, err := tx.GetStore(ctx, closing.StoreID)
			if err != nil {
				return err
			}
			from, to, err := dayBounds(st.Location(), closing.ClosingDate)
			if err != nil {
				return err
			}
			summary, err := summarize(ctx, tx, st.ID, closing.ClosingDate, from, to)
			if err != nil {
				return err
			}

			now := s.now()
			closing.Status = domain.CashClosingClosed
			closing.Expected = domain.CashTotals{
				Cash:   summary.TotalCash,
				Card:   summary.TotalCard,
				Pix:    summary.TotalPix,
				Credit: summary.TotalCredit,
				Other:  summary.TotalOther,
			}
			closing.Counted = counted
			closing.Difference = pricing.Round(counted.Cash.Sub(summary.TotalCash))
			closing.SuprimentoTotal = summary.SuprimentoTotal
			closing.SangriaTotal = summary.SangriaTotal
			closing.Notes = strings.TrimSpace(req.Notes)
			closing.ClosedBy = actor.Username
			closing.ClosedAt = &now
			if err := tx.SaveCashClosing(ctx, *closing); err != nil {
				return err
			}
			closed = *closing
			return nil
		})
	})
	if err != nil {
		return domain.CashClosing{}, err
	}

	metrics.CashDifference.Observe(closed.Difference.InexactFloat64())
	s.logAudit(ctx, closed.StoreID, "cash_close", "cash_closing", closed.ID,
		fmt.Sprintf("expected_cash=%s,counted_cash=%s,difference=%s", closed.Expected.Cash.StringFixed(2),
			closed.Counted.Cash.StringFixed(2), closed.Difference.StringFixed(2)))

	entry := s.log.WithFields(logrus.Fields{
		"store_id":   closed.StoreID,
		"closing_id": closed.ID,
		"date":       closed.ClosingDate,
		"difference": closed.Difference.StringFixed(2),
	})
	if closed.Difference.IsZero() {
		entry.Info("cash drawer closed")
	} else {
		entry.Warn("cash drawer closed with difference")
	}
	return closed, nil
}

func (s *Service) GetCashClosing(ctx context.Context, storeID string, date string) (domain.CashClosing, error) {
	if err := s.requireCashRead(ctx); err != nil {
		return domain.CashClosing{}, err
	}
	_, _, _, day, err := s.storeDay(ctx, strings.TrimSpace(storeID), date)
	if err != nil {
		return domain.CashClosing{}, err
	}
	closing, err := s.repo.GetCashClosingByDate(ctx, storeID, day)
	if err != nil {
		return domain.CashClosing{}, err
	}
	return *closing, nil
}

func (s *Service) ListCashMovements(ctx context.Context, closingID string) ([]domain.CashMovement, error) {
	if err := s.requireCashRead(ctx); err != nil {
		return nil, err
	}
	closingID = strings.TrimSpace(closingID)
	if _, err := s.repo.GetCashClosing(ctx, closingID); err != nil {
		return nil, err
	}
	return s.repo.ListCashMovements(ctx, closingID)
}

func (s *Service) requireCashRead(ctx context.Context) error {
	caps := CapabilitiesFromContext(ctx)
	if !caps.CanManageCash() && !caps.CanViewReports() {
		return fmt.Errorf("%w: cash reads require manage_cash or view_reports", store.ErrForbidden)
	}
	return nil
}

// dayBounds returns [00:00, 24:00) of date in loc.
func dayBounds(loc *time.Location, date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	return day, day.AddDate(0, 0, 1), nil
}
