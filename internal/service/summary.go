package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"retailpdv/backend/internal/cache"
	"retailpdv/backend/internal/domain"
	"retailpdv/backend/internal/metrics"
	"retailpdv/backend/internal/pricing"
	"retailpdv/backend/internal/store"
)

// DailySummary totals a store's completed sales for one store-local day.
// Results are cached briefly; cash closing computes its own figures.
func (s *Service) DailySummary(ctx context.Context, storeID string, date string) (domain.DailySummary, error) {
	caps := CapabilitiesFromContext(ctx)
	if !caps.CanViewReports() && !caps.CanManageCash() {
		return domain.DailySummary{}, fmt.Errorf("%w: summary requires view_reports or manage_cash", store.ErrForbidden)
	}
	_, from, to, day, err := s.storeDay(ctx, storeID, date)
	if err != nil {
		return domain.DailySummary{}, err
	}

	key := cache.SummaryKey(storeID, day)
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.WithField("key", key).WithError(err).Warn("summary cache read failed")
	} else if ok {
		metrics.SummaryCache.WithLabelValues("hit").Inc()
		return *cached, nil
	}
	metrics.SummaryCache.WithLabelValues("miss").Inc()

	// The load is shared by every caller waiting on key, so it must not die
	// with whichever request started it.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		gen := s.summaryGen(key)
		summary, err := summarize(loadCtx, s.repo, storeID, day, from, to)
		if err != nil {
			return nil, err
		}
		if s.opts.SummaryCacheTTL > 0 {
			if err := s.cache.Set(loadCtx, key, &summary, s.opts.SummaryCacheTTL); err != nil {
				s.log.WithField("key", key).WithError(err).Warn("summary cache write failed")
			}
			if s.summaryGen(key) != gen {
				s.dropSummary(loadCtx, key)
			}
		}
		return summary, nil
	})
	if err != nil {
		return domain.DailySummary{}, err
	}
	return v.(domain.DailySummary), nil
}

// summarize reads through r, so a closing can aggregate inside its own unit
// of work.
func summarize(ctx context.Context, r store.Reader, storeID string, day string, from time.Time, to time.Time) (domain.DailySummary, error) {
	summary, err := r.SalesSummary(ctx, storeID, from, to)
	if err != nil {
		return domain.DailySummary{}, err
	}
	summary.StoreID = storeID
	summary.Date = day
	summary.SuprimentoTotal = decimal.Zero
	summary.SangriaTotal = decimal.Zero

	closing, err := r.GetCashClosingByDate(ctx, storeID, day)
	switch {
	case err == nil:
		summary.SuprimentoTotal, summary.SangriaTotal, err = r.CashMovementTotals(ctx, closing.ID)
		if err != nil {
			return domain.DailySummary{}, err
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return domain.DailySummary{}, err
	}

	summary.TotalSales = pricing.Round(summary.TotalSales)
	summary.TotalCash = pricing.Round(summary.TotalCash)
	summary.TotalCard = pricing.Round(summary.TotalCard)
	summary.TotalPix = pricing.Round(summary.TotalPix)
	summary.TotalCredit = pricing.Round(summary.TotalCredit)
	summary.TotalOther = pricing.Round(summary.TotalOther)
	summary.DrawerCash = pricing.Round(summary.TotalCash.Add(summary.SuprimentoTotal).Sub(summary.SangriaTotal))
	return summary, nil
}

func (s *Service) invalidateSummary(ctx context.Context, st *domain.Store, at time.Time) {
	s.invalidateSummaryDay(ctx, st.ID, at.In(st.Location()).Format("2006-01-02"))
}

func (s *Service) invalidateSummaryDay(ctx context.Context, storeID string, day string) {
	key := cache.SummaryKey(storeID, day)
	s.genMu.Lock()
	s.summaryGens[key]++
	s.genMu.Unlock()
	s.loads.Forget(key)
	s.dropSummary(ctx, key)
}

func (s *Service) summaryGen(key string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.summaryGens[key]
}

func (s *Service) dropSummary(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.WithField("key", key).WithError(err).Warn("summary cache invalidation failed")
	}
}
