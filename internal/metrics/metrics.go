package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SalesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdv",
		Name:      "sales_finalized_total",
		Help:      "Sales committed, labelled by whether part of the total went to credit.",
	}, []string{"credit"})

	FinalizeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdv",
		Name:      "sale_finalize_failures_total",
		Help:      "Finalization attempts that did not commit, by reason.",
	}, []string{"reason"})

	SalesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pdv",
		Name:      "sales_cancelled_total",
		Help:      "Sales moved to cancelled.",
	})

	ConcurrencyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdv",
		Name:      "concurrency_retries_total",
		Help:      "Units of work retried after a concurrency conflict.",
	}, []string{"operation"})

	ManualReconciliation = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pdv",
		Name:      "manual_reconciliation_total",
		Help:      "Failures that left state needing an operator.",
	})

	NegativeStock = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pdv",
		Name:      "negative_stock_total",
		Help:      "Stock decrements that went below zero.",
	})

	CashDifference = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pdv",
		Name:      "cash_closing_difference",
		Help:      "Counted minus expected cash at close.",
		Buckets:   []float64{-100, -50, -10, -1, 0, 1, 10, 50, 100},
	})

	SummaryCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdv",
		Name:      "daily_summary_cache_total",
		Help:      "Daily summary lookups by cache result.",
	}, []string{"result"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
