// Package metrics provides Prometheus metrics for the bet slip service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// WagerMetrics collects and exposes wagering Prometheus metrics.
type WagerMetrics struct {
	registry *prometheus.Registry

	// Slip metrics
	QuotesTotal *prometheus.CounterVec
	QuoteLegs   *prometheus.HistogramVec

	// Entry metrics
	EntriesTotal   *prometheus.CounterVec
	EntryStake     *prometheus.HistogramVec
	EntryOdds      *prometheus.HistogramVec
	SettledTotal   *prometheus.CounterVec
	PayoutsTotal   *prometheus.CounterVec
	DuplicateTotal prometheus.Counter

	// Policy metrics
	PolicyViolations *prometheus.CounterVec

	// Account metrics
	OutstandingStake *prometheus.GaugeVec

	// Board metrics
	BoardRefreshes       *prometheus.CounterVec
	BoardRefreshDuration prometheus.Histogram
	BoardMarkets         prometheus.Gauge

	// Price feed metrics
	FeedUpdates   *prometheus.CounterVec
	FeedConnected prometheus.Gauge

	SettlePasses  *prometheus.CounterVec
	SettlePending prometheus.Gauge

	// Upstream metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	// Streaming metrics
	StreamClients prometheus.Gauge
}

// NewWagerMetrics creates a metrics collector on its own registry.
func NewWagerMetrics() *WagerMetrics {
	registry := prometheus.NewRegistry()

	wm := &WagerMetrics{
		registry: registry,

		// Slip metrics
		QuotesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_quotes_total",
				Help: "Total number of slip quotes",
			},
			[]string{"kind", "status"},
		),
		QuoteLegs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parlay_quote_legs",
				Help:    "Selections per quoted slip",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{},
		),

		// Entry metrics
		EntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_entries_total",
				Help: "Total number of entry attempts",
			},
			[]string{"kind", "currency", "status"},
		),
		EntryStake: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parlay_entry_stake",
				Help:    "Stake per placed entry",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"currency"},
		),
		EntryOdds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parlay_entry_decimal_odds",
				Help:    "Combined decimal odds per placed entry",
				Buckets: prometheus.ExponentialBuckets(1.1, 2, 12), // 1.1 to ~2250
			},
			[]string{"kind"},
		),
		SettledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_entries_settled_total",
				Help: "Total number of settled entries by result",
			},
			[]string{"currency", "status"},
		),
		PayoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_payouts_total",
				Help: "Total amount paid back on settled entries",
			},
			[]string{"currency"},
		),
		DuplicateTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parlay_duplicate_submissions_total",
				Help: "Entries rejected as duplicate submissions",
			},
		),

		// Policy metrics
		PolicyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_policy_violations_total",
				Help: "Total number of policy violations",
			},
			[]string{"violation_type"},
		),

		// Account metrics
		OutstandingStake: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parlay_outstanding_stake",
				Help: "Stake held in pending entries",
			},
			[]string{"currency"},
		),

		// Board metrics
		BoardRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_board_refreshes_total",
				Help: "Total number of board refreshes",
			},
			[]string{"status"},
		),
		BoardRefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parlay_board_refresh_duration_seconds",
				Help:    "Board refresh duration",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
		),
		BoardMarkets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parlay_board_markets",
				Help: "Number of markets on the board",
			},
		),

		// Price feed metrics
		FeedUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_feed_updates_total",
				Help: "Live price updates by whether they moved a line",
			},
			[]string{"result"},
		),
		FeedConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parlay_feed_connected",
				Help: "1 while the live price feed is connected",
			},
		),

		// Settlement pass metrics
		SettlePasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_settle_passes_total",
				Help: "Automatic settlement passes by result",
			},
			[]string{"result"},
		),
		SettlePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parlay_settle_pending",
				Help: "Entries still pending after the last settlement pass",
			},
		),

		// Upstream metrics
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlay_upstream_requests_total",
				Help: "Requests to upstream APIs",
			},
			[]string{"upstream", "code", "method"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parlay_upstream_request_duration_seconds",
				Help:    "Upstream request latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"upstream", "method"},
		),

		// Streaming metrics
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parlay_stream_clients",
				Help: "Connected WebSocket clients",
			},
		),
	}

	wm.registerAll()

	return wm
}

func (wm *WagerMetrics) registerAll() {
	wm.registry.MustRegister(
		wm.QuotesTotal,
		wm.QuoteLegs,
		wm.EntriesTotal,
		wm.EntryStake,
		wm.EntryOdds,
		wm.SettledTotal,
		wm.PayoutsTotal,
		wm.DuplicateTotal,
		wm.PolicyViolations,
		wm.OutstandingStake,
		wm.BoardRefreshes,
		wm.BoardRefreshDuration,
		wm.BoardMarkets,
		wm.FeedUpdates,
		wm.FeedConnected,
		wm.SettlePasses,
		wm.SettlePending,
		wm.UpstreamRequests,
		wm.UpstreamDuration,
		wm.StreamClients,
	)
}

// Registry returns the prometheus registry.
func (wm *WagerMetrics) Registry() *prometheus.Registry {
	return wm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (wm *WagerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(wm.registry, promhttp.HandlerOpts{Registry: wm.registry})
}

// InstrumentUpstream wraps a transport so every request to the named upstream
// is counted and timed.
func (wm *WagerMetrics) InstrumentUpstream(upstream string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	labels := prometheus.Labels{"upstream": upstream}
	return promhttp.InstrumentRoundTripperCounter(
		wm.UpstreamRequests.MustCurryWith(labels),
		promhttp.InstrumentRoundTripperDuration(
			wm.UpstreamDuration.MustCurryWith(labels),
			next,
		),
	)
}

// --- Helper methods for recording metrics ---

// RecordQuote records a slip quote.
func (wm *WagerMetrics) RecordQuote(kind, status string, legs int) {
	wm.QuotesTotal.WithLabelValues(kind, status).Inc()
	if legs > 0 {
		wm.QuoteLegs.WithLabelValues().Observe(float64(legs))
	}
}

// RecordEntry records an entry attempt. Stake and odds are observed only for
// placed entries.
func (wm *WagerMetrics) RecordEntry(kind, currency, status string, stake decimal.Decimal, decimalOdds float64) {
	wm.EntriesTotal.WithLabelValues(kind, currency, status).Inc()
	if status != "placed" {
		return
	}
	wm.EntryStake.WithLabelValues(currency).Observe(DecimalToFloat64(stake))
	if decimalOdds > 1 {
		wm.EntryOdds.WithLabelValues(kind).Observe(decimalOdds)
	}
}

// RecordSettlement records a settled or voided entry.
func (wm *WagerMetrics) RecordSettlement(currency, status string, payout decimal.Decimal) {
	wm.SettledTotal.WithLabelValues(currency, status).Inc()
	if payout.IsPositive() {
		wm.PayoutsTotal.WithLabelValues(currency).Add(DecimalToFloat64(payout))
	}
}

// RecordDuplicate records a rejected duplicate submission.
func (wm *WagerMetrics) RecordDuplicate() {
	wm.DuplicateTotal.Inc()
}

// RecordPolicyViolation records a policy violation.
func (wm *WagerMetrics) RecordPolicyViolation(violationType string) {
	wm.PolicyViolations.WithLabelValues(violationType).Inc()
}

// OpenStake adds a placed entry's stake to the outstanding total.
func (wm *WagerMetrics) OpenStake(currency string, stake decimal.Decimal) {
	wm.OutstandingStake.WithLabelValues(currency).Add(DecimalToFloat64(stake))
}

// CloseStake removes a settled or voided entry's stake from the outstanding total.
func (wm *WagerMetrics) CloseStake(currency string, stake decimal.Decimal) {
	wm.OutstandingStake.WithLabelValues(currency).Sub(DecimalToFloat64(stake))
}

// SetOutstandingStake replaces the outstanding total, e.g. from the pending
// entries found at startup.
func (wm *WagerMetrics) SetOutstandingStake(currency string, stake decimal.Decimal) {
	wm.OutstandingStake.WithLabelValues(currency).Set(DecimalToFloat64(stake))
}

// RecordBoardRefresh records a board refresh.
func (wm *WagerMetrics) RecordBoardRefresh(err error, durationSec float64, markets int) {
	if err != nil {
		wm.BoardRefreshes.WithLabelValues("error").Inc()
		return
	}
	wm.BoardRefreshes.WithLabelValues("ok").Inc()
	wm.BoardRefreshDuration.Observe(durationSec)
	wm.BoardMarkets.Set(float64(markets))
}

// RecordFeedUpdate records a live price update and whether it repriced a line.
func (wm *WagerMetrics) RecordFeedUpdate(moved bool) {
	if moved {
		wm.FeedUpdates.WithLabelValues("moved").Inc()
		return
	}
	wm.FeedUpdates.WithLabelValues("unchanged").Inc()
}

// SetFeedConnected records the live price feed connection state.
func (wm *WagerMetrics) SetFeedConnected(connected bool) {
	if connected {
		wm.FeedConnected.Set(1)
		return
	}
	wm.FeedConnected.Set(0)
}

// RecordSettlePass records one settlement pass and how many entries it left
// pending.
func (wm *WagerMetrics) RecordSettlePass(err error, checked, settled int) {
	if err != nil {
		wm.SettlePasses.WithLabelValues("error").Inc()
		return
	}
	wm.SettlePasses.WithLabelValues("ok").Inc()
	wm.SettlePending.Set(float64(checked - settled))
}

// SetStreamClients records the number of connected stream clients.
func (wm *WagerMetrics) SetStreamClients(n int) {
	wm.StreamClients.Set(float64(n))
}

// --- Decimal helpers ---

// DecimalToFloat64 safely converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
