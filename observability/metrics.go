package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crowdescrow/core/events"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// EscrowMetrics tracks engine decisions and pooled settlement outcomes.
type EscrowMetrics struct {
	investments   *prometheus.CounterVec
	raised        *prometheus.CounterVec
	finalizations *prometheus.CounterVec
	refunds       prometheus.Counter
	poolPayments  prometheus.Counter
	poolAmount    prometheus.Gauge
	settlements   *prometheus.CounterVec
	rollbacks     prometheus.Counter
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// HTTP returns the lazily-initialised request metrics used by the daemon
// middleware.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOrUnknown(route)
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOrUnknown(route)).Inc()
}

// Escrow returns the metrics registry fed by escrow engine events.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			investments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "campaign",
				Name:      "investments_total",
				Help:      "Investment decisions segmented by outcome and rejection code.",
			}, []string{"outcome", "code"}),
			raised: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "campaign",
				Name:      "raised_base_units_total",
				Help:      "Accepted investment volume in base units, segmented by currency.",
			}, []string{"currency"}),
			finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "campaign",
				Name:      "finalizations_total",
				Help:      "Campaign finalizations segmented by whether the objective was reached.",
			}, []string{"objective_reached"}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "campaign",
				Name:      "refunds_total",
				Help:      "Refund entries produced by failed campaigns.",
			}),
			poolPayments: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "pool",
				Name:      "payments_total",
				Help:      "Payments accepted by the pooled escrow.",
			}),
			poolAmount: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "pool",
				Name:      "current_amount",
				Help:      "Committed pooled amount awaiting settlement.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "pool",
				Name:      "settlements_total",
				Help:      "Pool settlement attempts segmented by result and failing leg.",
			}, []string{"result", "leg"}),
			rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "pool",
				Name:      "rollbacks_total",
				Help:      "Operator rollbacks of the pooled escrow.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.investments,
			escrowRegistry.raised,
			escrowRegistry.finalizations,
			escrowRegistry.refunds,
			escrowRegistry.poolPayments,
			escrowRegistry.poolAmount,
			escrowRegistry.settlements,
			escrowRegistry.rollbacks,
		)
	})
	return escrowRegistry
}

// Emit implements events.Emitter so the registry can be attached to the
// engines alongside other emitters.
func (m *EscrowMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	switch e := evt.(type) {
	case events.CampaignInvestmentAccepted:
		m.investments.WithLabelValues("accepted", "").Inc()
	case events.CampaignInvestmentRejected:
		m.investments.WithLabelValues("rejected", labelOrUnknown(e.Code)).Inc()
	case events.CampaignFinalized:
		m.finalizations.WithLabelValues(strconv.FormatBool(e.ObjectiveReached)).Inc()
		m.refunds.Add(float64(e.RefundCount))
	case events.PoolPaymentReceived:
		m.poolPayments.Inc()
		m.poolAmount.Set(float64(e.CurrentAmount))
	case events.PoolSettled:
		m.settlements.WithLabelValues("settled", "").Inc()
		m.poolAmount.Set(0)
	case events.PoolSettlementFailed:
		m.settlements.WithLabelValues("failed", labelOrUnknown(e.Leg)).Inc()
	case events.PoolRolledBack:
		m.rollbacks.Inc()
		m.poolAmount.Set(0)
	}
}

// RecordRaised adds accepted investment volume for currency.
func (m *EscrowMetrics) RecordRaised(currency string, amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.raised.WithLabelValues(labelOrUnknown(strings.ToUpper(currency))).Add(float64(amount))
}

func labelOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
