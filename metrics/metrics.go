// Package metrics exposes the router's Prometheus instrumentation. The
// collector satisfies the router's observer interface and the transfer
// engine's settle hook, so wiring it up is registration only.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meterpay/meterpay"
)

// Collector holds every meter the router reports into.
type Collector struct {
	registry *prometheus.Registry

	callsTotal        *prometheus.CounterVec
	paymentFailures   *prometheus.CounterVec
	settlementSeconds *prometheus.HistogramVec
	crossChainTotal   *prometheus.CounterVec
	attestationPolls  *prometheus.CounterVec
}

// NewCollector creates and registers the collectors on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterpay",
			Name:      "calls_total",
			Help:      "Routed API calls by agent, call type and response status.",
		}, []string{"agent_id", "call_type", "status"}),
		paymentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterpay",
			Name:      "payment_failures_total",
			Help:      "Settlement attempts that failed, by error kind.",
		}, []string{"reason"}),
		settlementSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meterpay",
			Name:      "settlement_duration_seconds",
			Help:      "Time to settle one charge, by route.",
			// Same-chain settles in seconds; cross-chain can take the full
			// attestation budget.
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"route"}),
		crossChainTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterpay",
			Name:      "crosschain_transfers_total",
			Help:      "Cross-chain payments reaching a terminal state, by status.",
		}, []string{"status"}),
		attestationPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterpay",
			Name:      "attestation_polls_total",
			Help:      "Attestation service polls, by outcome.",
		}, []string{"result"}),
	}
	c.registry.MustRegister(
		c.callsTotal,
		c.paymentFailures,
		c.settlementSeconds,
		c.crossChainTotal,
		c.attestationPolls,
	)
	return c
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CallRouted implements the router observer.
func (c *Collector) CallRouted(agentID string, callType meterpay.CallType, status int, _ time.Duration) {
	if callType == "" {
		callType = "none"
	}
	c.callsTotal.WithLabelValues(agentID, string(callType), strconv.Itoa(status)).Inc()
}

// ChargeSettled implements the router observer.
func (c *Collector) ChargeSettled(route string, d time.Duration, err error) {
	c.settlementSeconds.WithLabelValues(route).Observe(d.Seconds())
	if err != nil {
		c.paymentFailures.WithLabelValues(string(meterpay.KindOf(err))).Inc()
	}
}

// CrossChainSettled is a transfer settle hook counting terminal states.
func (c *Collector) CrossChainSettled(ccp *meterpay.CrossChainPayment) {
	c.crossChainTotal.WithLabelValues(string(ccp.Status)).Inc()
}

// AttestationPoll counts one attestation poll outcome.
func (c *Collector) AttestationPoll(result string) {
	c.attestationPolls.WithLabelValues(result).Inc()
}
