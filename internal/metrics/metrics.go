// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resellr"

// Activation results.
const (
	ResultActivated = "activated"
	ResultReplayed  = "replayed"
	ResultRejected  = "rejected"
)

type Metrics struct {
	registry *prometheus.Registry

	Activations      *prometheus.CounterVec
	LicensesMinted   *prometheus.CounterVec
	Redemptions      *prometheus.CounterVec
	RequestDecisions *prometheus.CounterVec
	AccountsCreated  *prometheus.CounterVec
	StoreRetries     prometheus.Counter
}

// New registers the engine counters on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "License seat activations by result.",
		}, []string{"result"}),
		LicensesMinted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licenses_minted_total",
			Help:      "Licenses minted by source.",
		}, []string{"source"}),
		Redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reseller_redemptions_total",
			Help:      "Licenses redeemed for new partner resellers by result.",
		}, []string{"result"}),
		RequestDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replenishment_decisions_total",
			Help:      "Replenishment request decisions by outcome.",
		}, []string{"decision"}),
		AccountsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_created_total",
			Help:      "Accounts created by role.",
		}, []string{"role"}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Transactions retried after a busy or locked database.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
