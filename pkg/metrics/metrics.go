// Package metrics holds the prometheus collectors for pairing and provisioning.
package metrics

import (
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pse_pairing"

// Result labels besides the error classes.
const (
	ResultNew       = "new"
	ResultContinued = "continued"
	ResultOK        = "ok"
)

// Metrics is a set of collectors. A nil *Metrics records nothing.
type Metrics struct {
	pairings       *prometheus.CounterVec
	provisionings  *prometheus.CounterVec
	reloads        prometheus.Counter
	busyRetries    prometheus.Counter
	backendRetries prometheus.Counter
	ocspFallbacks  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pairings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Long-term pairing attempts by result.",
		}, []string{"result"}),
		provisionings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisionings_total",
			Help:      "Certificate provisioning runs by result.",
		}, []string{"result"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secure_context_reloads_total",
			Help:      "Secure context reloads after it was lost.",
		}),
		busyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestation_busy_retries_total",
			Help:      "Attestation calls retried after a busy reply.",
		}),
		backendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Backend calls repeated after a transient failure.",
		}),
		ocspFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocsp_cache_fallbacks_total",
			Help:      "OCSP responses served from the cache after a failed fetch.",
		}),
	}
	for _, c := range []prometheus.Collector{m.pairings, m.provisionings, m.reloads, m.busyRetries, m.backendRetries, m.ocspFallbacks} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

func resultLabel(err error) string {
	return status.KindOf(err).Class().String()
}

// ObservePairing records a pairing attempt.
func (m *Metrics) ObservePairing(isNew bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.pairings.WithLabelValues(resultLabel(err)).Inc()
	case isNew:
		m.pairings.WithLabelValues(ResultNew).Inc()
	default:
		m.pairings.WithLabelValues(ResultContinued).Inc()
	}
}

// ObserveProvisioning records a provisioning run.
func (m *Metrics) ObserveProvisioning(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.provisionings.WithLabelValues(resultLabel(err)).Inc()
		return
	}
	m.provisionings.WithLabelValues(ResultOK).Inc()
}

// SecureContextReloaded records a reload.
func (m *Metrics) SecureContextReloaded() {
	if m != nil {
		m.reloads.Inc()
	}
}

// BusyRetried records a busy retry.
func (m *Metrics) BusyRetried() {
	if m != nil {
		m.busyRetries.Inc()
	}
}

// BackendRetried records a repeated backend call.
func (m *Metrics) BackendRetried() {
	if m != nil {
		m.backendRetries.Inc()
	}
}

// OCSPCacheUsed records a cache fallback.
func (m *Metrics) OCSPCacheUsed() {
	if m != nil {
		m.ocspFallbacks.Inc()
	}
}
