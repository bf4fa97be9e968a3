// Package metrics holds the Prometheus collectors shared by castore
// components. They are registered on the default registry and exposed by
// the serve command at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "castore"

var (
	// BundleRegenerations counts snapshot regenerations per instance and
	// outcome ("ok" or "error").
	BundleRegenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bundle",
		Name:      "regenerations_total",
		Help:      "Trust-bundle snapshot regenerations.",
	}, []string{"instance", "outcome"})

	// BundleCertificates is the number of certificates in the most recent
	// snapshot of each instance.
	BundleCertificates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bundle",
		Name:      "certificates",
		Help:      "Certificates contained in the current trust-bundle snapshot.",
	}, []string{"instance"})

	// MergeRecords counts records handled by the reconciliation merger.
	MergeRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "records_total",
		Help:      "Records processed by repository reconciliation.",
	}, []string{"instance", "direction", "outcome"})

	// CRLNumber is the number of the most recently published CRL.
	CRLNumber = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "crl",
		Name:      "number",
		Help:      "CRL number of the most recently published CRL.",
	}, []string{"instance"})

	// CriticalStateTrips counts repositories that stopped accepting writes
	// after a persistence failure.
	CriticalStateTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repository",
		Name:      "critical_state_total",
		Help:      "Repositories that entered the critical state.",
	}, []string{"backend", "instance"})

	// ReadRetries counts retried backend reads.
	ReadRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repository",
		Name:      "read_retries_total",
		Help:      "Backend reads retried after a transient failure.",
	}, []string{"backend"})
)
