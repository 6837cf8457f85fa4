// Package metrics holds the relay's prometheus instrumentation. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dmrelay"

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	envelopesSubmitted prometheus.Counter
	envelopesForwarded *prometheus.CounterVec
	envelopesRejected  *prometheus.CounterVec
	envelopesStored    prometheus.Gauge
	keyExchanges       *prometheus.CounterVec
	onlineIdentities   prometheus.Gauge
	connections        prometheus.Counter
	retentionPurged    prometheus.Counter
	attachmentsPurged  prometheus.Counter
	sweepDuration      prometheus.Histogram
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_submitted_total",
			Help:      "Number of envelopes accepted and stored",
		}),
		envelopesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_forwarded_total",
			Help:      "Number of stored envelopes by live recipient delivery",
		}, []string{"live"}),
		envelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_rejected_total",
			Help:      "Number of rejected submissions by reason",
		}, []string{"reason"}),
		envelopesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "envelopes_stored",
			Help:      "Number of envelopes currently held",
		}),
		keyExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_exchanges_total",
			Help:      "Number of relayed key exchanges by outcome",
		}, []string{"outcome"}),
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_identities",
			Help:      "Number of identities bound to a live connection",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Number of accepted websocket connections",
		}),
		retentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_envelopes_total",
			Help:      "Number of envelopes removed by the retention sweep",
		}),
		attachmentsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_attachments_total",
			Help:      "Number of unreferenced attachments removed by the retention sweep",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retention_sweep_duration_seconds",
			Help:      "Duration of retention sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.envelopesSubmitted,
		m.envelopesForwarded,
		m.envelopesRejected,
		m.envelopesStored,
		m.keyExchanges,
		m.onlineIdentities,
		m.connections,
		m.retentionPurged,
		m.attachmentsPurged,
		m.sweepDuration,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EnvelopeSubmitted() {
	if m == nil {
		return
	}
	m.envelopesSubmitted.Inc()
}

func (m *Metrics) EnvelopeForwarded(live bool) {
	if m == nil {
		return
	}
	label := "false"
	if live {
		label = "true"
	}
	m.envelopesForwarded.WithLabelValues(label).Inc()
}

func (m *Metrics) EnvelopeRejected(reason string) {
	if m == nil {
		return
	}
	m.envelopesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetStoredEnvelopes(n int) {
	if m == nil {
		return
	}
	m.envelopesStored.Set(float64(n))
}

func (m *Metrics) KeyExchange(outcome string) {
	if m == nil {
		return
	}
	m.keyExchanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.onlineIdentities.Set(float64(n))
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// SweepFinished records one retention sweep.
func (m *Metrics) SweepFinished(started time.Time, envelopes, attachments int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(time.Since(started).Seconds())
	m.retentionPurged.Add(float64(envelopes))
	m.attachmentsPurged.Add(float64(attachments))
}
