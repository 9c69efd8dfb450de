// Package metrics exposes the fork persistence counters as prometheus
// collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sipfork"

// Outcome label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics groups the collectors of one sipfork instance.
type Metrics struct {
	registry *prometheus.Registry

	messageForks prometheus.Gauge
	proxies      prometheus.Gauge
	evicted      prometheus.Gauge
	saves        *prometheus.CounterVec
	restores     *prometheus.CounterVec
	deletes      *prometheus.CounterVec
	pushes       *prometheus.CounterVec
	declines     prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messageForks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_forks_in_memory",
			Help:      "Message fork operations currently resident in memory",
		}),
		proxies: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fork_proxies",
			Help:      "Persistent fork proxies alive, resident or evicted",
		}),
		evicted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fork_proxies_evicted",
			Help:      "Persistent fork proxies whose fork lives only in storage",
		}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot saves by outcome",
		}, []string{"status"}),
		restores: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_restores_total",
			Help:      "Snapshot restores by outcome",
		}, []string{"status"}),
		deletes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_deletes_total",
			Help:      "Snapshot deletions by outcome",
		}, []string{"status"}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_notifications_total",
			Help:      "Push notifications sent by outcome",
		}, []string{"status"}),
		declines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_ringing_timeouts_total",
			Help:      "Branches declined after the ringing timeout",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageForkCreated() {
	if m == nil {
		return
	}
	m.messageForks.Inc()
}

func (m *Metrics) MessageForkReleased() {
	if m == nil {
		return
	}
	m.messageForks.Dec()
}

func (m *Metrics) ProxyCreated() {
	if m == nil {
		return
	}
	m.proxies.Inc()
}

func (m *Metrics) ProxyReleased() {
	if m == nil {
		return
	}
	m.proxies.Dec()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *Metrics) Materialized() {
	if m == nil {
		return
	}
	m.evicted.Dec()
}

// Dropped releases an evicted proxy that is forgotten without a restore.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.proxies.Dec()
	m.evicted.Dec()
}

func (m *Metrics) Save(err error) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) Restore(err error) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) Delete(err error) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) Push(err error) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) RingingTimeout() {
	if m == nil {
		return
	}
	m.declines.Inc()
}

func outcome(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
