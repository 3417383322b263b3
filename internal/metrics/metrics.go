// Package metrics holds the prometheus collectors exported by the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "klingnet_spv"

// Metrics is one set of collectors bound to a registry. A nil *Metrics
// discards every observation.
type Metrics struct {
	reg *prometheus.Registry

	TipHeight        prometheus.Gauge
	ConfirmedBalance prometheus.Gauge
	PendingBalance   prometheus.Gauge
	Peers            prometheus.Gauge

	Reorgs          prometheus.Counter
	LogAppends      prometheus.Counter
	PeerRotations   prometheus.Counter
	RejectedHeaders prometheus.Counter
	FilterMatches   prometheus.Counter
	SyncStalls      prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry
// together with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		TipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "tip_height",
			Help: "Height of the best header chain.",
		}),
		ConfirmedBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "wallet", Name: "confirmed_balance_sat",
			Help: "Spendable value at final depth.",
		}),
		PendingBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "wallet", Name: "pending_balance_sat",
			Help: "Spendable value that is shallow or unconfirmed.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "peers",
			Help: "Peers available to the sync driver.",
		}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "reorgs_total",
			Help: "Best-chain switches.",
		}),
		LogAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persist", Name: "entries_total",
			Help: "Entries appended to the log.",
		}),
		PeerRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "peer_rotations_total",
			Help: "Requests moved to another peer after a failure.",
		}),
		RejectedHeaders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "rejected_headers_total",
			Help: "Header batches that failed validation.",
		}),
		FilterMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "filter_matches_total",
			Help: "Block filters that matched a watched script.",
		}),
		SyncStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "stalls_total",
			Help: "Sync rounds in which every peer failed.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TipHeight, m.ConfirmedBalance, m.PendingBalance, m.Peers,
		m.Reorgs, m.LogAppends, m.PeerRotations, m.RejectedHeaders,
		m.FilterMatches, m.SyncStalls,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SetTip(height int32) {
	if m != nil {
		m.TipHeight.Set(float64(height))
	}
}

func (m *Metrics) SetBalance(confirmed, pending int64) {
	if m != nil {
		m.ConfirmedBalance.Set(float64(confirmed))
		m.PendingBalance.Set(float64(pending))
	}
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.Peers.Set(float64(n))
	}
}

func (m *Metrics) AddReorgs(n int) {
	if m != nil {
		m.Reorgs.Add(float64(n))
	}
}

func (m *Metrics) AddAppends(n int) {
	if m != nil {
		m.LogAppends.Add(float64(n))
	}
}

func (m *Metrics) Rotated() {
	if m != nil {
		m.PeerRotations.Inc()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.RejectedHeaders.Inc()
	}
}

func (m *Metrics) Matched() {
	if m != nil {
		m.FilterMatches.Inc()
	}
}

func (m *Metrics) Stalled() {
	if m != nil {
		m.SyncStalls.Inc()
	}
}
