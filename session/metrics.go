package session

import (
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is a private per-session registry (spec's DOMAIN STACK
// "session metrics" — not exposed over HTTP; gathered in-process to
// populate the status snapshot of spec §7). Grounded on chihaya's use
// of a per-component prometheus.Registry rather than the global
// DefaultRegisterer, so multiple sessions in one process don't collide.
type metrics struct {
	registry        *prometheus.Registry
	bytesDownloaded prometheus.Counter
	piecesVerified  prometheus.Counter
	activePeers     prometheus.Gauge
	trackerFailures prometheus.Counter
}

func newMetrics(infoHashHex string) *metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"info_hash": infoHashHex}
	m := &metrics{
		registry: reg,
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gorent_bytes_downloaded_total",
			Help:        "Total bytes of piece data received from peers, before verification.",
			ConstLabels: labels,
		}),
		piecesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gorent_pieces_verified_total",
			Help:        "Total pieces that passed SHA-1 verification.",
			ConstLabels: labels,
		}),
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gorent_active_peers",
			Help:        "Currently connected peer sessions.",
			ConstLabels: labels,
		}),
		trackerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gorent_tracker_failures_total",
			Help:        "Announce attempts that failed or were rejected.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.bytesDownloaded, m.piecesVerified, m.activePeers, m.trackerFailures)
	return m
}

// gather reads the current value of a single-metric collector back
// out of the registry, used to populate the status snapshot without
// standing up an HTTP exposition endpoint.
func gather(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	var d dto.Metric
	for m := range ch {
		_ = m.Write(&d)
	}
	if d.Counter != nil {
		return d.Counter.GetValue()
	}
	if d.Gauge != nil {
		return d.Gauge.GetValue()
	}
	return 0
}
