package rdt

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the congestion-control and retransmission observability
// SPEC_FULL.md's Metrics ambient-stack section describes. One instance is
// shared across every Connection a process opens.
type Metrics struct {
	Retransmits   *prometheus.CounterVec
	Cwnd          prometheus.Gauge
	Ssthresh      prometheus.Gauge
	BytesInFlight prometheus.Gauge
}

// NewMetrics registers the connection-level collectors against reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdt_retransmits_total",
			Help: "Retransmitted segments, by trigger.",
		}, []string{"cause"}),
		Cwnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rdt_cwnd_bytes",
			Help: "Current congestion window in bytes.",
		}),
		Ssthresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rdt_ssthresh_bytes",
			Help: "Current slow-start threshold in bytes.",
		}),
		BytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rdt_bytes_in_flight",
			Help: "Bytes sent but not yet cumulatively acknowledged.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Retransmits, m.Cwnd, m.Ssthresh, m.BytesInFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// noopMetrics is used when a Connection is built without an explicit
// Metrics instance (e.g. most tests), so the send/receive pipelines never
// need a nil check.
func noopMetrics() *Metrics {
	return &Metrics{
		Retransmits:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rdt_noop_retransmits_total"}, []string{"cause"}),
		Cwnd:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "rdt_noop_cwnd_bytes"}),
		Ssthresh:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "rdt_noop_ssthresh_bytes"}),
		BytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{Name: "rdt_noop_bytes_in_flight"}),
	}
}
