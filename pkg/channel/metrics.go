package channel

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetrics is the production Metrics implementation, counting
// every datagram a Channel drops or corrupts before it reaches the wire.
// Constructed separately from New so a process can share one set of
// collectors across every Channel it opens.
type PrometheusMetrics struct {
	dropped   *prometheus.CounterVec
	corrupted *prometheus.CounterVec
}

// NewPrometheusMetrics registers the channel's counters against reg and
// returns a Metrics ready to pass to WithMetrics. Pass prometheus.
// NewRegistry() (or prometheus.DefaultRegisterer) as reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdt_packets_dropped_total",
			Help: "Datagrams dropped by a channel before reaching the wire, by direction.",
		}, []string{"direction"}),
		corrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdt_packets_corrupted_total",
			Help: "Datagrams corrupted by a channel before reaching the wire, by direction.",
		}, []string{"direction"}),
	}
	for _, c := range []prometheus.Collector{m.dropped, m.corrupted} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveSend records a Channel.Send outcome. Only "dropped" and
// "corrupted" move a counter; a normal "sent" outcome is the implicit
// complement and isn't tracked separately.
func (m *PrometheusMetrics) ObserveSend(outcome string) {
	switch outcome {
	case "dropped":
		m.dropped.WithLabelValues("outbound").Inc()
	case "corrupted":
		m.corrupted.WithLabelValues("outbound").Inc()
	}
}
