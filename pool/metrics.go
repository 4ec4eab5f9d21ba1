package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	imetrics "lds.li/netagent/internal/metrics"
)

type metrics struct {
	created   prometheus.Counter
	reused    prometheus.Counter
	destroyed prometheus.Counter
	dialErrs  prometheus.Counter
	inUse     prometheus.Gauge
	free      prometheus.Gauge
	queued    prometheus.Gauge
}

// newMetrics builds the agent metrics. A nil Registerer leaves them
// unregistered. The gauges mirror one agent's state, so a second agent on
// the same Registerer is an error; wrap it with a distinguishing label.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		created:   prometheus.NewCounter(prometheus.CounterOpts{Name: "netagent_pool_sockets_created_total", Help: "Sockets created by the agent"}),
		reused:    prometheus.NewCounter(prometheus.CounterOpts{Name: "netagent_pool_sockets_reused_total", Help: "Free sockets handed to a request"}),
		destroyed: prometheus.NewCounter(prometheus.CounterOpts{Name: "netagent_pool_sockets_removed_total", Help: "Sockets removed from the agent"}),
		dialErrs:  prometheus.NewCounter(prometheus.CounterOpts{Name: "netagent_pool_dial_errors_total", Help: "Socket creation failures"}),
		inUse:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "netagent_pool_sockets_in_use", Help: "Sockets bound to a request"}),
		free:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "netagent_pool_sockets_free", Help: "Idle sockets kept for reuse"}),
		queued:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "netagent_pool_requests_queued", Help: "Requests waiting for a socket"}),
	}
	if err := imetrics.Exclusive(reg, m.created, m.reused, m.destroyed, m.dialErrs, m.inUse, m.free, m.queued); err != nil {
		return nil, err
	}
	return m, nil
}
