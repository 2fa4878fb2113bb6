package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics mirrors the counters into Prometheus.
type metrics struct {
	total   prometheus.Counter
	failed  prometheus.Counter
	probed  prometheus.Counter
	modules prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitscan_circuits_total",
			Help: "Total number of circuits requested",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitscan_circuits_failed_total",
			Help: "Total number of circuits that failed to build or attach a stream",
		}),
		probed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitscan_circuits_probed_total",
			Help: "Total number of circuits handed to a probe module",
		}),
		modules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitscan_modules_run_total",
			Help: "Total number of completed module runs",
		}),
	}
	reg.MustRegister(m.total, m.failed, m.probed, m.modules)
	return m
}
