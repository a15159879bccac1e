package strand

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "strand"

// RegisterMetrics registers gauges and counters describing srv on reg,
// or on prometheus.DefaultRegisterer when reg is nil. Values are read
// from Server.Stats at scrape time, so registration is cheap and the
// server carries no metrics state of its own.
func RegisterMetrics(reg prometheus.Registerer, srv *Server) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string, read func(Stats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(srv.Stats())) })
	}
	counter := func(name, help string, read func(Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(srv.Stats())) })
	}

	collectors := []prometheus.Collector{
		gauge("workers_alive", "Workers currently running.",
			func(st Stats) int64 { return int64(st.WorkersAlive) }),
		counter("worker_restarts_total", "Workers replaced after an unexpected exit.",
			func(st Stats) int64 { return st.Restarts }),
		gauge("connections_active", "Connections currently open across all workers.",
			func(st Stats) int64 { return st.Active }),
		counter("connections_accepted_total", "Connections accepted since start.",
			func(st Stats) int64 { return st.Accepted }),
		counter("connections_dropped_total", "Connections dropped by the accept rate limit.",
			func(st Stats) int64 { return st.Dropped }),
		counter("requests_dispatched_total", "Requests handed to the dispatcher.",
			func(st Stats) int64 { return st.Dispatched }),
		counter("requests_completed_total", "Responses written to completion.",
			func(st Stats) int64 { return st.Completed }),
		counter("requests_failed_total", "Requests that ended in an error response.",
			func(st Stats) int64 { return st.Failed }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
