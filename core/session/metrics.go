package session

import "github.com/prometheus/client_golang/prometheus"

var flushStatements = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "txcore",
		Subsystem: "session",
		Name:      "flush_statements_total",
		Help:      "Total number of statements executed by session flushes.",
	}, []string{"op"})

func init() {
	prometheus.MustRegister(flushStatements)
}
