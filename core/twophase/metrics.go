package twophase

import "github.com/prometheus/client_golang/prometheus"

var transitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "txcore",
		Subsystem: "twophase",
		Name:      "transitions_total",
		Help:      "Total number of two-phase commit phases by outcome.",
	}, []string{"phase", "outcome"})

func init() {
	prometheus.MustRegister(transitions)
}

func observe(phase string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	transitions.WithLabelValues(phase, outcome).Inc()
}
