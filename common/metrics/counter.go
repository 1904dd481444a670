package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type CounterVec struct {
	counters *prometheus.CounterVec
}

func NewCounterVec(namespace, subsystem, metricsName, help string, labels []string) *CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricsName + "_c",
		Help:      help + " (counters)",
	}, labels)
	return &CounterVec{counters: register(cv).(*prometheus.CounterVec)}
}

func (cv *CounterVec) Inc(labels ...string) {
	if cv != nil {
		cv.counters.WithLabelValues(labels...).Inc()
	}
}
