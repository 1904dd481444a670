package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type GaugeVec struct {
	gauges *prometheus.GaugeVec
}

func NewGaugeVec(namespace, subsystem, metricsName, help string, labels []string) *GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricsName + "_g",
		Help:      help + " (gauges)",
	}, labels)
	return &GaugeVec{gauges: register(gv).(*prometheus.GaugeVec)}
}

func (gv *GaugeVec) Inc(labels ...string) {
	if gv != nil {
		gv.gauges.WithLabelValues(labels...).Inc()
	}
}

func (gv *GaugeVec) Dec(labels ...string) {
	if gv != nil {
		gv.gauges.WithLabelValues(labels...).Dec()
	}
}

func (gv *GaugeVec) Set(v float64, labels ...string) {
	if gv != nil {
		gv.gauges.WithLabelValues(labels...).Set(v)
	}
}
