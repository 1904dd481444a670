package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RemoteBuckets covers round trips to remote endpoints, 1ms to ~16s.
var RemoteBuckets = prometheus.ExponentialBuckets(0.001, 2, 15)

type TimerOption func(*prometheus.HistogramOpts)

func WithTimerBuckets(buk []float64) TimerOption {
	return func(o *prometheus.HistogramOpts) {
		o.Buckets = buk
	}
}

// NewTimer registers a histogram of durations in seconds.
func NewTimer(namespace, subsystem, metricName, help string, labels []string, opts ...TimerOption) *Timer {
	hopts := prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricName + "_h",
		Help:      help + " (histogram)",
	}
	for _, opt := range opts {
		opt(&hopts)
	}
	return &Timer{
		histogram: register(prometheus.NewHistogramVec(hopts, labels)).(*prometheus.HistogramVec),
	}
}

type Timer struct {
	histogram *prometheus.HistogramVec
}

// Timer starts timing; call the returned func with label values to observe.
//
//	observe := timer.Timer()
//	defer func() { observe("op", operator.Result(err)) }()
func (t *Timer) Timer() func(values ...string) {
	if t == nil {
		return func(values ...string) {}
	}
	start := time.Now()
	return func(values ...string) {
		t.histogram.WithLabelValues(values...).Observe(time.Since(start).Seconds())
	}
}
