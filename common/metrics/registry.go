package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Registerer receives every collector built by this package.
var Registerer prometheus.Registerer = prometheus.DefaultRegisterer

// register returns the already registered collector when an identical one exists,
// so packages constructed more than once (tests) share their vectors.
func register(c prometheus.Collector) prometheus.Collector {
	if err := Registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
