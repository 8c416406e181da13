package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce registers the collector with the default registry. Metrics
// objects are created once per process but may be constructed repeatedly
// (tests, multiple backends); the first registered collector is then shared.
// Panics if the collector cannot be registered for any other reason.
func registerOnce[C prometheus.Collector](collector C) C {
	err := prometheus.Register(collector)
	if err == nil {
		return collector
	}
	are := &prometheus.AlreadyRegisteredError{}
	if !errors.As(err, are) {
		panic(err)
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		panic(err)
	}
	return existing
}
