// Package metrics registers prometheus collectors without the panics of
// promauto, so components built more than once against the same
// registerer behave.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Shared registers c with reg and returns the collector in effect. If an
// identical collector is already registered it is returned instead, so
// every component built against reg counts into the same series. A nil
// reg leaves c unregistered.
func Shared[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// Exclusive registers every collector with reg, or none of them. It fails
// when any is already registered, which callers use for collectors whose
// values are owned by a single instance. A nil reg does nothing.
func Exclusive(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		return nil
	}
	for i, c := range cs {
		if err := reg.Register(c); err != nil {
			for _, done := range cs[:i] {
				reg.Unregister(done)
			}
			return fmt.Errorf("registering metrics: %w", err)
		}
	}
	return nil
}
