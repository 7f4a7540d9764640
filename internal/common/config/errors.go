package config

import (
	"fmt"
	"time"
)

// ErrInvalidSessionStoreType is returned when an unknown session store type is configured
func ErrInvalidSessionStoreType(t string) error {
	return fmt.Errorf("invalid session store type: %s", t)
}

// ErrInvalidBackpressurePolicy is returned when an unknown backpressure policy is configured
func ErrInvalidBackpressurePolicy(p string) error {
	return fmt.Errorf("invalid backpressure policy: %s", p)
}

// ErrMemoryThresholdOrder is returned when the critical threshold is below the warning threshold
func ErrMemoryThresholdOrder(warning, critical int64) error {
	return fmt.Errorf("memory critical threshold %d below warning threshold %d", critical, warning)
}

// ErrBackoffDelayOrder is returned when the max backoff delay is below the base delay
func ErrBackoffDelayOrder(base, max time.Duration) error {
	return fmt.Errorf("reconnect max delay %s below base delay %s", max, base)
}
