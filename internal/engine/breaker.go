package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tkodaira/pipeflow/internal/logutil"
)

// BreakerRegistry manages one circuit breaker per task type. A handler that
// fails repeatedly trips its breaker, so further dispatches of that type fail
// fast (and re-enter the normal retry path) while the worker recovers.
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
	logger    *logutil.Logger
}

func NewBreakerRegistry(threshold int, cooldown time.Duration, logger *logutil.Logger) *BreakerRegistry {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = logutil.Discard()
	}
	return &BreakerRegistry{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(threshold),
		cooldown:  cooldown,
		logger:    logger.WithComponent("breaker"),
	}
}

// Get returns the circuit breaker for the given task type, creating it on
// first use.
func (r *BreakerRegistry) Get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warnf("breaker_state type=%s from=%s to=%s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Shutdown cancellation is not a worker failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	r.breakers[taskType] = cb
	return cb
}
