package chainclient

import (
	"sync"
	"time"

	"github.com/arbidca/dca-engine/internal/logger"
)

// breaker is the circuit breaker pattern adapted from the teacher's
// pkg/circuitbreaker/breaker.go: it trips after failThreshold RPC failures
// within failureWindow and stays open until resetTimeout has elapsed,
// protecting the scheduler from hammering a dead RPC endpoint every tick.
type breaker struct {
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	mu            sync.Mutex
	log           logger.Logger
}

func newBreaker(enabled bool, threshold int, window, resetTimeout time.Duration, log logger.Logger) *breaker {
	return &breaker{
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		log:           log,
	}
}

// recordFailure records an RPC failure and returns true if the circuit is
// now open (either just tripped, or already tripped).
func (b *breaker) recordFailure() bool {
	if !b.enabled {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.tripped {
		if time.Since(b.tripTime) > b.resetTimeout {
			b.tripped = false
			b.failureCount = 0
		} else {
			return true
		}
	}

	if time.Since(b.lastFailure) > b.failureWindow {
		b.failureCount = 0
	}

	b.failureCount++
	b.lastFailure = now

	if b.failureCount >= b.failThreshold {
		b.tripped = true
		b.tripTime = now
		b.log.ErrorWithComponent(logger.ChainClient, "circuit breaker tripped: %d failures in window", b.failureCount)
		return true
	}

	return false
}

func (b *breaker) isOpen() bool {
	if !b.enabled {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped && time.Since(b.tripTime) > b.resetTimeout {
		b.tripped = false
		b.failureCount = 0
		return false
	}
	return b.tripped
}

func (b *breaker) recordSuccess() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.failureCount = 0
}
