package client

import (
	"sync"
	"time"

	"github.com/permitarbiter/arbiter/internal/config"
)

// Circuit breaker defaults for the arbiter connection, mirroring the
// teacher's auth-service breaker (internal/auth/auth.go).
const (
	defaultCBThreshold    = 5
	defaultCBResetTimeout = 30 * time.Second
)

// circuitBreaker protects the gate from paying the full request_token
// timeout on every call once the arbiter is down. It opens after
// `threshold` consecutive failures and short-circuits straight to the
// Local Pacer fallback for `resetTimeout`, then lets calls through again.
// The failure count is only cleared by a success, so until one succeeds a
// single further failure reopens it for another `resetTimeout`.
type circuitBreaker struct {
	mu           sync.Mutex
	failures     int
	open         bool
	openUntil    time.Time
	threshold    int
	resetTimeout time.Duration
}

func newCircuitBreaker(cfg config.CircuitBreakerConfig) *circuitBreaker {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultCBThreshold
	}
	resetTimeout := config.MustParseDuration(cfg.ResetTimeout, defaultCBResetTimeout)

	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// isOpen reports whether calls should bypass the arbiter and go straight
// to fallback.
func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	return time.Now().Before(cb.openUntil)
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.open = true
		cb.openUntil = time.Now().Add(cb.resetTimeout)
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
}
