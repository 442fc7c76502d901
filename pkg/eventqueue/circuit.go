package eventqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/observability"
)

// Circuit states.
const (
	StateClosed = "closed"
	StateOpen   = "open"
)

// CircuitConfig configures a CircuitBreaker.
type CircuitConfig struct {
	Threshold int
	// Cooldown closes an open breaker on the next query once elapsed.
	// Zero keeps it open until a success or Reset.
	Cooldown time.Duration
}

// CircuitState is a point-in-time view of the breaker.
type CircuitState struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Threshold           int       `json:"threshold"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
}

// CircuitBreaker counts consecutive handler failures.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      CircuitConfig
	failures int
	open     bool
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker creates a closed breaker. A non-positive threshold defaults to 5.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	tripped := !cb.open && cb.failures >= cb.cfg.Threshold
	if tripped {
		cb.open = true
		cb.openedAt = cb.now()
	}
	failures := cb.failures
	cb.mu.Unlock()

	if tripped {
		log.Warn().Int("failures", failures).Msg("Circuit breaker opened")
		observability.SetCircuitOpen(true)
		observability.RecordCircuitAudit(context.Background(), true, failures)
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.close("success")
}

// Reset manually closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.close("reset")
}

func (cb *CircuitBreaker) close(reason string) {
	cb.mu.Lock()
	wasOpen := cb.open
	cb.failures = 0
	cb.open = false
	cb.openedAt = time.Time{}
	cb.mu.Unlock()

	if wasOpen {
		log.Info().Str("reason", reason).Msg("Circuit breaker closed")
		observability.SetCircuitOpen(false)
		observability.RecordCircuitAudit(context.Background(), false, 0)
	}
}

// IsOpen reports whether new failures should bypass retry.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.expireCooldown()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.expireCooldown()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := CircuitState{
		State:               StateClosed,
		ConsecutiveFailures: cb.failures,
		Threshold:           cb.cfg.Threshold,
		OpenedAt:            cb.openedAt,
	}
	if cb.open {
		st.State = StateOpen
	}
	return st
}

// SetThreshold changes the trip threshold; used by config hot reload.
func (cb *CircuitBreaker) SetThreshold(n int) {
	if n <= 0 {
		return
	}
	cb.mu.Lock()
	cb.cfg.Threshold = n
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) expireCooldown() {
	cb.mu.Lock()
	expired := cb.open && cb.cfg.Cooldown > 0 && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown
	cb.mu.Unlock()
	if expired {
		cb.close("cooldown")
	}
}
