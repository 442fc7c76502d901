package eventqueue

import "errors"

var (
	// ErrQueueFull is recorded when a retry finds the queue at capacity.
	ErrQueueFull = errors.New("eventqueue: queue full")
	// ErrCircuitOpen wraps failures that bypassed retry because the breaker was open.
	ErrCircuitOpen = errors.New("eventqueue: circuit open")
	// ErrQueueClosed is recorded for retries still pending when the queue closed.
	ErrQueueClosed = errors.New("eventqueue: queue closed")
)

// dlqReason maps a dead-letter cause to a metric label.
func dlqReason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrQueueClosed):
		return "queue_closed"
	default:
		return "max_retries_exceeded"
	}
}
