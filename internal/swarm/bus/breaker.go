package bus

import "time"

// breakerState is the per-recipient circuit state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	// DefaultFailureThreshold is the number of consecutive delivery failures
	// that opens a recipient's circuit.
	DefaultFailureThreshold = 5

	// DefaultResetTimeout is how long an open circuit suppresses delivery
	// before a single trial message is allowed through.
	DefaultResetTimeout = 60 * time.Second
)

// breaker tracks consecutive delivery failures for one recipient.
// All methods are called under the bus lock.
type breaker struct {
	state            breakerState
	consecutiveFails int
	openedAt         time.Time
	failureThreshold int
	resetTimeout     time.Duration
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	return &breaker{
		failureThreshold: threshold,
		resetTimeout:     reset,
	}
}

// allow reports whether a message may be enqueued for the recipient.
// An open circuit transitions to half-open once the reset timeout elapses,
// admitting exactly one trial message.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.resetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// Trial message already in flight; hold further traffic.
		return false
	default:
		return false
	}
}

// recordSuccess closes the circuit and resets the failure counter.
func (b *breaker) recordSuccess() {
	b.state = breakerClosed
	b.consecutiveFails = 0
}

// recordFailure counts a delivery failure, opening the circuit at the
// threshold. A half-open trial failure reopens immediately.
func (b *breaker) recordFailure(now time.Time) {
	b.consecutiveFails++
	if b.state == breakerHalfOpen || b.consecutiveFails >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}

// isOpen reports whether delivery is currently suppressed.
func (b *breaker) isOpen(now time.Time) bool {
	return b.state == breakerOpen && now.Sub(b.openedAt) < b.resetTimeout
}
