package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/23skdu/canopy/internal/metrics"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings configures the Breaker
type Settings struct {
	Name          string
	MaxRequests   uint32        // concurrent probes allowed while half-open
	Timeout       time.Duration // open -> half-open delay
	Threshold     uint32        // consecutive failures that trip a closed breaker
	OnStateChange func(name string, from, to State)
}

// Breaker stops calling a failing upstream for Timeout after Threshold
// consecutive failures, then lets MaxRequests probes through. One successful
// probe closes it again; one failed probe reopens it.
type Breaker struct {
	name          string
	maxRequests   uint32
	timeout       time.Duration
	threshold     uint32
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures uint32 // consecutive, closed state only
	inFlight uint32 // probes, half-open state only
	openedAt time.Time
}

// New creates a closed Breaker.
func New(st Settings) *Breaker {
	b := &Breaker{
		name:          st.Name,
		maxRequests:   st.MaxRequests,
		timeout:       st.Timeout,
		threshold:     st.Threshold,
		onStateChange: st.OnStateChange,
		now:           time.Now,
	}
	if b.maxRequests == 0 {
		b.maxRequests = 1
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	if b.threshold == 0 {
		b.threshold = 5
	}
	metrics.EmbedderBreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b
}

// Name returns the name of the Breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving an expired open breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.inFlight = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	metrics.EmbedderBreakerState.WithLabelValues(b.name).Set(float64(to))
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// admit reserves a slot for one call.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.inFlight >= b.maxRequests {
			return false
		}
		b.inFlight++
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		if err == nil {
			b.setState(StateClosed)
		} else {
			b.setState(StateOpen)
		}
	}
}

// Do runs fn unless the breaker is open. Any error from fn counts as a failure.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}
