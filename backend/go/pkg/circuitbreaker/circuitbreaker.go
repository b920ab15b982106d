package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed is the initial state where requests are allowed.
	Closed State = iota
	// Open state is when the circuit has tripped and requests are blocked.
	Open
	// HalfOpen lets a limited number of probe requests through to test recovery.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned in HalfOpen when all probe slots are taken.
	ErrTooManyProbes = errors.New("circuit breaker is half-open and probing")
)

// CircuitBreaker is the interface for the circuit breaker pattern.
type CircuitBreaker interface {
	// Execute runs req unless the circuit is open.
	Execute(req func() (interface{}, error)) (interface{}, error)
	// State returns the current state of the circuit breaker.
	State() State
}

// Option customizes a breaker.
type Option func(*breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *breaker) { b.now = now }
}

// WithStateChange registers a callback fired (outside the lock) on every transition.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *breaker) { b.onChange = fn }
}

// WithFailureFilter decides which errors count as failures. Errors for which
// it returns false are passed through without tripping the circuit.
func WithFailureFilter(fn func(error) bool) Option {
	return func(b *breaker) { b.isFailure = fn }
}

type breaker struct {
	failureThreshold uint32
	successThreshold uint32
	timeout          time.Duration

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	probes    uint32
	openedAt  time.Time

	now       func() time.Time
	onChange  func(from, to State)
	isFailure func(error) bool
}

// New creates a breaker that opens after failureThreshold consecutive failures,
// waits timeout before probing, and closes again after successThreshold
// consecutive successful probes.
func New(failureThreshold, successThreshold uint32, timeout time.Duration, opts ...Option) CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 1
	}
	if successThreshold == 0 {
		successThreshold = 1
	}
	b := &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            Closed,
		now:              time.Now,
		isFailure:        func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, moving Open to HalfOpen once the timeout passed.
func (b *breaker) State() State {
	b.mu.Lock()
	from, to := b.refresh()
	state := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return state
}

// Execute wraps the execution of a function with the circuit breaker logic.
func (b *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	if err := b.before(); err != nil {
		return nil, err
	}
	res, err := req()
	b.after(err)
	return res, err
}

// Do is a typed wrapper around Execute.
func Do[T any](cb CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if res == nil {
		var zero T
		return zero, err
	}
	return res.(T), err
}

func (b *breaker) before() error {
	b.mu.Lock()
	from, to := b.refresh()
	var err error
	switch b.state {
	case Open:
		err = ErrCircuitOpen
	case HalfOpen:
		if b.probes >= b.successThreshold {
			err = ErrTooManyProbes
		} else {
			b.probes++
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return err
}

func (b *breaker) after(err error) {
	b.mu.Lock()
	var from, to State = b.state, b.state
	failed := err != nil && b.isFailure(err)
	switch b.state {
	case Closed:
		if failed {
			b.failures++
			if b.failures >= b.failureThreshold {
				b.setState(Open)
			}
		} else {
			b.failures = 0
		}
	case HalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		if failed {
			b.setState(Open)
		} else {
			b.successes++
			if b.successes >= b.successThreshold {
				b.setState(Closed)
			}
		}
	}
	to = b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// refresh must be called with the lock held.
func (b *breaker) refresh() (State, State) {
	from := b.state
	if b.state == Open && b.now().Sub(b.openedAt) >= b.timeout {
		b.setState(HalfOpen)
	}
	return from, b.state
}

func (b *breaker) setState(s State) {
	b.state = s
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if s == Open {
		b.openedAt = b.now()
	}
}

func (b *breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
