package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting requests
	StateHalfOpen              // Probing whether the upstream recovered
)

// Breaker guards calls to a single upstream endpoint.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int // successes needed in half-open to close
	openTimeout      time.Duration
	openedAt         time.Time
	isFailure        func(error) bool
	onStateChange    func(from, to State)
	now              func() time.Time
}

// Config configures a circuit breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening (default: 5)
	SuccessThreshold int           // successes in half-open before closing (default: 2)
	OpenTimeout      time.Duration // how long to stay open before half-open (default: 30s)
	// IsFailure decides whether an error returned through Execute counts
	// against the breaker. Nil counts every error.
	IsFailure     func(error) bool
	OnStateChange func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
		now:              time.Now,
	}
}

// Allow checks if a request should be allowed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpenLocked()
	if b.state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Execute runs fn if the breaker allows it and records the outcome.
// Errors rejected by IsFailure are returned without affecting the breaker.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.isFailure == nil || b.isFailure(err):
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
	return err
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.setState(StateClosed)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.successCount = 0
	switch {
	case b.state == StateHalfOpen:
		b.open()
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.open()
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpenLocked()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) expireOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	if to == StateClosed {
		b.failureCount = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

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
