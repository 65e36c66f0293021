package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newWithClock(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(cfg)
	b.now = clock.Now
	return b, clock
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, StateClosed, b.GetState())
	assert.Equal(t, 5, b.failureThreshold)
	assert.Equal(t, 2, b.successThreshold)
	assert.Equal(t, 30*time.Second, b.openTimeout)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newWithClock(Config{FailureThreshold: 3, OpenTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "should still be closed below threshold")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newWithClock(Config{FailureThreshold: 3, OpenTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenLifecycle(t *testing.T) {
	b, clock := newWithClock(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
	})

	b.RecordFailure()
	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState(), "not yet at success threshold")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b, clock := newWithClock(Config{FailureThreshold: 1, OpenTimeout: time.Second})

	b.RecordFailure()
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())

	clock.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "reopen restarts the open timeout")
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []struct{ from, to State }
	b, clock := newWithClock(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, struct{ from, to State }{from, to})
		},
	})

	b.RecordFailure()
	b.RecordFailure()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)

	clock.Advance(time.Second)
	_ = b.Allow()
	require.Len(t, transitions, 2)
	assert.Equal(t, StateHalfOpen, transitions[1].to)

	b.RecordSuccess()
	require.Len(t, transitions, 3)
	assert.Equal(t, StateHalfOpen, transitions[2].from)
	assert.Equal(t, StateClosed, transitions[2].to)
}

func TestBreaker_ExecuteCountsOnlyClassifiedFailures(t *testing.T) {
	transient := errors.New("503")
	terminal := errors.New("400")

	b, _ := newWithClock(Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		IsFailure:        func(err error) bool { return errors.Is(err, transient) },
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return terminal }), terminal)
	}
	assert.Equal(t, StateClosed, b.GetState())

	assert.ErrorIs(t, b.Execute(func() error { return transient }), transient)
	assert.ErrorIs(t, b.Execute(func() error { return transient }), transient)
	assert.Equal(t, StateOpen, b.GetState())

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreaker_ConcurrentRecordSuccessFailure(t *testing.T) {
	b := New(Config{
		FailureThreshold: 10,
		SuccessThreshold: 5,
		OpenTimeout:      time.Millisecond,
	})

	const goroutines = 20
	const iterations = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				switch id % 4 {
				case 0:
					b.RecordSuccess()
				case 1:
					b.RecordFailure()
				case 2:
					_ = b.Allow()
				case 3:
					_ = b.GetState()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, b.GetState())
}
