package redis

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(maxFailures, reset)
	cb.now = c.now
	return cb, c
}

var errFail = errors.New("fail")

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return nil })
	if cb.Failures() != 0 {
		t.Fatalf("expected failures reset, got %d", cb.Failures())
	}
	cb.Execute(func() error { return errFail })
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, c := newTestBreaker(2, time.Second)
	var transitions []State
	cb.OnStateChange = func(_, to State) { transitions = append(transitions, to) }

	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errFail })
	}
	c.advance(1100 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", cb.CurrentState())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb, c := newTestBreaker(2, time.Second)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errFail })
	}

	c.advance(2 * time.Second)
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, c := newTestBreaker(1, time.Second)
	cb.Execute(func() error { return errFail })
	c.advance(2 * time.Second)

	var inner error
	cb.Execute(func() error {
		inner = cb.Execute(func() error { return nil })
		return nil
	})
	if inner != ErrCircuitOpen {
		t.Fatalf("second probe should be rejected, got %v", inner)
	}
}
