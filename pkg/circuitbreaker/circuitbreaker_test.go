package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"

	"mailschedule/internal/apperr"
)

var errBoom = errors.New("boom")

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		HalfOpenMaxRequests: 1,
		Now:                 clock.Now,
	})
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)

	be.Err(t, cb.Execute(func() error { return errBoom }), errBoom)
	be.Equal(t, cb.GetState(), StateClosed)
	be.Err(t, cb.Execute(func() error { return errBoom }), errBoom)
	be.Equal(t, cb.GetState(), StateOpen)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	be.Err(t, err, ErrCircuitBreakerOpen)
	be.True(t, !called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)

	_ = cb.Execute(func() error { return errBoom })
	be.Err(t, cb.Execute(func() error { return nil }), nil)
	_ = cb.Execute(func() error { return errBoom })
	be.Equal(t, cb.GetState(), StateClosed)
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })

	clock.now = clock.now.Add(11 * time.Second)
	be.Err(t, cb.Execute(func() error { return nil }), nil)
	be.Equal(t, cb.GetState(), StateClosed)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })

	clock.now = clock.now.Add(11 * time.Second)
	be.Err(t, cb.Execute(func() error { return errBoom }), errBoom)
	be.Equal(t, cb.GetState(), StateOpen)
}

func TestIsFailureFilter(t *testing.T) {
	errCaller := errors.New("bad request")
	cb := NewCircuitBreaker(Config{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        func(err error) bool { return !errors.Is(err, errCaller) },
	})

	be.Err(t, cb.Execute(func() error { return errCaller }), errCaller)
	be.Equal(t, cb.GetState(), StateClosed)
}

func TestOnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(Config{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	_ = cb.Execute(func() error { return errBoom })
	be.Equal(t, transitions, []string{"closed->open"})
}

func TestGoogleBreakerIgnoresClientErrors(t *testing.T) {
	cb := NewGoogleBreaker("test", nil)
	notFound := &googleapi.Error{Code: 404}
	for i := 0; i < 10; i++ {
		_ = Run(cb, func() error { return notFound })
	}
	be.Equal(t, cb.State(), gobreaker.StateClosed)

	unavailable := &googleapi.Error{Code: 503}
	for i := 0; i < 6; i++ {
		_ = Run(cb, func() error { return unavailable })
	}
	be.Equal(t, cb.State(), gobreaker.StateOpen)

	err := Run(cb, func() error { return nil })
	be.Err(t, err, gobreaker.ErrOpenState)
}

func TestIsGoogleClientError(t *testing.T) {
	be.True(t, IsGoogleClientError(nil))
	be.True(t, IsGoogleClientError(&googleapi.Error{Code: 403}))
	be.True(t, !IsGoogleClientError(&googleapi.Error{Code: 429}))
	be.True(t, !IsGoogleClientError(&googleapi.Error{Code: 500}))
	be.True(t, !IsGoogleClientError(errors.New("dial tcp: refused")))
	be.True(t, IsGoogleClientError(fmt.Errorf("token for user 7: %w", apperr.ErrNotFound)))
	be.True(t, IsGoogleClientError(fmt.Errorf("Get: %w", context.Canceled)))
	be.True(t, !IsGoogleClientError(context.DeadlineExceeded))
}

func TestGoogleBreakerIgnoresMissingToken(t *testing.T) {
	cb := NewGoogleBreaker("test", nil)
	missing := fmt.Errorf("token for user 7: %w", apperr.ErrNotFound)
	for i := 0; i < 10; i++ {
		_ = Run(cb, func() error { return missing })
	}
	be.Equal(t, cb.State(), gobreaker.StateClosed)
}
