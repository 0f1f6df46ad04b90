package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13Dev-07/emailv/errs"
)

func TestClosedTripsToOpenAtThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		err := b.Call(context.Background(), "op", failing)
		require.Error(t, err)
		assert.Equal(t, Closed, b.State())
	}

	err := b.Call(context.Background(), "op", failing)
	require.Error(t, err)
	assert.Equal(t, Open, b.State())
}

func TestOpenRejectsWithoutCallingOp(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	_ = b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, Open, b.State())

	called := false
	err := b.Call(context.Background(), "op", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errs.Is(err, errs.BreakerOpen))
}

func TestOpenTransitionsToHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenSuccessClosesAndResetsFailCount(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond})
	_ = b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	err := b.Call(context.Background(), "op", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond})
	_ = b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	err := b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("still broken") })
	require.Error(t, err)
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenRejectsBeyondMaxInFlight(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond, HalfOpenMaxInFlight: 1})
	_ = b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Call(context.Background(), "op", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond)

	err := b.Call(context.Background(), "op", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BreakerOpen))

	close(release)
	require.NoError(t, <-errCh)
}

func TestClosedSuccessResetsFailCount(t *testing.T) {
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	_ = b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	err := b.Call(context.Background(), "op", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	_ = b.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	assert.Equal(t, Closed, b.State(), "fail count should have reset after the intervening success")
}

func TestRegistryCreatesPerEndpointBreakers(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	a := r.For("mx1.example.com")
	b := r.For("mx2.example.com")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.For("mx1.example.com"))

	_ = a.Call(context.Background(), "op", func(ctx context.Context) error { return errors.New("boom") })
	snap := r.Snapshot()
	assert.Equal(t, Open, snap["mx1.example.com"])
	assert.Equal(t, Closed, snap["mx2.example.com"])
}
