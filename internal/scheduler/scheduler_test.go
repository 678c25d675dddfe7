package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInvokesTickUntilCancelled(t *testing.T) {
	s := New(Options{Name: "test", Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if calls.Add(1) == 3 {
				cancel()
			}
			return errors.New("tick errors do not stop the loop")
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestExecuteAppliesTickTimeout(t *testing.T) {
	s := New(Options{Interval: time.Second, TickTimeout: 20 * time.Millisecond}, zerolog.Nop())

	err := s.Execute(context.Background(), time.Now(), func(ctx context.Context, _ time.Time) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC), s.bucketStart(time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC)))

	unaligned := New(Options{Interval: time.Minute}, zerolog.Nop())
	assert.Equal(t, now.Add(time.Minute), unaligned.nextTick(now))
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
