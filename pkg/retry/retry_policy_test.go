package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	rp := DefaultRetryPolicy()

	assert.Equal(t, 3*time.Second, rp.Delay(1))
	assert.Equal(t, 6*time.Second, rp.Delay(2))
	assert.Equal(t, 12*time.Second, rp.Delay(3))
	assert.Equal(t, 3*time.Second, rp.Delay(0))

	capped := NewRetryPolicy(10, time.Minute)
	capped.MaxDelay = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, capped.Delay(8))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	rp := DefaultRetryPolicy()
	assert.False(t, rp.Exhausted(2))
	assert.True(t, rp.Exhausted(3))
}

func TestRetryPolicy_Execute(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("succeeds after failures", func(t *testing.T) {
		rp := NewRetryPolicy(3, time.Millisecond)
		calls := 0
		err := rp.Execute(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		rp := NewRetryPolicy(2, time.Millisecond)
		calls := 0
		err := rp.Execute(ctx, func(context.Context) error {
			calls++
			return boom
		}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on non retryable error", func(t *testing.T) {
		rp := NewRetryPolicy(5, time.Millisecond)
		calls := 0
		err := rp.Execute(ctx, func(context.Context) error {
			calls++
			return boom
		}, func(error) bool { return false })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		rp := NewRetryPolicy(5, time.Hour)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := rp.Execute(cctx, func(context.Context) error { return boom }, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
