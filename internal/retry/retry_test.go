package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 4, Base: time.Millisecond, Max: 5 * time.Millisecond}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, "connect", fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_BoundedAttempts(t *testing.T) {
	boom := errors.New("down")
	calls := 0
	err := Do(context.Background(), nil, "connect", fast, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls, "should stop after the configured attempts")
}

func TestDo_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, nil, "connect", Policy{Attempts: 100, Base: 50 * time.Millisecond}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	rejected := errors.New("400 bad request")
	calls := 0
	err := Do(context.Background(), nil, "deliver", fast, func(context.Context) error {
		calls++
		return Permanent(rejected)
	})
	require.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}
