package clock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_SleepAdvancesTime(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	require.NoError(t, c.Sleep(context.Background(), 3*time.Second))

	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, 3*time.Second, c.Slept())
}

func TestFake_SleepHonorsCancelledContext(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Duration(0), c.Slept())
}

func TestFake_AfterFuncFiresWhenDue(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fired atomic.Int32

	c.AfterFunc(time.Minute, func() { fired.Add(1) })

	c.Advance(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	c.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFake_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fired atomic.Int32

	timer := c.AfterFunc(time.Second, func() { fired.Add(1) })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestReal_SleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Real{}.Sleep(ctx, time.Minute)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
