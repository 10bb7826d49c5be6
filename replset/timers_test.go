package replset

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerAfterDeregisters(t *testing.T) {
	timers := newTimerRegistry()

	var fired atomic.Int32
	require.True(t, timers.after("", time.Millisecond, func() {
		fired.Add(1)
	}))

	require.Eventually(t, func() bool {
		return fired.Load() == 1 && timers.count() == 0
	}, time.Second, time.Millisecond)
}

func TestTimerEveryRepeats(t *testing.T) {
	timers := newTimerRegistry()

	var fired atomic.Int32
	require.True(t, timers.every("localhost:27017", time.Millisecond, func() {
		fired.Add(1)
	}))
	assert.True(t, timers.monitoring("localhost:27017"))
	assert.False(t, timers.monitoring("localhost:27018"))

	require.Eventually(t, func() bool {
		return fired.Load() >= 3
	}, time.Second, time.Millisecond)

	timers.stopAll()
	assert.Equal(t, 0, timers.count())
	assert.False(t, timers.monitoring("localhost:27017"))
}

func TestTimerStopAll(t *testing.T) {
	timers := newTimerRegistry()

	var fired atomic.Int32
	timers.after("", time.Hour, func() {
		fired.Add(1)
	})
	timers.every("a:1", time.Hour, func() {
		fired.Add(1)
	})
	assert.Equal(t, 2, timers.count())

	timers.stopAll()
	assert.Equal(t, 0, timers.count())

	assert.False(t, timers.after("", time.Millisecond, func() {
		fired.Add(1)
	}))
	assert.False(t, timers.every("a:1", time.Millisecond, func() {
		fired.Add(1)
	}))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, timers.count())
}
