package chatsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerReplacesByKey(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := NewScheduler(clock)
	var first, second atomic.Int32

	s.Schedule("k", time.Second, func() { first.Add(1) })
	s.Schedule("k", 2*time.Second, func() { second.Add(1) })
	assert.Equal(t, 1, s.Pending())

	clock.Advance(time.Second)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerCancelAndStop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := NewScheduler(clock)
	var fired atomic.Int32

	s.Schedule("a", time.Second, func() { fired.Add(1) })
	s.Schedule("b", time.Second, func() { fired.Add(1) })
	assert.True(t, s.Cancel("a"))
	assert.False(t, s.Cancel("a"))

	s.Stop()
	assert.Equal(t, 0, s.Pending())
	s.Schedule("c", time.Second, func() { fired.Add(1) })
	assert.Equal(t, 0, s.Pending())

	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
