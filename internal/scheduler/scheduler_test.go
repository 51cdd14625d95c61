package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func TestTimerQueueRunsAndReplaces(t *testing.T) {
	q := New()
	defer q.Stop()

	var first, second atomic.Int32
	q.Schedule("s1", "next", time.Hour, func() { first.Add(1) })
	q.Schedule("s1", "next", 5*time.Millisecond, func() { second.Add(1) })

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if second.Load() == 1 {
			return poll.Success()
		}
		return poll.Continue("task not run yet")
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	assert.Equal(t, first.Load(), int32(0))
	assert.Equal(t, q.Pending("s1"), 0)
}

func TestTimerQueueCancelAll(t *testing.T) {
	q := New()
	defer q.Stop()

	var ran atomic.Int32
	q.Schedule("s1", "a", 20*time.Millisecond, func() { ran.Add(1) })
	q.Schedule("s1", "b", 20*time.Millisecond, func() { ran.Add(1) })
	q.Schedule("s2", "a", time.Hour, func() {})
	assert.Equal(t, q.Pending("s1"), 2)

	q.CancelAll("s1")
	assert.Equal(t, q.Pending("s1"), 0)
	assert.Equal(t, q.Pending("s2"), 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ran.Load(), int32(0))
}

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var order []string
	m.Schedule("s1", "late", 10*time.Second, func() { order = append(order, "late") })
	m.Schedule("s1", "early", 2*time.Second, func() {
		order = append(order, "early")
		m.Schedule("s1", "chained", time.Second, func() { order = append(order, "chained") })
	})

	d, ok := m.Delay("s1", "late")
	assert.Assert(t, ok)
	assert.Equal(t, d, 10*time.Second)

	m.Advance(5 * time.Second)
	assert.DeepEqual(t, order, []string{"early", "chained"})
	assert.Equal(t, m.Now(), start.Add(5*time.Second))
	assert.Equal(t, m.Pending("s1"), 1)

	m.CancelAll("s1")
	m.Advance(time.Minute)
	assert.DeepEqual(t, order, []string{"early", "chained"})
}

func TestManualZeroDelayNeedsAdvance(t *testing.T) {
	m := NewManual(time.Now())
	ran := false
	m.Schedule("s1", "now", 0, func() { ran = true })
	assert.Assert(t, !ran)
	m.Advance(0)
	assert.Assert(t, ran)
}
