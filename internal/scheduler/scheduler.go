// Package scheduler provides delayed callbacks keyed by session, so that a
// stopped session can drop every pending continuation at once.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler runs fn after delay. Scheduling a task with the same key and name
// replaces the pending one.
type Scheduler interface {
	Schedule(key, name string, delay time.Duration, fn func())
	Cancel(key, name string)
	CancelAll(key string)
}

// TimerQueue is the wall-clock Scheduler
type TimerQueue struct {
	mu     sync.Mutex
	timers map[string]map[string]*timerEntry
	seq    uint64
}

type timerEntry struct {
	timer *time.Timer
	seq   uint64
}

// New creates an empty timer queue
func New() *TimerQueue {
	return &TimerQueue{
		timers: make(map[string]map[string]*timerEntry),
	}
}

// Schedule implements Scheduler
func (q *TimerQueue) Schedule(key, name string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	named, ok := q.timers[key]
	if !ok {
		named = make(map[string]*timerEntry)
		q.timers[key] = named
	}
	if prev, ok := named[name]; ok {
		prev.timer.Stop()
	}

	q.seq++
	seq := q.seq
	entry := &timerEntry{seq: seq}
	entry.timer = time.AfterFunc(delay, func() {
		if !q.release(key, name, seq) {
			return
		}
		fn()
	})
	named[name] = entry
}

// release removes a fired entry; false means it was cancelled or replaced
func (q *TimerQueue) release(key, name string, seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	named := q.timers[key]
	entry, ok := named[name]
	if !ok || entry.seq != seq {
		return false
	}
	delete(named, name)
	if len(named) == 0 {
		delete(q.timers, key)
	}
	return true
}

// Cancel implements Scheduler
func (q *TimerQueue) Cancel(key, name string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	named := q.timers[key]
	if entry, ok := named[name]; ok {
		entry.timer.Stop()
		delete(named, name)
	}
	if len(named) == 0 {
		delete(q.timers, key)
	}
}

// CancelAll implements Scheduler
func (q *TimerQueue) CancelAll(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.timers[key] {
		entry.timer.Stop()
	}
	delete(q.timers, key)
}

// Pending returns the number of tasks waiting for key
func (q *TimerQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers[key])
}

// Stop cancels everything
func (q *TimerQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, named := range q.timers {
		for _, entry := range named {
			entry.timer.Stop()
		}
		delete(q.timers, key)
	}
}
