package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by Advance instead of the wall clock
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*manualTask
	seq   uint64
}

type manualTask struct {
	key, name string
	due       time.Time
	delay     time.Duration
	seq       uint64
	fn        func()
}

// NewManual creates a manual scheduler starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the simulated time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Schedule implements Scheduler
func (m *Manual) Schedule(key, name string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(key, name)
	m.seq++
	m.tasks = append(m.tasks, &manualTask{
		key:   key,
		name:  name,
		due:   m.now.Add(delay),
		delay: delay,
		seq:   m.seq,
		fn:    fn,
	})
}

// Cancel implements Scheduler
func (m *Manual) Cancel(key, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key, name)
}

// CancelAll implements Scheduler
func (m *Manual) CancelAll(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.key != key {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
}

func (m *Manual) removeLocked(key, name string) {
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.key != key || t.name != name {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
}

// Delay returns the delay a pending task was scheduled with
func (m *Manual) Delay(key, name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.key == key && t.name == name {
			return t.delay, true
		}
	}
	return 0, false
}

// Pending returns the number of tasks waiting for key
func (m *Manual) Pending(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tasks {
		if t.key == key {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, running every task that falls due in
// order. Tasks scheduled by running tasks are honored if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.removeLocked(next.key, next.name)
		if next.due.After(m.now) {
			m.now = next.due
		}
		m.mu.Unlock()

		next.fn()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	due := make([]*manualTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}
