package browser

import (
	"context"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMemoryWindowAndTabs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	win, err := m.CreateWindow(ctx, "https://www.linkedin.com/jobs")
	assert.NilError(t, err)
	assert.Check(t, m.TabAlive(win.TabID))
	assert.Equal(t, m.TabURL(win.TabID), "https://www.linkedin.com/jobs")

	tab, err := m.OpenTab(ctx, win.ID, "https://jobs.lever.co/acme/123")
	assert.NilError(t, err)
	assert.DeepEqual(t, m.Tabs(win.ID), []int{win.TabID, tab})

	ev := <-m.Events()
	assert.Equal(t, ev.Type, EventTabCreated)
	assert.Equal(t, ev.TabID, tab)

	assert.NilError(t, m.CloseTab(ctx, tab))
	assert.Check(t, !m.TabAlive(tab))
	ev = <-m.Events()
	assert.Equal(t, ev.Type, EventTabRemoved)

	err = m.CloseTab(ctx, tab)
	assert.Check(t, errors.Is(err, ErrTabNotFound))

	_, err = m.OpenTab(ctx, 999, "about:blank")
	assert.Check(t, errors.Is(err, ErrWindowNotFound))
}

func TestMemoryCloseWindowEmitsRemovals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	win, err := m.CreateWindow(ctx, "about:blank")
	assert.NilError(t, err)
	assert.NilError(t, m.CloseWindow(ctx, win.ID))

	first := <-m.Events()
	second := <-m.Events()
	assert.Equal(t, first.Type, EventTabRemoved)
	assert.Equal(t, second.Type, EventWindowRemoved)
	assert.Equal(t, second.WindowID, win.ID)
	assert.Check(t, is.Len(m.Tabs(win.ID), 0))
}

func TestMemoryInjectFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	win, err := m.CreateWindow(ctx, "about:blank")
	assert.NilError(t, err)

	m.FailInject(win.TabID, 2)
	assert.Check(t, m.Inject(ctx, win.TabID, "a") != nil)
	assert.Check(t, m.Inject(ctx, win.TabID, "b") != nil)
	assert.NilError(t, m.Inject(ctx, win.TabID, "c"))
	assert.DeepEqual(t, m.Scripts(win.TabID), []string{"c"})

	m.FailCreateWindow(errors.New("no display"))
	_, err = m.CreateWindow(ctx, "about:blank")
	assert.ErrorContains(t, err, "no display")
}
