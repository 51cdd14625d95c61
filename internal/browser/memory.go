package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Browser with no real pages. It backs the "memory"
// driver for local development and is the browser used by tests.
type Memory struct {
	mu         sync.Mutex
	nextWindow int
	nextTab    int
	windows    map[int]map[int]struct{}
	tabs       map[int]*memoryTab
	events     chan Event

	createErr    error
	openErr      error
	closeErr     error
	injectErrors map[int]int
}

type memoryTab struct {
	windowID int
	url      string
	scripts  []string
}

// NewMemory creates an empty in-memory browser
func NewMemory() *Memory {
	return &Memory{
		nextWindow:   100,
		nextTab:      1000,
		windows:      make(map[int]map[int]struct{}),
		tabs:         make(map[int]*memoryTab),
		events:       make(chan Event, 256),
		injectErrors: make(map[int]int),
	}
}

// CreateWindow implements Browser
func (m *Memory) CreateWindow(ctx context.Context, url string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return Window{}, m.createErr
	}
	m.nextWindow++
	windowID := m.nextWindow
	m.windows[windowID] = make(map[int]struct{})
	tabID := m.addTabLocked(windowID, url)
	return Window{ID: windowID, TabID: tabID}, nil
}

// OpenTab implements Browser
func (m *Memory) OpenTab(ctx context.Context, windowID int, url string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return 0, m.openErr
	}
	if _, ok := m.windows[windowID]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrWindowNotFound, windowID)
	}
	tabID := m.addTabLocked(windowID, url)
	m.emitLocked(Event{Type: EventTabCreated, TabID: tabID, WindowID: windowID, URL: url})
	return tabID, nil
}

func (m *Memory) addTabLocked(windowID int, url string) int {
	m.nextTab++
	tabID := m.nextTab
	m.tabs[tabID] = &memoryTab{windowID: windowID, url: url}
	m.windows[windowID][tabID] = struct{}{}
	return tabID
}

// CloseTab implements Browser
func (m *Memory) CloseTab(ctx context.Context, tabID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeErr != nil {
		return m.closeErr
	}
	return m.removeTabLocked(tabID)
}

func (m *Memory) removeTabLocked(tabID int) error {
	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	delete(m.tabs, tabID)
	delete(m.windows[tab.windowID], tabID)
	m.emitLocked(Event{Type: EventTabRemoved, TabID: tabID, WindowID: tab.windowID})
	return nil
}

// CloseWindow implements Browser
func (m *Memory) CloseWindow(ctx context.Context, windowID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tabs, ok := m.windows[windowID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrWindowNotFound, windowID)
	}
	for tabID := range tabs {
		m.removeTabLocked(tabID)
	}
	delete(m.windows, windowID)
	m.emitLocked(Event{Type: EventWindowRemoved, WindowID: windowID})
	return nil
}

// Inject implements Browser
func (m *Memory) Inject(ctx context.Context, tabID int, script string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	if n := m.injectErrors[tabID]; n > 0 {
		m.injectErrors[tabID] = n - 1
		return fmt.Errorf("tab %d not ready for injection", tabID)
	}
	tab.scripts = append(tab.scripts, script)
	return nil
}

// TabAlive implements Browser
func (m *Memory) TabAlive(tabID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tabs[tabID]
	return ok
}

// Events implements Browser
func (m *Memory) Events() <-chan Event {
	return m.events
}

// Close implements Browser
func (m *Memory) Close() error {
	return nil
}

// emitLocked publishes without blocking; events are dropped when nobody reads
func (m *Memory) emitLocked(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// Navigate simulates a completed page load in a tab
func (m *Memory) Navigate(tabID int, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	tab.url = url
	m.emitLocked(Event{Type: EventTabUpdated, TabID: tabID, WindowID: tab.windowID, URL: url, Complete: true})
	return nil
}

// FailCreateWindow makes subsequent CreateWindow calls fail
func (m *Memory) FailCreateWindow(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// FailOpenTab makes subsequent OpenTab calls fail
func (m *Memory) FailOpenTab(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// FailCloseTab makes subsequent CloseTab calls fail
func (m *Memory) FailCloseTab(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

// FailInject makes the next n injections into tabID fail
func (m *Memory) FailInject(tabID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectErrors[tabID] = n
}

// Scripts returns the scripts injected into a tab
func (m *Memory) Scripts(tabID int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab, ok := m.tabs[tabID]
	if !ok {
		return nil
	}
	return append([]string(nil), tab.scripts...)
}

// TabURL returns the URL a tab was opened or navigated to
func (m *Memory) TabURL(tabID int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tab, ok := m.tabs[tabID]; ok {
		return tab.url
	}
	return ""
}

// Tabs returns the open tabs of a window in ascending order
func (m *Memory) Tabs(windowID int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, 0, len(m.windows[windowID]))
	for tabID := range m.windows[windowID] {
		out = append(out, tabID)
	}
	sort.Ints(out)
	return out
}
