// Package browser abstracts the windows and tabs the automation drives.
package browser

import (
	"context"
	"errors"
)

var (
	ErrTabNotFound    = errors.New("tab not found")
	ErrWindowNotFound = errors.New("window not found")
)

// Window is a freshly created automation window and its first tab
type Window struct {
	ID    int
	TabID int
}

// EventType names a browser lifecycle event
type EventType string

const (
	EventTabCreated    EventType = "tabCreated"
	EventTabUpdated    EventType = "tabUpdated"
	EventTabRemoved    EventType = "tabRemoved"
	EventWindowRemoved EventType = "windowRemoved"
)

// Event is a tab or window lifecycle notification
type Event struct {
	Type     EventType `json:"type"`
	TabID    int       `json:"tabId,omitempty"`
	WindowID int       `json:"windowId,omitempty"`
	URL      string    `json:"url,omitempty"`
	// Complete is set on tabUpdated once navigation finished loading
	Complete bool `json:"complete,omitempty"`
}

// Browser is the window/tab surface the orchestrator and handlers need
type Browser interface {
	CreateWindow(ctx context.Context, url string) (Window, error)
	OpenTab(ctx context.Context, windowID int, url string) (int, error)
	CloseTab(ctx context.Context, tabID int) error
	CloseWindow(ctx context.Context, windowID int) error
	// Inject evaluates script in the tab's page
	Inject(ctx context.Context, tabID int, script string) error
	TabAlive(tabID int) bool
	Events() <-chan Event
	Close() error
}
