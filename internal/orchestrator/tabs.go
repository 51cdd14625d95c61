package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shehryarbajwa/applypilot/internal/browser"
	"github.com/shehryarbajwa/applypilot/internal/session"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

const injectTimeout = 10 * time.Second

// contextScript publishes tc to the page and to session storage
func contextScript(tc models.TabContext) (string, error) {
	raw, err := json.Marshal(tc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function () {
  var ctx = %s;
  window.__applyPilotContext = ctx;
  try { sessionStorage.setItem("applyPilotContext", JSON.stringify(ctx)); } catch (e) {}
  window.dispatchEvent(new CustomEvent("applyPilotContext", { detail: ctx }));
})();`, raw), nil
}

// startScript hands a START_AUTOMATION message to a tab that has no channel
func startScript(msg models.Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`window.postMessage(%s, "*");`, raw), nil
}

// injectWithRetry evaluates the context script, retrying a bounded number of
// times because a fresh tab is not always ready for scripting.
func (m *Manager) injectWithRetry(ctx context.Context, tabID int, tc models.TabContext) error {
	script, err := contextScript(tc)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.InjectAttempts; attempt++ {
		ictx, cancel := context.WithTimeout(ctx, injectTimeout)
		lastErr = m.browser.Inject(ictx, tabID, script)
		cancel()

		m.metrics.Injection(lastErr == nil)
		if lastErr == nil {
			return nil
		}
		m.log.Debug().Err(lastErr).Int("tab_id", tabID).Int("attempt", attempt).Msg("Context injection attempt failed")

		if attempt == m.cfg.InjectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.InjectRetryDelay):
		}
	}
	return fmt.Errorf("context injection failed after %d attempts: %w", m.cfg.InjectAttempts, lastErr)
}

// TabContext returns the context recorded for a tab of an automation window
func (m *Manager) TabContext(tabID int) (models.TabContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[tabID]
	if !ok {
		return models.TabContext{}, false
	}
	return t.context, true
}

// CheckAutomationWindow answers from the window registration alone
func (m *Manager) CheckAutomationWindow(windowID, tabID int) models.WindowCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.windows[windowID]
	return models.WindowCheck{
		IsAutomationWindow: ok,
		WindowID:           windowID,
		TabID:              tabID,
		SessionID:          id,
	}
}

// sessionForWindow returns the active session owning windowID
func (m *Manager) sessionForWindow(windowID int) (*session.Automation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.windows[windowID]
	if !ok {
		return nil, false
	}
	sess, ok := m.sessions[id]
	return sess, ok
}

// HandleBrowserEvent folds one tab or window lifecycle event in
func (m *Manager) HandleBrowserEvent(ev browser.Event) {
	switch ev.Type {
	case browser.EventTabCreated:
		m.tabCreated(ev.TabID, ev.WindowID)
	case browser.EventTabUpdated:
		if ev.Complete {
			m.tabLoaded(ev.TabID, ev.WindowID)
		}
	case browser.EventTabRemoved:
		m.tabRemoved(ev.TabID)
	case browser.EventWindowRemoved:
		m.HandleWindowClosed(ev.WindowID)
	default:
		m.log.Debug().Str("type", string(ev.Type)).Msg("Ignoring browser event")
	}
}

// WatchBrowser consumes browser events until ctx is done or the stream closes
func (m *Manager) WatchBrowser(ctx context.Context) {
	events := m.browser.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.HandleBrowserEvent(ev)
		}
	}
}

func (m *Manager) tabCreated(tabID, windowID int) {
	sess, ok := m.sessionForWindow(windowID)
	if !ok {
		return
	}
	tc := sess.TabContext(tabID)

	m.mu.Lock()
	m.tabs[tabID] = tabEntry{sessionID: sess.ID(), windowID: windowID, context: tc}
	m.mu.Unlock()
}

// tabLoaded re-injects the context after each navigation, since page loads
// wipe window globals.
func (m *Manager) tabLoaded(tabID, windowID int) {
	m.mu.RLock()
	t, known := m.tabs[tabID]
	m.mu.RUnlock()

	if !known {
		sess, ok := m.sessionForWindow(windowID)
		if !ok {
			return
		}
		t = tabEntry{sessionID: sess.ID(), windowID: windowID, context: sess.TabContext(tabID)}
		m.mu.Lock()
		m.tabs[tabID] = t
		m.mu.Unlock()
	}

	go func() {
		if err := m.injectWithRetry(context.Background(), tabID, t.context); err != nil {
			m.log.Warn().Err(err).Int("tab_id", tabID).Str("session_id", t.sessionID).Msg("Context re-injection failed")
		}
	}()
}

func (m *Manager) tabRemoved(tabID int) {
	m.mu.Lock()
	t, ok := m.tabs[tabID]
	delete(m.tabs, tabID)
	m.mu.Unlock()
	if !ok {
		return
	}

	sess, ok := m.Lookup(t.sessionID)
	if !ok {
		return
	}
	if h, ok := m.handlers[sess.Platform()]; ok {
		h.JobTabClosed(sess, tabID)
	}
}

// HandleWindowClosed ends the session owning windowID. A running session is
// marked interrupted, anything else stopped.
func (m *Manager) HandleWindowClosed(windowID int) {
	sess, ok := m.sessionForWindow(windowID)

	m.mu.Lock()
	delete(m.windows, windowID)
	for tabID, t := range m.tabs {
		if t.windowID == windowID {
			delete(m.tabs, tabID)
		}
	}
	m.mu.Unlock()

	if !ok {
		if err := m.store.DeleteWindow(context.Background(), windowID); err != nil {
			m.log.Debug().Err(err).Int("window_id", windowID).Msg("Delete window registration failed")
		}
		return
	}

	status := models.StatusStopped
	if sess.Status() == models.StatusRunning {
		status = models.StatusInterrupted
	}
	m.log.Info().Str("session_id", sess.ID()).Int("window_id", windowID).Msg("Automation window closed")
	m.finish(sess, status, "window closed")
}
