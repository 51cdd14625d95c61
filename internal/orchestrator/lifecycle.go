package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/applypilot/internal/session"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

// Run drives the background work of the manager until ctx is done: channel
// sweeps, browser events and periodic cleanup.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range m.handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.WatchBrowser(ctx)
	}()

	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.log.Error().Err(err).Msg("Cleanup failed")
			}
		}
	}
}

// Cleanup prunes expired persisted sessions and forgets tab contexts whose
// window is no longer registered. It returns the number of pruned sessions.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	dropped := 0
	for tabID, t := range m.tabs {
		if _, ok := m.windows[t.windowID]; !ok {
			delete(m.tabs, tabID)
			dropped++
		}
	}
	m.mu.Unlock()

	pruned := 0
	if m.cfg.SessionTTL > 0 {
		n, err := m.store.Prune(ctx, m.now().Add(-m.cfg.SessionTTL))
		if err != nil {
			return 0, fmt.Errorf("failed to prune sessions: %w", err)
		}
		pruned = n
	}

	if dropped > 0 || pruned > 0 {
		m.log.Info().Int("tab_contexts", dropped).Int("sessions", pruned).Msg("Cleanup finished")
	}
	return pruned, nil
}

// Restore reloads the non-terminal sessions persisted by a previous run.
// Sessions that still own a window resume where they were; the rest are
// closed out. It returns the number of sessions made active again.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	snapshots, err := m.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	windows, err := m.store.ListWindows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list windows: %w", err)
	}

	owned := make(map[string]int, len(windows))
	for windowID, reg := range windows {
		owned[reg.SessionID] = windowID
	}

	now := m.now()
	restored := 0
	for _, snap := range snapshots {
		if snap.Status.Terminal() {
			continue
		}
		sess := session.Restore(snap, now)
		log := m.log.With().Str("session_id", snap.ID).Str("platform", string(snap.Platform)).Logger()

		windowID, hasWindow := owned[snap.ID]
		switch {
		case !hasWindow:
			m.closeOut(sess, "window missing after restart")
			continue
		case snap.Status != models.StatusRunning && snap.Status != models.StatusPaused:
			m.closeOut(sess, "interrupted by restart")
			if err := m.store.DeleteWindow(ctx, windowID); err != nil {
				log.Warn().Err(err).Msg("Failed to delete window registration")
			}
			continue
		}

		if err := m.acquireSlot(sess.UserID()); err != nil {
			log.Warn().Err(err).Msg("Not restoring session")
			m.closeOut(sess, "session limit reached after restart")
			continue
		}

		m.mu.Lock()
		m.sessions[sess.ID()] = sess
		m.suffixes[sess.Suffix()] = sess.ID()
		m.windows[windowID] = sess.ID()
		m.mu.Unlock()

		m.persist(sess)
		m.metrics.SessionStarted(sess.Platform())
		restored++
		log.Info().Int("window_id", windowID).Str("status", string(snap.Status)).Msg("Restored session")
	}
	return restored, nil
}

// closeOut moves a session that is not active to the nearest terminal status
func (m *Manager) closeOut(sess *session.Automation, reason string) {
	var status models.SessionStatus
	switch sess.Status() {
	case models.StatusRunning:
		status = models.StatusInterrupted
	case models.StatusPaused:
		status = models.StatusStopped
	default:
		status = models.StatusError
	}
	if err := sess.Transition(status, reason, m.now()); err != nil {
		m.log.Warn().Err(err).Str("session_id", sess.ID()).Msg("Failed to close out session")
		return
	}
	m.persist(sess)
}

// Shutdown persists every active session and closes all channels. Sessions
// stay non-terminal so the next run can restore them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	active := make([]*session.Automation, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.RUnlock()

	for _, s := range active {
		if err := m.store.SaveSession(ctx, s.Snapshot()); err != nil {
			m.log.Error().Err(err).Str("session_id", s.ID()).Msg("Failed to persist session on shutdown")
		}
	}
	for _, h := range m.handlers {
		h.Close()
	}
	m.log.Info().Int("sessions", len(active)).Msg("Orchestrator shut down")
	return nil
}
