package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/applypilot/internal/store"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

// Kinds of persisted content-script reports
const (
	EventKindProgress  = "progress"
	EventKindError     = "error"
	EventKindSubmitted = "submitted"
)

// ContentScriptReady acknowledges a loaded content script and, once the ack
// is out, pushes START_AUTOMATION to its tab.
func (m *Manager) ContentScriptReady(req models.ReadyRequest) (models.ReadyResponse, error) {
	sess, ok := m.Lookup(req.SessionID)
	if !ok {
		return models.ReadyResponse{Status: "error", SessionID: req.SessionID, Message: ErrSessionNotFound.Error()}, ErrSessionNotFound
	}
	if req.Platform != "" && req.Platform != sess.Platform() {
		err := &ValidationError{Field: "platform", Message: fmt.Sprintf("session runs on %s", sess.Platform())}
		return models.ReadyResponse{Status: "error", SessionID: req.SessionID, Message: err.Error()}, err
	}

	if req.TabID != 0 {
		tc := sess.TabContext(req.TabID)
		m.mu.Lock()
		m.tabs[req.TabID] = tabEntry{sessionID: sess.ID(), windowID: sess.WindowID(), context: tc}
		m.mu.Unlock()

		go m.pushStart(req.SessionID, req.TabID)
	}

	m.log.Debug().Str("session_id", req.SessionID).Int("tab_id", req.TabID).Str("url", req.URL).Msg("Content script ready")
	return models.ReadyResponse{Status: "ok", SessionID: req.SessionID}, nil
}

// pushStart delivers START_AUTOMATION over the tab's channel, falling back to
// script injection when the tab has not connected.
func (m *Manager) pushStart(sessionID string, tabID int) {
	sess, ok := m.Lookup(sessionID)
	if !ok {
		return
	}
	msg := models.NewMessage(models.MsgStartAutomation, sess.TabContext(tabID))

	if h, ok := m.handlers[sess.Platform()]; ok && h.PushToTab(tabID, msg) {
		return
	}

	script, err := startScript(msg)
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to build start script")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), injectTimeout)
	defer cancel()

	err = m.browser.Inject(ctx, tabID, script)
	m.metrics.Injection(err == nil)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Int("tab_id", tabID).Msg("Failed to deliver START_AUTOMATION")
	}
}

// ReportProgress records a progress report and forwards it to the frontend
func (m *Manager) ReportProgress(ctx context.Context, rep models.ProgressReport) error {
	return m.record(ctx, rep.SessionID, EventKindProgress, rep.Progress, models.EventAutomationProgress)
}

// ReportError records a content-script error and forwards it to the frontend
func (m *Manager) ReportError(ctx context.Context, rep models.ErrorReport) error {
	payload := map[string]any{"error": rep.Error}
	if len(rep.Context) > 0 {
		payload["context"] = rep.Context
	}
	return m.record(ctx, rep.SessionID, EventKindError, payload, models.EventAutomationError)
}

// ApplicationSubmitted records a submitted application
func (m *Manager) ApplicationSubmitted(ctx context.Context, rep models.SubmissionReport) error {
	payload := map[string]any{"jobData": rep.JobData}
	if len(rep.ApplicationData) > 0 {
		payload["applicationData"] = rep.ApplicationData
	}
	return m.record(ctx, rep.SessionID, EventKindSubmitted, payload, models.EventApplicationSubmitted)
}

// Events lists the persisted content-script reports of a session
func (m *Manager) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	if _, err := m.owner(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, sessionID)
}

func (m *Manager) record(ctx context.Context, sessionID, kind string, payload map[string]any, evType string) error {
	userID, err := m.owner(ctx, sessionID)
	if err != nil {
		return err
	}

	ev := models.SessionEvent{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: m.now(),
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}
	m.notify(userID, m.event(evType, sessionID, payload))
	return nil
}

// owner returns the user of an active or persisted session
func (m *Manager) owner(ctx context.Context, sessionID string) (string, error) {
	if sess, ok := m.Lookup(sessionID); ok {
		return sess.UserID(), nil
	}
	snap, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	return snap.UserID, nil
}
