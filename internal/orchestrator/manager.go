// Package orchestrator is the single source of truth for which session owns
// which window. It accepts start, pause, resume and stop requests, follows the
// browser's window and tab lifecycle, and owns one handler per platform.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/applypilot/internal/browser"
	"github.com/shehryarbajwa/applypilot/internal/channel"
	"github.com/shehryarbajwa/applypilot/internal/handler"
	"github.com/shehryarbajwa/applypilot/internal/metrics"
	"github.com/shehryarbajwa/applypilot/internal/platform"
	"github.com/shehryarbajwa/applypilot/internal/scheduler"
	"github.com/shehryarbajwa/applypilot/internal/session"
	"github.com/shehryarbajwa/applypilot/internal/store"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSlotsExhausted  = errors.New("too many active sessions")
)

// ValidationError rejects a request before any state is created
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ProfileFetcher loads a user's profile from the API
type ProfileFetcher interface {
	Fetch(ctx context.Context, apiHost, userID string) (map[string]any, error)
}

// Notifier pushes events to a user's frontend
type Notifier interface {
	Notify(userID string, ev models.FrontendEvent)
}

// Config tunes the manager
type Config struct {
	APIHost            string
	MaxErrors          int
	MaxSessionsPerUser int
	InjectAttempts     int
	InjectRetryDelay   time.Duration
	SessionTTL         time.Duration
	CleanupInterval    time.Duration
	ProfileTimeout     time.Duration
}

// Deps are the manager's collaborators. Metrics, Profiles and Notifier may be nil.
type Deps struct {
	Browser   browser.Browser
	Store     store.Store
	Profiles  ProfileFetcher
	Notifier  Notifier
	Metrics   *metrics.Collector
	Scheduler scheduler.Scheduler
	Now       func() time.Time
}

type tabEntry struct {
	sessionID string
	windowID  int
	context   models.TabContext
}

// Manager handles all automation sessions
type Manager struct {
	cfg      Config
	browser  browser.Browser
	store    store.Store
	profiles ProfileFetcher
	notifier Notifier
	metrics  *metrics.Collector
	sched    scheduler.Scheduler
	now      func() time.Time
	log      zerolog.Logger

	handlers map[models.Platform]*handler.Handler
	starts   singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*session.Automation // active sessions by id
	suffixes map[string]string              // session suffix -> id
	windows  map[int]string                 // window id -> session id
	tabs     map[int]tabEntry
	slots    map[string]*semaphore.Weighted
}

// NewManager creates a manager and one handler per supported platform
func NewManager(cfg Config, deps Deps, logger zerolog.Logger) *Manager {
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 3
	}
	if cfg.InjectAttempts <= 0 {
		cfg.InjectAttempts = 3
	}
	if cfg.ProfileTimeout <= 0 {
		cfg.ProfileTimeout = 10 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New()
	}

	m := &Manager{
		cfg:      cfg,
		browser:  deps.Browser,
		store:    deps.Store,
		profiles: deps.Profiles,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		sched:    deps.Scheduler,
		now:      deps.Now,
		log:      logger.With().Str("component", "orchestrator").Logger(),
		handlers: make(map[models.Platform]*handler.Handler),
		sessions: make(map[string]*session.Automation),
		suffixes: make(map[string]string),
		windows:  make(map[int]string),
		tabs:     make(map[int]tabEntry),
		slots:    make(map[string]*semaphore.Weighted),
	}

	for _, pc := range platform.All() {
		m.handlers[pc.Name] = handler.New(pc, handler.Deps{
			Sessions:       m,
			Tabs:           deps.Browser,
			Events:         m,
			Scheduler:      deps.Scheduler,
			MaxErrors:      cfg.MaxErrors,
			Now:            deps.Now,
			ChannelOptions: []channel.Option{channel.WithCountHook(deps.Metrics.ChannelCount)},
		}, logger)
	}
	return m
}

// Handler returns the handler of a platform
func (m *Manager) Handler(p models.Platform) (*handler.Handler, bool) {
	h, ok := m.handlers[p]
	return h, ok
}

func validateStart(req models.StartRequest) error {
	if !req.Platform.Valid() {
		return &ValidationError{Field: "platform", Message: fmt.Sprintf("unsupported platform %q", req.Platform)}
	}
	if strings.TrimSpace(req.UserID) == "" {
		return &ValidationError{Field: "userId", Message: "userId is required"}
	}
	if req.JobsToApply <= 0 {
		return &ValidationError{Field: "jobsToApply", Message: "jobsToApply must be a positive integer"}
	}
	return nil
}

// StartApplying validates req, creates the session and its window and
// injects the session context into the first tab. Concurrent identical
// requests share a single session.
func (m *Manager) StartApplying(ctx context.Context, req models.StartRequest) (models.StartResponse, error) {
	if err := validateStart(req); err != nil {
		return models.StartResponse{Status: "error", Message: err.Error()}, err
	}

	key := "startApplying|" + req.UserID + "|" + string(req.Platform)
	v, err, shared := m.starts.Do(key, func() (any, error) {
		return m.start(ctx, req)
	})
	if err != nil {
		return models.StartResponse{Status: "error", Message: err.Error()}, err
	}
	if shared {
		m.log.Debug().Str("user_id", req.UserID).Str("platform", string(req.Platform)).Msg("Start request deduplicated")
	}
	return v.(models.StartResponse), nil
}

func (m *Manager) start(ctx context.Context, req models.StartRequest) (models.StartResponse, error) {
	pc, err := platform.Lookup(req.Platform)
	if err != nil {
		return models.StartResponse{}, err
	}
	if err := m.acquireSlot(req.UserID); err != nil {
		return models.StartResponse{}, err
	}

	apiHost := req.APIHost
	if apiHost == "" {
		apiHost = m.cfg.APIHost
	}
	profile := m.fetchProfile(ctx, apiHost, req.UserID)

	now := m.now()
	id := newSessionID(now)
	sess := session.New(id, req, pc, profile, apiHost, now)
	log := m.log.With().Str("session_id", id).Str("platform", string(req.Platform)).Str("user_id", req.UserID).Logger()

	m.mu.Lock()
	m.sessions[id] = sess
	m.suffixes[sess.Suffix()] = id
	m.mu.Unlock()

	if err := sess.Transition(models.StatusStarting, "", m.now()); err != nil {
		m.abortStart(sess, models.StatusError, err.Error())
		return models.StartResponse{}, err
	}
	if err := m.store.SaveSession(ctx, sess.Snapshot()); err != nil {
		m.abortStart(sess, models.StatusError, "failed to persist session")
		return models.StartResponse{}, fmt.Errorf("failed to persist session: %w", err)
	}

	win, err := m.browser.CreateWindow(ctx, pc.StartURL(req.Preferences))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create automation window")
		m.abortStart(sess, models.StatusFailed, fmt.Sprintf("failed to create window: %v", err))
		return models.StartResponse{}, fmt.Errorf("failed to create window: %w", err)
	}
	if err := sess.AssignWindow(win.ID); err != nil {
		m.abortStart(sess, models.StatusError, err.Error())
		return models.StartResponse{}, err
	}

	reg := models.WindowRegistration{SessionID: id, Platform: req.Platform, RegisteredAt: m.now()}
	if err := m.store.SaveWindow(ctx, win.ID, reg); err != nil {
		m.abortStart(sess, models.StatusError, "failed to persist window registration")
		m.closeWindow(win.ID)
		return models.StartResponse{}, fmt.Errorf("failed to persist window registration: %w", err)
	}

	tc := sess.TabContext(win.TabID)
	m.mu.Lock()
	m.windows[win.ID] = id
	m.tabs[win.TabID] = tabEntry{sessionID: id, windowID: win.ID, context: tc}
	m.mu.Unlock()

	if err := m.injectWithRetry(ctx, win.TabID, tc); err != nil {
		// the content script can still pull its context over HTTP
		log.Warn().Err(err).Int("tab_id", win.TabID).Msg("Context injection failed")
	}

	if err := sess.Transition(models.StatusRunning, "", m.now()); err != nil {
		m.abortStart(sess, models.StatusError, err.Error())
		return models.StartResponse{}, err
	}
	m.persist(sess)
	m.metrics.SessionStarted(req.Platform)

	log.Info().Int("window_id", win.ID).Int("jobs_to_apply", req.JobsToApply).Msg("Automation started")

	userID := req.UserID
	started := m.event(models.EventAutomationStarted, id, map[string]any{
		"windowId": win.ID,
		"platform": req.Platform,
		"limit":    req.JobsToApply,
	})
	go m.notify(userID, started)

	return models.StartResponse{
		Status:    "started",
		SessionID: id,
		WindowID:  win.ID,
		Message:   "automation started",
	}, nil
}

// abortStart ends a session that never reached running
func (m *Manager) abortStart(sess *session.Automation, status models.SessionStatus, reason string) {
	m.mu.Lock()
	delete(m.sessions, sess.ID())
	delete(m.suffixes, sess.Suffix())
	if w := sess.WindowID(); w != 0 {
		delete(m.windows, w)
	}
	m.mu.Unlock()

	if err := sess.Transition(status, reason, m.now()); err != nil {
		m.log.Debug().Err(err).Str("session_id", sess.ID()).Msg("Abort transition")
	}
	m.persist(sess)
	m.releaseSlot(sess.UserID())

	evType := models.EventAutomationError
	if status == models.StatusFailed {
		evType = models.EventAutomationFailed
	}
	m.notify(sess.UserID(), m.event(evType, sess.ID(), map[string]any{"error": reason}))
}

func (m *Manager) fetchProfile(ctx context.Context, apiHost, userID string) map[string]any {
	if m.profiles == nil {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, m.cfg.ProfileTimeout)
	defer cancel()

	profile, err := m.profiles.Fetch(fctx, apiHost, userID)
	if err != nil {
		m.log.Error().Err(err).Str("user_id", userID).Msg("Profile fetch failed, continuing without profile")
		m.notify(userID, m.event(models.EventAutomationError, "", map[string]any{
			"error": "user profile unavailable",
		}))
		return nil
	}
	return profile
}

// PauseApplying pauses a running session
func (m *Manager) PauseApplying(ctx context.Context, sessionID string) (models.ActionResponse, error) {
	sess, ok := m.Lookup(sessionID)
	if !ok {
		return models.ActionResponse{Status: "error", SessionID: sessionID, Message: ErrSessionNotFound.Error()}, ErrSessionNotFound
	}
	if err := sess.Transition(models.StatusPaused, "", m.now()); err != nil {
		return models.ActionResponse{Status: "error", SessionID: sessionID, Message: err.Error()}, err
	}
	m.persist(sess)
	m.notify(sess.UserID(), m.event(models.EventAutomationPaused, sessionID, sess.Progress()))
	m.log.Info().Str("session_id", sessionID).Msg("Automation paused")
	return models.ActionResponse{Status: "paused", SessionID: sessionID}, nil
}

// ResumeApplying resumes a paused session
func (m *Manager) ResumeApplying(ctx context.Context, sessionID string) (models.ActionResponse, error) {
	sess, ok := m.Lookup(sessionID)
	if !ok {
		return models.ActionResponse{Status: "error", SessionID: sessionID, Message: ErrSessionNotFound.Error()}, ErrSessionNotFound
	}
	if err := sess.Transition(models.StatusRunning, "", m.now()); err != nil {
		return models.ActionResponse{Status: "error", SessionID: sessionID, Message: err.Error()}, err
	}
	m.persist(sess)
	if h, ok := m.handlers[sess.Platform()]; ok {
		h.Resume(sess)
	}
	m.notify(sess.UserID(), m.event(models.EventAutomationResumed, sessionID, sess.Progress()))
	m.log.Info().Str("session_id", sessionID).Msg("Automation resumed")
	return models.ActionResponse{Status: "running", SessionID: sessionID}, nil
}

// StopApplying stops a session, closing its in-flight job tab
func (m *Manager) StopApplying(ctx context.Context, sessionID string) (models.ActionResponse, error) {
	sess, ok := m.Lookup(sessionID)
	if !ok {
		return models.ActionResponse{Status: "error", SessionID: sessionID, Message: ErrSessionNotFound.Error()}, ErrSessionNotFound
	}
	if !m.finish(sess, models.StatusStopped, "stopped by user") {
		return models.ActionResponse{Status: "error", SessionID: sessionID, Message: "session already finished"}, ErrSessionNotFound
	}
	return models.ActionResponse{Status: "stopped", SessionID: sessionID}, nil
}

// GetStatus returns the persisted session plus live progress while active
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (models.StatusResponse, error) {
	if sess, ok := m.Lookup(sessionID); ok {
		snap := sess.Snapshot()
		progress := sess.Progress()
		return models.StatusResponse{Status: "success", Session: &snap, Progress: &progress}, nil
	}

	snap, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = ErrSessionNotFound
		}
		return models.StatusResponse{Status: "error", Message: err.Error()}, err
	}
	return models.StatusResponse{Status: "success", Session: &snap}, nil
}

// finish moves an active session to a terminal status exactly once. It
// reports false when the session was no longer active.
func (m *Manager) finish(sess *session.Automation, status models.SessionStatus, reason string) bool {
	m.mu.Lock()
	if m.sessions[sess.ID()] != sess {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sess.ID())
	delete(m.suffixes, sess.Suffix())
	windowID := sess.WindowID()
	if windowID != 0 && m.windows[windowID] == sess.ID() {
		delete(m.windows, windowID)
	}
	for tabID, t := range m.tabs {
		if t.sessionID == sess.ID() {
			delete(m.tabs, tabID)
		}
	}
	m.mu.Unlock()

	if err := sess.Transition(status, reason, m.now()); err != nil {
		m.log.Warn().Err(err).Str("session_id", sess.ID()).Msg("Falling back to stopped")
		status = models.StatusStopped
		_ = sess.Transition(status, reason, m.now())
	}

	if h, ok := m.handlers[sess.Platform()]; ok {
		h.Stop(sess, reason)
	}

	m.persist(sess)
	if windowID != 0 {
		if err := m.store.DeleteWindow(context.Background(), windowID); err != nil {
			m.log.Error().Err(err).Int("window_id", windowID).Msg("Failed to delete window registration")
		}
	}
	m.releaseSlot(sess.UserID())
	m.metrics.SessionFinished(sess.Platform(), status)

	m.notify(sess.UserID(), m.event(terminalEvent(status), sess.ID(), map[string]any{
		"reason":   reason,
		"progress": sess.Progress(),
	}))
	m.log.Info().Str("session_id", sess.ID()).Str("status", string(status)).Str("reason", reason).Msg("Automation finished")
	return true
}

func terminalEvent(status models.SessionStatus) string {
	switch status {
	case models.StatusCompleted:
		return models.EventAutomationCompleted
	case models.StatusFailed:
		return models.EventAutomationFailed
	case models.StatusError:
		return models.EventAutomationError
	default:
		return models.EventAutomationStopped
	}
}

// Lookup implements handler.Sessions
func (m *Manager) Lookup(id string) (*session.Automation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// BySuffix implements handler.Sessions
func (m *Manager) BySuffix(suffix string) (*session.Automation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.suffixes[suffix]
	if !ok {
		return nil, false
	}
	sess, ok := m.sessions[id]
	return sess, ok
}

// TrackJobTab implements handler.Sessions
func (m *Manager) TrackJobTab(sess *session.Automation, tabID int) {
	tc := sess.TabContext(tabID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs[tabID] = tabEntry{sessionID: sess.ID(), windowID: sess.WindowID(), context: tc}
}

// JobFinished implements handler.Events
func (m *Manager) JobFinished(sess *session.Automation, out session.Outcome) {
	var took time.Duration
	if !out.Job.StartedAt.IsZero() {
		took = m.now().Sub(out.Job.StartedAt)
	}
	m.metrics.ApplicationFinished(sess.Platform(), out.Status, took)
	m.persist(sess)
	m.notify(sess.UserID(), m.event(models.EventAutomationProgress, sess.ID(), map[string]any{
		"url":      out.Job.URL,
		"status":   out.Status,
		"progress": sess.Progress(),
	}))
}

// SessionFinished implements handler.Events
func (m *Manager) SessionFinished(sess *session.Automation, status models.SessionStatus, reason string) {
	m.finish(sess, status, reason)
}

// Active returns snapshots of the active sessions of userID, or of everyone when empty
func (m *Manager) Active(userID string) []models.AutomationSession {
	m.mu.RLock()
	list := make([]*session.Automation, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]models.AutomationSession, 0, len(list))
	for _, s := range list {
		if userID != "" && s.UserID() != userID {
			continue
		}
		out = append(out, s.Snapshot())
	}
	return out
}

func (m *Manager) persist(sess *session.Automation) {
	if err := m.store.SaveSession(context.Background(), sess.Snapshot()); err != nil {
		m.log.Error().Err(err).Str("session_id", sess.ID()).Msg("Failed to persist session")
	}
}

func (m *Manager) event(evType, sessionID string, data any) models.FrontendEvent {
	return models.FrontendEvent{Type: evType, SessionID: sessionID, Data: data, Timestamp: m.now()}
}

func (m *Manager) notify(userID string, ev models.FrontendEvent) {
	if m.notifier == nil || userID == "" {
		return
	}
	m.notifier.Notify(userID, ev)
}

// acquireSlot tries to acquire a concurrency slot for the user
func (m *Manager) acquireSlot(userID string) error {
	m.mu.Lock()
	sem, exists := m.slots[userID]
	if !exists {
		sem = semaphore.NewWeighted(int64(m.cfg.MaxSessionsPerUser))
		m.slots[userID] = sem
	}
	m.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("%w for user %s", ErrSlotsExhausted, userID)
	}
	return nil
}

// releaseSlot releases a concurrency slot for the user
func (m *Manager) releaseSlot(userID string) {
	m.mu.RLock()
	sem := m.slots[userID]
	m.mu.RUnlock()

	if sem != nil {
		sem.Release(1)
	}
}

func (m *Manager) closeWindow(windowID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.browser.CloseWindow(ctx, windowID); err != nil {
		m.log.Debug().Err(err).Int("window_id", windowID).Msg("Close window failed")
	}
}

// newSessionID returns session_{unixMillis}_{8 hex}
func newSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix)
}
