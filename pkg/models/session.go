package models

import "time"

// SessionStatus represents the lifecycle state of an automation session
type SessionStatus string

const (
	StatusCreated     SessionStatus = "created"
	StatusStarting    SessionStatus = "starting"
	StatusRunning     SessionStatus = "running"
	StatusPaused      SessionStatus = "paused"
	StatusStopped     SessionStatus = "stopped"
	StatusInterrupted SessionStatus = "interrupted"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
	StatusError       SessionStatus = "error"
)

// Terminal reports whether no further transitions are possible
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusStopped, StatusInterrupted, StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// LinkStatus is the outcome recorded for a submitted job link
type LinkStatus string

const (
	LinkProcessing LinkStatus = "PROCESSING"
	LinkSuccess    LinkStatus = "SUCCESS"
	LinkError      LinkStatus = "ERROR"
	LinkSkipped    LinkStatus = "SKIPPED"
	LinkTimeout    LinkStatus = "TIMEOUT"
)

// SubmittedLink is one job the session has attempted
type SubmittedLink struct {
	URL       string     `json:"url"`
	Status    LinkStatus `json:"status"`
	Details   string     `json:"details,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// SearchData drives the search tab
type SearchData struct {
	Limit             int      `json:"limit"`
	Current           int      `json:"current"`
	Domain            []string `json:"domain"`
	SearchLinkPattern string   `json:"searchLinkPattern"`
}

// PlatformState is the per-job bookkeeping of a session.
// Tab ids are zero when no tab is tracked.
type PlatformState struct {
	IsProcessingJob      bool            `json:"isProcessingJob"`
	CurrentJobURL        string          `json:"currentJobUrl,omitempty"`
	CurrentJobTabID      int             `json:"currentJobTabId,omitempty"`
	ApplicationStartTime *time.Time      `json:"applicationStartTime,omitempty"`
	SubmittedLinks       []SubmittedLink `json:"submittedLinks"`
	SearchData           SearchData      `json:"searchData"`
	SearchTabID          int             `json:"searchTabId,omitempty"`
}

// SessionConfig is shared read-only by every tab of a session
type SessionConfig struct {
	UserID              string         `json:"userId"`
	APIHost             string         `json:"apiHost"`
	Preferences         map[string]any `json:"preferences,omitempty"`
	DevMode             bool           `json:"devMode,omitempty"`
	Country             string         `json:"country,omitempty"`
	UserPlan            string         `json:"userPlan,omitempty"`
	UserCredits         int            `json:"userCredits,omitempty"`
	DailyRemaining      int            `json:"dailyRemaining,omitempty"`
	ResumeURL           string         `json:"resumeUrl,omitempty"`
	CoverLetterTemplate string         `json:"coverLetterTemplate,omitempty"`
}

// AutomationSession is one "apply to N jobs" run bound to one browser window
type AutomationSession struct {
	ID          string         `json:"sessionId"`
	Platform    Platform       `json:"platform"`
	UserID      string         `json:"userId"`
	WindowID    int            `json:"windowId,omitempty"`
	Status      SessionStatus  `json:"status"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	Error       string         `json:"error,omitempty"`
	StopReason  string         `json:"stopReason,omitempty"`
	ErrorCount  int            `json:"errorCount"`
	State       PlatformState  `json:"platformState"`
	UserProfile map[string]any `json:"userProfile"`
	Config      SessionConfig  `json:"sessionConfig"`
}

// Progress is the live counter view of a session
type Progress struct {
	Current         int    `json:"current"`
	Limit           int    `json:"limit"`
	Submitted       int    `json:"submitted"`
	IsProcessingJob bool   `json:"isProcessingJob"`
	CurrentJobURL   string `json:"currentJobUrl,omitempty"`
	ErrorCount      int    `json:"errorCount"`
}

// WindowRegistration marks a browser window as automation-owned
type WindowRegistration struct {
	SessionID    string    `json:"sessionId"`
	Platform     Platform  `json:"platform"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// TabContext is what a content script needs to know about the session it runs in
type TabContext struct {
	SessionID          string         `json:"sessionId"`
	Platform           Platform       `json:"platform"`
	UserID             string         `json:"userId"`
	WindowID           int            `json:"windowId"`
	TabID              int            `json:"tabId"`
	IsAutomationWindow bool           `json:"isAutomationWindow"`
	APIHost            string         `json:"apiHost"`
	UserProfile        map[string]any `json:"userProfile"`
	Preferences        map[string]any `json:"preferences,omitempty"`
	Config             SessionConfig  `json:"sessionConfig"`
}

// SessionEvent is a persisted content-script report
type SessionEvent struct {
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
