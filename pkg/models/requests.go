package models

// StartRequest is the frontend's startApplying payload
type StartRequest struct {
	Platform            Platform       `json:"platform"`
	UserID              string         `json:"userId"`
	JobsToApply         int            `json:"jobsToApply"`
	SubmittedLinks      []string       `json:"submittedLinks,omitempty"`
	DevMode             bool           `json:"devMode,omitempty"`
	Country             string         `json:"country,omitempty"`
	UserPlan            string         `json:"userPlan,omitempty"`
	UserCredits         int            `json:"userCredits,omitempty"`
	DailyRemaining      int            `json:"dailyRemaining,omitempty"`
	ResumeURL           string         `json:"resumeUrl,omitempty"`
	CoverLetterTemplate string         `json:"coverLetterTemplate,omitempty"`
	Preferences         map[string]any `json:"preferences,omitempty"`
	APIHost             string         `json:"apiHost,omitempty"`
}

// StartResponse answers startApplying
type StartResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	WindowID  int    `json:"windowId,omitempty"`
	Message   string `json:"message"`
}

// SessionRequest addresses an existing session
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// ActionResponse answers pause / resume / stop
type ActionResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// StatusResponse answers getStatus
type StatusResponse struct {
	Status   string             `json:"status"`
	Session  *AutomationSession `json:"session,omitempty"`
	Progress *Progress          `json:"progress,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// WindowCheck answers checkIfAutomationWindow
type WindowCheck struct {
	IsAutomationWindow bool   `json:"isAutomationWindow"`
	WindowID           int    `json:"windowId"`
	TabID              int    `json:"tabId"`
	SessionID          string `json:"sessionId,omitempty"`
}

// ReadyRequest is sent by a content script once loaded
type ReadyRequest struct {
	SessionID string   `json:"sessionId"`
	Platform  Platform `json:"platform"`
	UserID    string   `json:"userId"`
	URL       string   `json:"url"`
	TabID     int      `json:"tabId"`
	WindowID  int      `json:"windowId"`
}

// ReadyResponse acknowledges contentScriptReady
type ReadyResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ProgressReport is reportProgress
type ProgressReport struct {
	SessionID string         `json:"sessionId"`
	Progress  map[string]any `json:"progress"`
}

// ErrorReport is reportError
type ErrorReport struct {
	SessionID string         `json:"sessionId"`
	Error     string         `json:"error"`
	Context   map[string]any `json:"context,omitempty"`
}

// SubmissionReport is applicationSubmitted
type SubmissionReport struct {
	SessionID       string         `json:"sessionId"`
	JobData         map[string]any `json:"jobData"`
	ApplicationData map[string]any `json:"applicationData,omitempty"`
}
