package models

import (
	"encoding/json"
	"time"
)

// Channel message types exchanged with content scripts
const (
	MsgGetSearchTask          = "GET_SEARCH_TASK"
	MsgGetApplicationTask     = "GET_APPLICATION_TASK"
	MsgGetSendCVTask          = "GET_SEND_CV_TASK"
	MsgStartApplication       = "START_APPLICATION"
	MsgSendCVTask             = "SEND_CV_TASK"
	MsgApplicationCompleted   = "APPLICATION_COMPLETED"
	MsgApplicationSuccess     = "APPLICATION_SUCCESS"
	MsgApplicationError       = "APPLICATION_ERROR"
	MsgApplicationSkipped     = "APPLICATION_SKIPPED"
	MsgApplicationTimeout     = "APPLICATION_TIMEOUT"
	MsgSendCVTaskDone         = "SEND_CV_TASK_DONE"
	MsgSendCVTaskError        = "SEND_CV_TASK_ERROR"
	MsgSendCVTaskSkip         = "SEND_CV_TASK_SKIP"
	MsgCheckApplicationStatus = "CHECK_APPLICATION_STATUS"
	MsgCheckJobTabStatus      = "CHECK_JOB_TAB_STATUS"
	MsgSearchNextReady        = "SEARCH_NEXT_READY"
	MsgSearchCompleted        = "SEARCH_COMPLETED"
	MsgSearchTaskDone         = "SEARCH_TASK_DONE"
	MsgKeepalive              = "KEEPALIVE"

	MsgSuccess                   = "SUCCESS"
	MsgError                     = "ERROR"
	MsgDuplicate                 = "DUPLICATE"
	MsgSearchNext                = "SEARCH_NEXT"
	MsgApplicationStatusResponse = "APPLICATION_STATUS_RESPONSE"
	MsgJobTabStatus              = "JOB_TAB_STATUS"
	MsgConnectionEstablished     = "CONNECTION_ESTABLISHED"
	MsgKeepaliveResponse         = "KEEPALIVE_RESPONSE"
	MsgAutomationStopped         = "AUTOMATION_STOPPED"
	MsgStartAutomation           = "START_AUTOMATION"
)

// Message is the envelope carried over a channel
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message, marshaling data when present
func NewMessage(msgType string, data any) Message {
	msg := Message{Type: msgType}
	if data == nil {
		return msg
	}
	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg
	}
	if b, err := json.Marshal(data); err == nil {
		msg.Data = b
	}
	return msg
}

// Decode unmarshals the message payload into v. An empty payload is not an error.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// SearchTask answers GET_SEARCH_TASK
type SearchTask struct {
	Limit             int             `json:"limit"`
	Current           int             `json:"current"`
	Domain            []string        `json:"domain"`
	SubmittedLinks    []SubmittedLink `json:"submittedLinks"`
	SearchLinkPattern string          `json:"searchLinkPattern"`
}

// ApplicationTask answers GET_APPLICATION_TASK
type ApplicationTask struct {
	SessionID     string         `json:"sessionId"`
	URL           string         `json:"url,omitempty"`
	Profile       map[string]any `json:"profile"`
	SessionConfig SessionConfig  `json:"sessionConfig"`
}

// JobRequest is the payload of START_APPLICATION
type JobRequest struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// JobResult is the payload of a job completion
type JobResult struct {
	URL     string `json:"url,omitempty"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// SearchNext tells the search tab to resume
type SearchNext struct {
	Status  LinkStatus `json:"status"`
	URL     string     `json:"url,omitempty"`
	Current int        `json:"current"`
	Limit   int        `json:"limit"`
	Message string     `json:"message,omitempty"`
}

// Reply is the generic payload for SUCCESS / ERROR / DUPLICATE
type Reply struct {
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
	TabID   int    `json:"tabId,omitempty"`
}

// ApplicationStatus answers CHECK_APPLICATION_STATUS
type ApplicationStatus struct {
	InProgress bool   `json:"inProgress"`
	URL        string `json:"url,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

// JobTabStatus answers CHECK_JOB_TAB_STATUS
type JobTabStatus struct {
	IsOpen       bool `json:"isOpen"`
	TabID        int  `json:"tabId,omitempty"`
	IsProcessing bool `json:"isProcessing"`
}

// ReadyState answers SEARCH_NEXT_READY
type ReadyState struct {
	Ready bool `json:"ready"`
}

// StopNotice is the payload of AUTOMATION_STOPPED
type StopNotice struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Frontend notification types
const (
	EventAutomationStarted    = "automation_started"
	EventAutomationProgress   = "automation_progress"
	EventAutomationPaused     = "automation_paused"
	EventAutomationResumed    = "automation_resumed"
	EventAutomationCompleted  = "automation_completed"
	EventAutomationStopped    = "automation_stopped"
	EventAutomationFailed     = "automation_failed"
	EventAutomationError      = "automation_error"
	EventApplicationSubmitted = "application_submitted"
)

// FrontendEvent is pushed to the user's frontend connections
type FrontendEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
