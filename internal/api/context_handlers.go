package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/applypilot/internal/browser"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

// CheckWindow handles POST /v1/runtime/check-window
func (h *Handler) CheckWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WindowID int `json:"windowId"`
		TabID    int `json:"tabId"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.mgr.CheckAutomationWindow(req.WindowID, req.TabID))
}

// ContentScriptReady handles POST /v1/runtime/ready
func (h *Handler) ContentScriptReady(w http.ResponseWriter, r *http.Request) {
	var req models.ReadyRequest
	if !decode(w, r, &req) {
		return
	}
	h.contentScriptReady(w, req)
}

func (h *Handler) contentScriptReady(w http.ResponseWriter, req models.ReadyRequest) {
	resp, err := h.mgr.ContentScriptReady(req)
	if err != nil {
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReportProgress handles POST /v1/runtime/progress
func (h *Handler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	var rep models.ProgressReport
	if !decode(w, r, &rep) {
		return
	}
	h.ack(w, h.mgr.ReportProgress(r.Context(), rep))
}

// ReportError handles POST /v1/runtime/error
func (h *Handler) ReportError(w http.ResponseWriter, r *http.Request) {
	var rep models.ErrorReport
	if !decode(w, r, &rep) {
		return
	}
	h.ack(w, h.mgr.ReportError(r.Context(), rep))
}

// ApplicationSubmitted handles POST /v1/runtime/submitted
func (h *Handler) ApplicationSubmitted(w http.ResponseWriter, r *http.Request) {
	var rep models.SubmissionReport
	if !decode(w, r, &rep) {
		return
	}
	h.ack(w, h.mgr.ApplicationSubmitted(r.Context(), rep))
}

// GetTabContext handles GET /v1/runtime/tabs/{tabId}/context
func (h *Handler) GetTabContext(w http.ResponseWriter, r *http.Request) {
	tabID, err := strconv.Atoi(mux.Vars(r)["tabId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	h.tabContext(w, tabID)
}

func (h *Handler) tabContext(w http.ResponseWriter, tabID int) {
	tc, ok := h.mgr.TabContext(tabID)
	if !ok {
		writeJSON(w, http.StatusOK, models.TabContext{TabID: tabID, IsAutomationWindow: false})
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// BrowserEvent handles POST /v1/browser/events
func (h *Handler) BrowserEvent(w http.ResponseWriter, r *http.Request) {
	var ev browser.Event
	if !decode(w, r, &ev) {
		return
	}
	switch ev.Type {
	case browser.EventTabCreated, browser.EventTabUpdated, browser.EventTabRemoved, browser.EventWindowRemoved:
	default:
		writeError(w, http.StatusBadRequest, "unknown event type: "+string(ev.Type))
		return
	}
	h.mgr.HandleBrowserEvent(ev)
	w.WriteHeader(http.StatusAccepted)
}
