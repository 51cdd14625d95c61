package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/applypilot/internal/metrics"
	"github.com/shehryarbajwa/applypilot/internal/notify"
	"github.com/shehryarbajwa/applypilot/internal/orchestrator"
	"github.com/shehryarbajwa/applypilot/internal/ratelimit"
	"github.com/shehryarbajwa/applypilot/internal/session"
	"github.com/shehryarbajwa/applypilot/internal/transport"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

// Deps are the collaborators of the HTTP layer. Limiter and Metrics may be nil.
type Deps struct {
	Manager         *orchestrator.Manager
	Ports           *transport.Server
	Hub             *notify.Hub
	Limiter         *ratelimit.Limiter
	Metrics         *metrics.Collector
	RequestsPerHour int
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	mgr             *orchestrator.Manager
	ports           *transport.Server
	hub             *notify.Hub
	limiter         *ratelimit.Limiter
	metrics         *metrics.Collector
	requestsPerHour int
	log             zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		mgr:             deps.Manager,
		ports:           deps.Ports,
		hub:             deps.Hub,
		limiter:         deps.Limiter,
		metrics:         deps.Metrics,
		requestsPerHour: deps.RequestsPerHour,
		log:             logger.With().Str("component", "api").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// statusFor maps orchestrator errors to HTTP status codes
func statusFor(err error) int {
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSlotsExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": len(h.mgr.Active("")),
	})
}

// StartApplying handles POST /v1/automation/start
func (h *Handler) StartApplying(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if !decode(w, r, &req) {
		return
	}
	h.startApplying(w, r, req)
}

func (h *Handler) startApplying(w http.ResponseWriter, r *http.Request, req models.StartRequest) {
	resp, err := h.mgr.StartApplying(r.Context(), req)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", req.UserID).Str("platform", string(req.Platform)).Msg("Start rejected")
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListAutomations handles GET /v1/automation
func (h *Handler) ListAutomations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Active(r.URL.Query().Get("userId")))
}

// GetStatus handles GET /v1/automation/{id}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.getStatus(w, r, mux.Vars(r)["id"])
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request, id string) {
	resp, err := h.mgr.GetStatus(r.Context(), id)
	if err != nil {
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type action func(*orchestrator.Manager, *http.Request, string) (models.ActionResponse, error)

func pauseAction(m *orchestrator.Manager, r *http.Request, id string) (models.ActionResponse, error) {
	return m.PauseApplying(r.Context(), id)
}

func resumeAction(m *orchestrator.Manager, r *http.Request, id string) (models.ActionResponse, error) {
	return m.ResumeApplying(r.Context(), id)
}

func stopAction(m *orchestrator.Manager, r *http.Request, id string) (models.ActionResponse, error) {
	return m.StopApplying(r.Context(), id)
}

func (h *Handler) sessionAction(w http.ResponseWriter, r *http.Request, id string, act action) {
	resp, err := act(h.mgr, r, id)
	if err != nil {
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PauseApplying handles POST /v1/automation/{id}/pause
func (h *Handler) PauseApplying(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, mux.Vars(r)["id"], pauseAction)
}

// ResumeApplying handles POST /v1/automation/{id}/resume
func (h *Handler) ResumeApplying(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, mux.Vars(r)["id"], resumeAction)
}

// StopApplying handles POST /v1/automation/{id}/stop
func (h *Handler) StopApplying(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, mux.Vars(r)["id"], stopAction)
}

// ListEvents handles GET /v1/automation/{id}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.mgr.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// FrontendEvents handles GET /v1/events
func (h *Handler) FrontendEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	h.hub.ServeWS(w, r, userID)
}

// envelope is the extension-style {action, ...} request
type envelope struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	TabID     int    `json:"tabId"`
	WindowID  int    `json:"windowId"`
}

// Dispatch handles POST /v1/messages, routing an {action, ...} envelope to
// the matching operation
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !decode(w, r, &raw) {
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	into := func(v any) bool {
		if err := json.Unmarshal(raw, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+env.Action+" payload: "+err.Error())
			return false
		}
		return true
	}

	switch env.Action {
	case "startApplying":
		var req models.StartRequest
		if into(&req) {
			h.startApplying(w, r, req)
		}
	case "pauseApplying":
		h.sessionAction(w, r, env.SessionID, pauseAction)
	case "resumeApplying":
		h.sessionAction(w, r, env.SessionID, resumeAction)
	case "stopApplying":
		h.sessionAction(w, r, env.SessionID, stopAction)
	case "getStatus", "getAutomationStatus":
		h.getStatus(w, r, env.SessionID)
	case "checkIfAutomationWindow":
		writeJSON(w, http.StatusOK, h.mgr.CheckAutomationWindow(env.WindowID, env.TabID))
	case "contentScriptReady":
		var req models.ReadyRequest
		if into(&req) {
			h.contentScriptReady(w, req)
		}
	case "reportProgress":
		var rep models.ProgressReport
		if into(&rep) {
			h.ack(w, h.mgr.ReportProgress(r.Context(), rep))
		}
	case "reportError":
		var rep models.ErrorReport
		if into(&rep) {
			h.ack(w, h.mgr.ReportError(r.Context(), rep))
		}
	case "applicationSubmitted":
		var rep models.SubmissionReport
		if into(&rep) {
			h.ack(w, h.mgr.ApplicationSubmitted(r.Context(), rep))
		}
	case "getTabContext":
		h.tabContext(w, env.TabID)
	case "":
		writeError(w, http.StatusBadRequest, "action is required")
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+env.Action)
	}
}

func (h *Handler) ack(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
