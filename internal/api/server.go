package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Frontend actions (rate limited per user)
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(h.limiter, h.requestsPerHour, h.metrics))

	limited.HandleFunc("/messages", h.Dispatch).Methods(http.MethodPost)
	limited.HandleFunc("/automation/start", h.StartApplying).Methods(http.MethodPost)
	limited.HandleFunc("/automation", h.ListAutomations).Methods(http.MethodGet)
	limited.HandleFunc("/automation/{id}", h.GetStatus).Methods(http.MethodGet)
	limited.HandleFunc("/automation/{id}/pause", h.PauseApplying).Methods(http.MethodPost)
	limited.HandleFunc("/automation/{id}/resume", h.ResumeApplying).Methods(http.MethodPost)
	limited.HandleFunc("/automation/{id}/stop", h.StopApplying).Methods(http.MethodPost)
	limited.HandleFunc("/automation/{id}/events", h.ListEvents).Methods(http.MethodGet)

	// Content-script runtime (not rate limited - called from every tab)
	api.HandleFunc("/runtime/check-window", h.CheckWindow).Methods(http.MethodPost)
	api.HandleFunc("/runtime/ready", h.ContentScriptReady).Methods(http.MethodPost)
	api.HandleFunc("/runtime/progress", h.ReportProgress).Methods(http.MethodPost)
	api.HandleFunc("/runtime/error", h.ReportError).Methods(http.MethodPost)
	api.HandleFunc("/runtime/submitted", h.ApplicationSubmitted).Methods(http.MethodPost)
	api.HandleFunc("/runtime/tabs/{tabId}/context", h.GetTabContext).Methods(http.MethodGet)

	// Browser lifecycle events from an extension shim
	api.HandleFunc("/browser/events", h.BrowserEvent).Methods(http.MethodPost)

	// Websockets
	api.HandleFunc("/ports/{name}", func(w http.ResponseWriter, r *http.Request) {
		h.ports.ServePort(w, r, mux.Vars(r)["name"])
	}).Methods(http.MethodGet)
	api.HandleFunc("/events", h.FrontendEvents).Methods(http.MethodGet)

	// Preflight for every path
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
