// Package health provides the /healthz and /readyz HTTP endpoints for the
// vcycled process.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Check is a single health or readiness probe.
type Check func(context.Context) error

// Handler serves liveness and readiness endpoints over HTTP.
type Handler struct {
	mu        sync.RWMutex
	liveness  []Check
	readiness []Check
	startTime time.Time
}

// NewHandler creates a Handler with no checks registered.
func NewHandler() *Handler {
	return &Handler{startTime: time.Now()}
}

// AddLivenessCheck registers a check that must pass for the process to be
// considered alive (e.g. "the main loop goroutine hasn't panicked").
func (h *Handler) AddLivenessCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, check)
}

// AddReadinessCheck registers a check that must pass for the process to be
// considered ready (e.g. "the state store root is writable").
func (h *Handler) AddReadinessCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, check)
}

// HandleLive serves /healthz.
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.runChecks(w, r, h.liveness, "alive", "dead")
}

// HandleReady serves /readyz.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	h.runChecks(w, r, h.readiness, "ready", "not_ready")
}

func (h *Handler) runChecks(w http.ResponseWriter, r *http.Request, checks []Check, okStatus, failStatus string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ctx := r.Context()
	for _, check := range checks {
		if err := check(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": failStatus,
				"error":  err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": okStatus,
		"uptime": time.Since(h.startTime).String(),
	})
}

// RegisterHandlers mounts /healthz and /readyz on mux.
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleLive)
	mux.HandleFunc("/readyz", h.HandleReady)
}
