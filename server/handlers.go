package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/chat-tender/admission"
	"github.com/onnwee/chat-tender/telemetry"
)

// Handlers carries shared dependencies for HTTP handlers.
type Handlers struct {
	deps Deps
}

// HandleHealthz responds to liveness probes. The process being up is enough:
// a disconnected bot is reconnecting, not dead.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"irc", func() error {
			if h.deps.Supervisor == nil || !h.deps.Supervisor.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}},
		{"database", func() error {
			if h.deps.DB == nil {
				return nil // audit log disabled
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the connection and admission state for operators.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var stats admission.Stats
	if h.deps.Admission != nil {
		stats = h.deps.Admission.Stats()
	}
	out := map[string]any{
		"admission": stats,
	}
	if sup := h.deps.Supervisor; sup != nil {
		out["connection"] = map[string]any{
			"state":       sup.State().String(),
			"connected":   sup.IsConnected(),
			"joined":      sup.Joined(),
			"queue_depth": sup.QueueDepth(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleAdmissionReset clears one user's cooldown or one channel's history,
// an administrative override for unsticking a false positive.
// POST /admin/admission/reset?user=<id> or ?channel=<id>.
func (h *Handlers) HandleAdmissionReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Admission == nil {
		http.Error(w, "admission controller not configured", http.StatusServiceUnavailable)
		return
	}
	user := r.URL.Query().Get("user")
	channel := r.URL.Query().Get("channel")
	if user == "" && channel == "" {
		http.Error(w, "require user or channel query parameter", http.StatusBadRequest)
		return
	}
	if user != "" {
		h.deps.Admission.ResetUser(user)
	}
	if channel != "" {
		h.deps.Admission.ResetChannel(channel)
	}
	telemetry.LoggerWithCorr(r.Context()).Info("admission reset",
		"user", user, "channel", channel)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}
