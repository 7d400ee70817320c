package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/chat-tender/admission"
	"github.com/onnwee/chat-tender/irc"
)

func newTestMux(t *testing.T) (http.Handler, *admission.Controller, *irc.Supervisor) {
	t.Helper()
	sup, err := irc.New(irc.Config{Nick: "tenderbot", Token: "x"})
	if err != nil {
		t.Fatalf("irc.New: %v", err)
	}
	adm := admission.New(admission.Config{})
	return NewMux(Deps{Supervisor: sup, Admission: adm}), adm, sup
}

func TestHealthzAlwaysOK(t *testing.T) {
	mux, _, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("responses must carry a correlation id")
	}
}

func TestReadyzNotReadyWhileDisconnected(t *testing.T) {
	mux, _, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while disconnected = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["failed_check"] != "irc" {
		t.Fatalf("failed_check = %q, want irc", body["failed_check"])
	}
}

func TestStatusReportsConnectionAndAdmission(t *testing.T) {
	mux, adm, _ := newTestMux(t)
	adm.CanExecute("u1", "chan1", "gi")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Connection struct {
			State      string   `json:"state"`
			Connected  bool     `json:"connected"`
			Joined     []string `json:"joined"`
			QueueDepth int      `json:"queue_depth"`
		} `json:"connection"`
		Admission admission.Stats `json:"admission"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Connection.State != "idle" || body.Connection.Connected {
		t.Fatalf("unexpected connection status: %+v", body.Connection)
	}
	if body.Admission.TrackedUsers != 1 || body.Admission.TrackedChannels != 1 {
		t.Fatalf("unexpected admission stats: %+v", body.Admission)
	}
}

func TestAdmissionResetEndpoint(t *testing.T) {
	mux, adm, _ := newTestMux(t)

	if allowed, _ := adm.CanExecute("u1", "chan1", "gi"); !allowed {
		t.Fatal("setup command unexpectedly denied")
	}
	if allowed, _ := adm.CanExecute("u1", "chan1", "gi"); allowed {
		t.Fatal("second immediate command should be cooling down")
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/admission/reset?user=u1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d, want 200 (auth unset in tests)", rec.Code)
	}

	if allowed, reason := adm.CanExecute("u1", "chan1", "gi"); !allowed {
		t.Fatalf("command after reset should be allowed, got %q", reason)
	}
}

func TestAdmissionResetRequiresTarget(t *testing.T) {
	mux, _, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/admission/reset", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reset without target = %d, want 400", rec.Code)
	}
}

func TestAdmissionResetMethodNotAllowed(t *testing.T) {
	mux, _, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/admission/reset?user=u1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reset = %d, want 405", rec.Code)
	}
}

func TestAdminTokenAuth(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	mux, _, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/admission/reset?user=u1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated reset = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/admission/reset?user=u1", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated reset = %d, want 200", rec.Code)
	}
}
