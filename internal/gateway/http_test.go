package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sessions"
)

func TestHTTPHandler(t *testing.T) {
	engine := newCaptureEngine()
	g := newTestGateway(t, testConfig(t), sessions.NewMemoryStore(), engine)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Errorf("healthz = %d %v", resp.StatusCode, body)
		}
	})

	t.Run("post event", func(t *testing.T) {
		payload := `{"channel":"slack","peer_id":"u1","payload":{"text":"ping"}}`
		resp, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("POST /v1/events: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		var decision queue.Decision
		if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decision.Action != queue.ActionStarted || decision.TurnID == "" {
			t.Errorf("decision = %+v", decision)
		}
		if d := engine.next(t); d.Prompt != "ping" {
			t.Errorf("Prompt = %q, want ping", d.Prompt)
		}
	})

	t.Run("bad events", func(t *testing.T) {
		for _, body := range []string{`{`, `{"channel":"slack","payload":{"text":"x"}}`} {
			resp, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("POST %s status = %d, want 400", body, resp.StatusCode)
			}
		}
	})

	t.Run("debug sessions", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/debug/sessions")
		if err != nil {
			t.Fatalf("GET /debug/sessions: %v", err)
		}
		defer resp.Body.Close()
		var snap Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if snap.Sessions == nil {
			t.Error("sessions should encode as an empty list, not null")
		}
		if snap.Admission.Global != 4 {
			t.Errorf("admission.global = %d, want 4", snap.Admission.Global)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), `turnstile_inbound_events_total{channel="slack"}`) {
			t.Errorf("metrics missing inbound counter:\n%s", body)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/events")
		if err != nil {
			t.Fatalf("GET /v1/events: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", resp.StatusCode)
		}
	})
}
