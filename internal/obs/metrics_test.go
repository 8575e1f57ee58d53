package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/devices/d-17/policy":         "/v1/devices/:id/policy",
		"/v1/devices/d-17/policy?since=3": "/v1/devices/:id/policy",
		"/v1/devices/d-17/policy/reissue": "/v1/devices/:id/policy/reissue",
		"/v1/devices/d-17/other":          "/v1/devices/d-17/other",
		"/v1/supervisor/override/abc":     "/v1/supervisor/override/:jti",
		"/v1/supervisor/override":         "/v1/supervisor/override",
		"/v1/auth/login":                  "/v1/auth/login",
		"/v1/sessions/j-9":                "/v1/sessions/:jti",
		"/v1/identities/u1/secrets/pin":   "/v1/identities/:id/secrets/pin",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesStatus(t *testing.T) {
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/devices/x/policy", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	Logger().Info("hello", "component", "obs")

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in %v", key, entry)
		}
	}
	if entry["level"] != "info" {
		t.Fatalf("level = %v", entry["level"])
	}
}
