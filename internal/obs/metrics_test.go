package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/api/environments/environment":      "/api/environments/environment",
		"/api/environments/abc":              "/api/environments/:id",
		"/api/services/Payloads":             "/api/services/Payloads",
		"/api/services/Payloads?x=1":         "/api/services/Payloads",
		"/api/services/Payloads/abc":         "/api/services/Payloads/:id",
		"/api/services/Payloads/abc/default": "/api/services/Payloads/:id/:phase",
		"/api/services/Payloads/abc/xml/states/state": "/api/services/Payloads/:id/:phase/states/state",
		"/api/services/Payloads/abc/xml/extra":        "/api/services/Payloads/abc/xml/extra",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/services/Payloads/:id", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/services/Payloads/123", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/services/Payloads/:id", "418"))
	if after-before != 1 {
		t.Fatalf("expected one request counted, got %v", after-before)
	}
}

func TestLogWritesJSONLine(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Warn("job shutdown failed", map[string]any{"job_id": "j1", "error": errors.New("boom")})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "warn" || entry["msg"] != "job shutdown failed" || entry["error"] != "boom" || entry["job_id"] != "j1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
