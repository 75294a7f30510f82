package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/auth/login":                          "/auth/login",
		"/authz/check?action=device_read":      "/authz/check",
		"/v1/tenants":                          "/v1/tenants",
		"/v1/tenants/01HZX":                    "/v1/tenants/:id",
		"/v1/tenants/01HZX/members":            "/v1/tenants/:id/members",
		"/v1/tenants/01HZX/members/01HZY":      "/v1/tenants/:id/members/:id",
		"/v1/device-groups/abc/parent?x=1":     "/v1/device-groups/:id/parent",
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
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tenants/x", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
}

func TestSetLoggerRestores(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := SetLogger(zap.New(core))
	Logger().Info("hello", zap.String("k", "v"))
	restore()

	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	if logs.All()[0].ContextMap()["k"] != "v" {
		t.Fatalf("missing field: %v", logs.All()[0].ContextMap())
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if lvl, err := ParseLevel(""); err != nil || lvl != zapcore.InfoLevel {
		t.Fatalf("empty level should be info, got %v %v", lvl, err)
	}
}

func TestInitBuildInfoReplacesSample(t *testing.T) {
	InitBuildInfo("1.0.0", "abc")
	InitBuildInfo("1.0.1", "def")
	ch := make(chan prometheus.Metric, 4)
	buildInfo.Collect(ch)
	close(ch)
	if n := len(ch); n != 1 {
		t.Fatalf("expected one build_info sample, got %d", n)
	}
}
