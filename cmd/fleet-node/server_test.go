package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/mirkobrombin/go-fleet/v1/coord"
	"github.com/mirkobrombin/go-fleet/v1/fleet"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	s, err := fleet.LoadSettings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	s.Backend = "memory"
	s.WorkDir = "/fleet"
	s.RateLimit = 3
	c, err := fleet.Open(context.Background(), s, fleet.WithPort(coord.NewMemory()), fleet.WithFS(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)
	return newServer(c, reg, "secret").routes()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.1.1.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokenIsRateLimited(t *testing.T) {
	h := newTestServer(t)
	for i := 1; i <= 3; i++ {
		if rec := do(h, http.MethodPost, "/api/auth/token", `{"username":"a","password":"wrong"}`); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := do(h, http.MethodPost, "/api/auth/token", `{"username":"a","password":"secret"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestTokenSuccess(t *testing.T) {
	h := newTestServer(t)
	rec := do(h, http.MethodPost, "/api/auth/token", `{"username":"a","password":"secret"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "access_token") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	h := newTestServer(t)
	if rec := do(h, http.MethodPut, "/config?type=model", `{"model":"large","limits":{"rpm":60}}`); rec.Code != http.StatusNoContent {
		t.Fatalf("put: %d %s", rec.Code, rec.Body)
	}
	rec := do(h, http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"model":"large"`) || !strings.Contains(body, `"rpm":60`) {
		t.Fatalf("unexpected config %s", body)
	}
	if rec := do(h, http.MethodPut, "/config?type=bogus", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad type, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPut, "/config", `[1,2]`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object body, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t)
	_ = do(h, http.MethodPost, "/api/auth/token", `{"username":"a","password":"secret"}`)
	rec := do(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fleet_ratelimit_checks_total") {
		t.Fatalf("metrics missing limiter counter: %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	rec := do(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy":true`) {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body)
	}
}
