package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-fleet/v1/coord"
)

func loginHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func newLoginRequest(path, ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set("X-Forwarded-For", ip+", 10.0.0.254")
	return req
}

func TestMiddlewareRejectsAfterLimit(t *testing.T) {
	l := New(coord.NewMemory())
	rule := Rule{Method: http.MethodPost, Path: "/api/auth/token", Limit: 2, Window: time.Minute}
	h := Middleware(l, rule)(loginHandler(http.StatusUnauthorized))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newLoginRequest("/api/auth/token/", "1.2.3.4"))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newLoginRequest("/api/auth/token", "1.2.3.4"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("missing Retry-After, got %q", ra)
	}
	if !strings.Contains(rec.Body.String(), `"detail"`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}

	// Other callers are not affected.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newLoginRequest("/api/auth/token", "5.6.7.8"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("other identity: expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareResetsOnSuccess(t *testing.T) {
	l := New(coord.NewMemory())
	rule := Rule{Method: http.MethodPost, Path: "/api/auth/token", Limit: 2, Window: time.Minute}
	fail := Middleware(l, rule)(loginHandler(http.StatusUnauthorized))
	ok := Middleware(l, rule)(loginHandler(http.StatusOK))

	fail.ServeHTTP(httptest.NewRecorder(), newLoginRequest("/api/auth/token", "1.2.3.4"))
	ok.ServeHTTP(httptest.NewRecorder(), newLoginRequest("/api/auth/token", "1.2.3.4"))
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		fail.ServeHTTP(rec, newLoginRequest("/api/auth/token", "1.2.3.4"))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d after success: expected 401, got %d", i, rec.Code)
		}
	}
}

func TestMiddlewareIgnoresOtherRoutes(t *testing.T) {
	l := New(coord.NewMemory())
	rule := Rule{Method: http.MethodPost, Path: "/api/auth/token", Limit: 1, Window: time.Minute}
	h := Middleware(l, rule)(loginHandler(http.StatusUnauthorized))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/token", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET should not be limited, got %d", rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if ip := ClientIP(req); ip != "192.0.2.1" {
		t.Fatalf("unexpected remote ip %q", ip)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if ip := ClientIP(req); ip != "203.0.113.9" {
		t.Fatalf("unexpected forwarded ip %q", ip)
	}
}
