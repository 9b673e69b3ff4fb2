package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Rule selects the requests guarded by Middleware.
type Rule struct {
	// Method and Path must both match. Trailing slashes on the request path
	// are ignored.
	Method string
	Path   string
	Limit  int
	Window time.Duration
	// Identity extracts the caller identity. Defaults to ClientIP.
	Identity func(*http.Request) string
	// Message is the detail of the 429 body.
	Message string
}

func (r Rule) matches(req *http.Request) bool {
	path := strings.TrimRight(req.URL.Path, "/")
	if path == "" {
		path = "/"
	}
	return strings.EqualFold(req.Method, r.Method) && path == r.Path
}

// ClientIP returns the first X-Forwarded-For hop, or the remote host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware rejects requests matching rule once their identity exceeded the
// limit, answering 429 with a Retry-After header. A downstream response with
// status below 400 resets the identity's counter.
//
// Errors other than backend unavailability let the request through.
func Middleware(l *Limiter, rule Rule) func(http.Handler) http.Handler {
	identity := rule.Identity
	if identity == nil {
		identity = ClientIP
	}
	msg := rule.Message
	if msg == "" {
		msg = "too many attempts, retry later"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rule.matches(r) {
				next.ServeHTTP(w, r)
				return
			}
			id := identity(r)
			d, err := l.Check(r.Context(), id, rule.Limit, rule.Window)
			if err != nil {
				l.logger.Error("fleet: rate limit check failed, admitting request", "identity", id, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if d.Limited {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"detail": msg})
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			if rec.status < http.StatusBadRequest {
				if err := l.Reset(r.Context(), id); err != nil {
					l.logger.Warn("fleet: rate limit reset failed", "identity", id, "error", err)
				}
			}
		})
	}
}
