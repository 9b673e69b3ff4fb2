package main

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-fleet/v1/configstore"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/fleet"
	"github.com/mirkobrombin/go-fleet/v1/notify"
	"github.com/mirkobrombin/go-fleet/v1/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type server struct {
	client   *fleet.Client
	reg      *prometheus.Registry
	password string
}

func newServer(c *fleet.Client, reg *prometheus.Registry, password string) *server {
	return &server{client: c, reg: reg, password: password}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	login := ratelimit.Middleware(s.client.Limiter, ratelimit.Rule{
		Method: http.MethodPost,
		Path:   "/api/auth/token",
		Limit:  s.client.Settings.RateLimit,
		Window: s.client.Settings.RateLimitWindow,
	})
	mux.Handle("/api/auth/token", login(http.HandlerFunc(s.token)))
	mux.HandleFunc("/config", s.config)
	mux.Handle("/events", notify.SSEHandler(s.client.Notifier))
	mux.Handle("/ws", notify.WebSocketHandler(s.client.Notifier))
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.health)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) token(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "username and password required"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(c.Password), []byte(s.password)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": uuid.NewString(),
		"token_type":   "bearer",
	})
}

func (s *server) config(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.client.Config.LoadConfig(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPut:
		t, err := notify.ParseChangeType(r.URL.Query().Get("type"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		doc := configstore.Document{}
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "body must be a JSON object"})
			return
		}
		if err := s.client.UpdateConfig(r.Context(), doc, t); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, fleeterrors.ErrAcquireTimeout) {
				status = http.StatusConflict
			}
			writeJSON(w, status, map[string]string{"detail": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PUT")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
	}
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"replica":  s.client.Settings.ReplicaID,
		"healthy":  s.client.Healthy(),
		"degraded": s.client.Degraded(),
	})
}
