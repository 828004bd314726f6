package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/session"
)

func newTestRouter(t *testing.T, cfg RouterConfig, sessCfg session.Config) (http.Handler, *session.Hub) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	hub := session.NewHub(session.HubOptions{Config: sessCfg, Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	return NewRouter(cfg, logger, hub, eventlog.New(nil)), hub
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(t, RouterConfig{}, session.Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rr.Body.String(), "ok")
	}
}

func TestReadyzFlipsWhenDraining(t *testing.T) {
	h, hub := newTestRouter(t, RouterConfig{}, session.Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status before drain = %d, want %d", rr.Code, http.StatusOK)
	}

	hub.Registry().StartDraining()

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status while draining = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestRouter(t, RouterConfig{}, session.Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil))

	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestSentryRecovery(t *testing.T) {
	h := withSentryRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	h, _ := newTestRouter(t, RouterConfig{}, session.Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body struct {
		Sessions []session.Info `json:"sessions"`
		Active   int            `json:"active"`
		Draining bool           `json:"draining"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Active != 0 || len(body.Sessions) != 0 || body.Draining {
		t.Errorf("body = %+v, want empty and not draining", body)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	h, _ := newTestRouter(t, RouterConfig{}, session.Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestSessionEventsWithoutAuditLog(t *testing.T) {
	h, _ := newTestRouter(t, RouterConfig{}, session.Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc/events", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if !strings.Contains(rr.Body.String(), "audit log disabled") {
		t.Errorf("body = %q, want audit log disabled", rr.Body.String())
	}
}

func TestOperatorAuth(t *testing.T) {
	const secret = "admin-secret"
	h, _ := newTestRouter(t, RouterConfig{AdminJWTSecret: secret}, session.Config{})

	valid, err := IssueOperatorToken(secret, "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueOperatorToken() error = %v", err)
	}
	forged, _ := IssueOperatorToken("other-secret", "ops@example.com", time.Hour)
	expired, _ := IssueOperatorToken(secret, "ops@example.com", -time.Minute)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	// Health checks stay public.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestIssueOperatorTokenRequiresSecret(t *testing.T) {
	if _, err := IssueOperatorToken("", "ops", time.Hour); err == nil {
		t.Error("IssueOperatorToken() with empty secret should fail")
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://evil.example", true},
		{[]string{"captions.example.com"}, "", true},
		{[]string{"captions.example.com"}, "https://captions.example.com", true},
		{[]string{"captions.example.com"}, "https://CAPTIONS.example.com", true},
		{[]string{"captions.example.com"}, "https://evil.example", false},
		{[]string{"https://captions.example.com"}, "https://captions.example.com", true},
		{[]string{"*"}, "https://anything", true},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("originAllowed(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}
