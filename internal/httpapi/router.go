package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/protocol"
	"github.com/lukasbauer/captionstream/internal/session"
)

type RouterConfig struct {
	// AllowedOrigins restricts browser WebSocket origins. Empty allows all.
	AllowedOrigins []string

	// AdminJWTSecret protects the diagnostics endpoints. Empty leaves them open.
	AdminJWTSecret string

	// Debug logs every stream handshake outcome.
	Debug bool
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	hub      *session.Hub
	eventLog *eventlog.Logger
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, hub *session.Hub, eventLog *eventlog.Logger) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		hub:      hub,
		eventLog: eventLog,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Caption stream (WebSocket)
	r.mux.HandleFunc("GET /v1/stream", r.handleStreamWS)

	// Diagnostics
	r.mux.HandleFunc("GET /v1/sessions", r.withOperator(r.handleListSessions))
	r.mux.HandleFunc("GET /v1/sessions/{id}", r.withOperator(r.handleGetSession))
	r.mux.HandleFunc("GET /v1/sessions/{id}/events", r.withOperator(r.handleSessionEvents))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz fails once shutdown has started so load balancers stop
// routing new streams here.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.hub.Registry().IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

// CaptureSessionError reports a session that ended because of a bug.
// It is meant for session.HubOptions.OnUnexpected.
func CaptureSessionError(sessionID string, err error) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", sessionID)
		reason := string(protocol.CodeFor(err))
		if errors.Is(err, session.ErrSequenceExhausted) {
			reason = "sequence_exhausted"
		}
		scope.SetTag("reason", reason)
		sentry.CaptureException(err)
	})
}

// originAllowed matches the Origin header host against the allow list.
func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, host) || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
