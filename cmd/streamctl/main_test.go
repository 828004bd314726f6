package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/httpapi"
	"github.com/lukasbauer/captionstream/internal/protocol"
	"github.com/lukasbauer/captionstream/internal/session"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func newTestServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	hub := session.NewHub(session.HubOptions{Logger: logger})
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.RouterConfig{AdminJWTSecret: secret}, logger, hub, eventlog.New(nil)))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/stream", false},
		{"https://captions.example.com/", "wss://captions.example.com/v1/stream", false},
		{"https://example.com/base", "wss://example.com/base/v1/stream", false},
		{"localhost:8080", "", true},
	}
	for _, tt := range tests {
		c := &commandContext{server: tt.server}
		got, err := c.streamURL()
		if (err != nil) != tt.wantErr {
			t.Errorf("streamURL(%q) error = %v, wantErr %v", tt.server, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}

func TestSessionsCommandEmpty(t *testing.T) {
	srv := newTestServer(t, "")

	out, err := runCLI(t, "--server", srv.URL, "sessions")
	if err != nil {
		t.Fatalf("sessions error = %v", err)
	}
	if !strings.Contains(out, "No live sessions") {
		t.Errorf("output = %q, want empty notice", out)
	}
}

func TestSessionsCommandRequiresToken(t *testing.T) {
	srv := newTestServer(t, "operator-secret")

	_, err := runCLI(t, "--server", srv.URL, "sessions")
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("sessions without token error = %v, want 401", err)
	}

	t.Setenv("ADMIN_JWT_SECRET", "operator-secret")
	token, err := runCLI(t, "token", "--subject", "ops")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	out, err := runCLI(t, "--server", srv.URL, "--token", strings.TrimSpace(token), "sessions", "--json")
	if err != nil {
		t.Fatalf("sessions with token error = %v", err)
	}
	if !strings.Contains(out, `"active": 0`) {
		t.Errorf("output = %q, want JSON listing", out)
	}
}

func TestTokenCommandWithoutSecret(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "")
	if _, err := runCLI(t, "token"); err == nil {
		t.Error("token without ADMIN_JWT_SECRET should fail")
	}
}

func TestRenderSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	got := renderSessions([]session.Info{{
		ID:              "abc",
		State:           "active",
		LastSequence:    42,
		AckFloor:        40,
		InFlight:        2,
		MaxInFlight:     64,
		PartialsDropped: 3,
		CreatedAt:       now.Add(-90 * time.Second),
	}}, now)

	for _, want := range []string{"Session", "abc", "active", "42", "40", "2/64", "1m30s"} {
		if !strings.Contains(got, want) {
			t.Errorf("renderSessions() missing %q in\n%s", want, got)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		msg  protocol.Message
		want string
	}{
		{protocol.TranscriptSegment{SegmentID: "s1", Text: "hello", IsFinal: true}, "[s1] hello"},
		{protocol.TranslationResult{SegmentID: "s1", TargetLang: "de", Text: "hallo"}, "[s1 de] hallo"},
		{protocol.SegmentFailed{SegmentID: "s2", Stream: "translation", Reason: "timeout"}, "translation failed: timeout"},
		{protocol.Status{State: "listening"}, "listening"},
	}
	for _, tt := range tests {
		env, err := protocol.NewEnvelope("s", tt.msg)
		if err != nil {
			t.Fatalf("NewEnvelope() error = %v", err)
		}
		env.Sequence = 7
		got := formatMessage(env, tt.msg)
		if !strings.HasPrefix(got, "#7") || !strings.Contains(got, tt.want) {
			t.Errorf("formatMessage(%T) = %q, want #7 ... %q", tt.msg, got, tt.want)
		}
	}
}

func TestListenUntilServerCloses(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	hub := session.NewHub(session.HubOptions{Logger: logger})
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.RouterConfig{}, logger, hub, eventlog.New(nil)))
	defer srv.Close()

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for hub.Registry().ActiveCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		for _, info := range hub.Registry().Snapshot() {
			sup, ok := hub.Registry().Lookup(info.ID)
			if !ok {
				continue
			}
			_ = sup.PublishStatus(context.Background(), protocol.Status{State: "listening"})
			sup.Stop("test over")
		}
	}()

	out, err := runCLI(t, "--server", srv.URL, "listen", "--max-attempts", "1")
	if err != nil {
		t.Fatalf("listen error = %v", err)
	}
	if !strings.Contains(out, "status") || !strings.Contains(out, "listening") {
		t.Errorf("output = %q, want the status line", out)
	}
}
