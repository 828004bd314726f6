package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/captionstream/internal/aggregator"
	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/httpapi"
	"github.com/lukasbauer/captionstream/internal/protocol"
	"github.com/lukasbauer/captionstream/internal/session"
)

var testCodec = protocol.NewCodec(protocol.CodecLimits{MaxMessageBytes: 1 << 20})

// script plays the server side of one connection.
type script func(t *testing.T, p *peer)

type peer struct {
	conn *websocket.Conn
}

func (p *peer) send(t *testing.T, seq uint64, msg protocol.Message) {
	t.Helper()
	env, err := protocol.NewEnvelope("s", msg)
	if err != nil {
		t.Errorf("NewEnvelope() error = %v", err)
		return
	}
	env.Sequence = seq
	data, err := testCodec.Encode(env)
	if err != nil {
		t.Errorf("Encode() error = %v", err)
		return
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("WriteMessage() error = %v", err)
	}
}

func (p *peer) recv(t *testing.T) protocol.Message {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		t.Errorf("server ReadMessage() error = %v", err)
		return nil
	}
	env, err := testCodec.Decode(data)
	if err != nil {
		t.Errorf("Decode() error = %v", err)
		return nil
	}
	msg, err := protocol.DecodePayload(env)
	if err != nil {
		t.Errorf("DecodePayload() error = %v", err)
		return nil
	}
	return msg
}

func (p *peer) hello(t *testing.T) protocol.Hello {
	t.Helper()
	msg := p.recv(t)
	h, ok := msg.(protocol.Hello)
	if !ok {
		t.Errorf("first client message = %T, want Hello", msg)
	}
	return h
}

// ackUntil reads client messages until an ack covering seq arrives.
func (p *peer) ackUntil(t *testing.T, seq uint64) {
	t.Helper()
	for {
		msg := p.recv(t)
		if msg == nil {
			return
		}
		if a, ok := msg.(protocol.Ack); ok && a.AckSeq >= seq {
			return
		}
	}
}

func scriptedServer(t *testing.T, scripts ...script) *httptest.Server {
	t.Helper()
	var n atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(n.Add(1)) - 1
		if i >= len(scripts) {
			http.Error(w, "no more scripts", http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		defer conn.Close()
		scripts[i](t, &peer{conn: conn})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

type recorder struct {
	mu     sync.Mutex
	seqs   []uint64
	resets []string
}

func (r *recorder) onMessage(env protocol.Envelope, _ protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, env.Sequence)
}

func (r *recorder) onReset(old string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, old)
}

func (r *recorder) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func fastOptions(url string, rec *recorder) Options {
	return Options{
		URL:       url,
		Backoff:   Backoff{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond},
		Logger:    log.New(io.Discard, "", 0),
		OnMessage: rec.onMessage,
		OnReset:   rec.onReset,
	}
}

func runClient(t *testing.T, c *Client) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{6, 8 * time.Second},
		{7, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestResumeAfterDropDeliversOnce(t *testing.T) {
	srv := scriptedServer(t,
		func(t *testing.T, p *peer) {
			if h := p.hello(t); h.Resume != nil {
				t.Errorf("first hello should not resume, got %+v", h.Resume)
			}
			p.send(t, 0, protocol.Welcome{SessionID: "s1", ResumeToken: "tok-1"})
			p.send(t, 1, protocol.TranscriptSegment{SegmentID: "a", Text: "a", IsFinal: true})
			p.send(t, 2, protocol.TranscriptSegment{SegmentID: "b", Text: "b", IsFinal: true})
			p.ackUntil(t, 2)
			// Drop without a close frame.
		},
		func(t *testing.T, p *peer) {
			h := p.hello(t)
			if h.Resume == nil || h.Resume.SessionID != "s1" || h.Resume.LastSeqSeen != 2 || h.Resume.Token != "tok-1" {
				t.Errorf("resume = %+v, want s1 after 2 with tok-1", h.Resume)
			}
			p.send(t, 0, protocol.Welcome{SessionID: "s1", Resumed: true})
			p.send(t, 2, protocol.TranscriptSegment{SegmentID: "b", Text: "b", IsFinal: true})
			p.send(t, 3, protocol.TranscriptSegment{SegmentID: "c", Text: "c", IsFinal: true})
			p.ackUntil(t, 3)
			p.send(t, 0, protocol.Close{Reason: "drained", LastSequence: 3})
		},
	)

	var rec recorder
	c := New(fastOptions(wsURL(srv, "/"), &rec))
	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rec.sequences(); !equalSeqs(got, []uint64{1, 2, 3}) {
		t.Errorf("delivered = %v, want [1 2 3]", got)
	}
	if c.LastSequence() != 3 || c.SessionID() != "s1" {
		t.Errorf("client = %s/%d, want s1/3", c.SessionID(), c.LastSequence())
	}
}

func TestResumeRejectedStartsFreshSession(t *testing.T) {
	srv := scriptedServer(t,
		func(t *testing.T, p *peer) {
			p.hello(t)
			p.send(t, 0, protocol.Welcome{SessionID: "old"})
			p.send(t, 1, protocol.Status{State: "listening"})
			p.ackUntil(t, 1)
		},
		func(t *testing.T, p *peer) {
			if h := p.hello(t); h.Resume == nil {
				t.Error("second hello should try to resume")
			}
			p.send(t, 0, protocol.Error{Code: protocol.CodeResumeRejected, Message: "gone", Retryable: true})
		},
		func(t *testing.T, p *peer) {
			if h := p.hello(t); h.Resume != nil {
				t.Errorf("hello after reset should be fresh, got %+v", h.Resume)
			}
			p.send(t, 0, protocol.Welcome{SessionID: "new"})
			p.send(t, 1, protocol.Status{State: "listening"})
			p.ackUntil(t, 1)
			p.send(t, 0, protocol.Close{Reason: "drained", LastSequence: 1})
		},
	)

	var rec recorder
	c := New(fastOptions(wsURL(srv, "/"), &rec))
	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.resets) != 1 || rec.resets[0] != "old" {
		t.Errorf("OnReset calls = %v, want [old]", rec.resets)
	}
	if got := rec.sequences(); !equalSeqs(got, []uint64{1, 1}) {
		t.Errorf("delivered = %v, want [1 1] across the reset", got)
	}
	if c.SessionID() != "new" {
		t.Errorf("SessionID() = %q, want new", c.SessionID())
	}
}

func TestAdoptsAdvertisedMessageLimit(t *testing.T) {
	text := strings.Repeat("Übersetzung ", 100<<10/13)
	srv := scriptedServer(t,
		func(t *testing.T, p *peer) {
			p.hello(t)
			p.send(t, 0, protocol.Welcome{SessionID: "s1", Limits: protocol.Limits{MaxMessageBytes: 256 << 10}})
			p.send(t, 1, protocol.TranslationResult{SegmentID: "a", SourceLang: "en", TargetLang: "de", Text: text, IsFinal: true})
			p.ackUntil(t, 1)
			p.send(t, 0, protocol.Close{Reason: "drained", LastSequence: 1})
		},
	)

	var rec recorder
	var got atomic.Int64
	opts := fastOptions(wsURL(srv, "/"), &rec)
	opts.OnMessage = func(env protocol.Envelope, msg protocol.Message) {
		rec.onMessage(env, msg)
		if tr, ok := msg.(protocol.TranslationResult); ok {
			got.Store(int64(len(tr.Text)))
		}
	}
	c := New(opts)
	if err := runClient(t, c); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if seqs := rec.sequences(); !equalSeqs(seqs, []uint64{1}) {
		t.Errorf("delivered = %v, want [1]", seqs)
	}
	if got.Load() != int64(len(text)) {
		t.Errorf("translation text length = %d, want %d", got.Load(), len(text))
	}
	if lim := c.currentCodec().Limits().MaxMessageBytes; lim != 256<<10 {
		t.Errorf("codec limit = %d, want %d", lim, 256<<10)
	}
}

func TestAnswersPings(t *testing.T) {
	srv := scriptedServer(t, func(t *testing.T, p *peer) {
		p.hello(t)
		p.send(t, 0, protocol.Welcome{SessionID: "s"})
		p.send(t, 0, protocol.Ping{Nonce: 7})
		msg := p.recv(t)
		if pong, ok := msg.(protocol.Pong); !ok || pong.Nonce != 7 {
			t.Errorf("client answered %+v, want pong 7", msg)
		}
		p.send(t, 0, protocol.Close{Reason: "done"})
	})

	var rec recorder
	if err := runClient(t, New(fastOptions(wsURL(srv, "/"), &rec))); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestPerMessageAcks(t *testing.T) {
	srv := scriptedServer(t, func(t *testing.T, p *peer) {
		if h := p.hello(t); h.AckMode != protocol.AckPerMessage {
			t.Errorf("hello ack_mode = %q", h.AckMode)
		}
		p.send(t, 0, protocol.Welcome{SessionID: "s", AckMode: protocol.AckPerMessage})
		p.send(t, 1, protocol.Status{State: "listening"})
		msg := p.recv(t)
		if a, ok := msg.(protocol.Ack); !ok || len(a.Sequences) != 1 || a.Sequences[0] != 1 {
			t.Errorf("ack = %+v, want sequences [1]", msg)
		}
		p.send(t, 0, protocol.Close{Reason: "done"})
	})

	var rec recorder
	opts := fastOptions(wsURL(srv, "/"), &rec)
	opts.Hello.AckMode = protocol.AckPerMessage
	if err := runClient(t, New(opts)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestNonRetryableErrorStops(t *testing.T) {
	srv := scriptedServer(t, func(t *testing.T, p *peer) {
		p.hello(t)
		p.send(t, 0, protocol.Error{Code: protocol.CodeProtocolError, Message: "bad hello"})
	})

	var rec recorder
	err := runClient(t, New(fastOptions(wsURL(srv, "/"), &rec)))
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("Run() error = %v, want protocol error", err)
	}
	var se *ServerError
	if !errors.As(err, &se) || se.Code != protocol.CodeProtocolError {
		t.Errorf("Run() error = %#v, want ServerError", err)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	srv := scriptedServer(t)

	var rec recorder
	var states []State
	opts := fastOptions(wsURL(srv, "/"), &rec)
	opts.MaxAttempts = 2
	opts.OnState = func(s State) { states = append(states, s) }

	err := runClient(t, New(opts))
	if err == nil || !strings.Contains(err.Error(), "giving up after 2 attempts") {
		t.Fatalf("Run() error = %v, want giving up", err)
	}
	want := []State{StateConnecting, StateDisconnected, StateConnecting, StateDisconnected, StateConnecting, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestAgainstHub(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	hub := session.NewHub(session.HubOptions{
		Config: session.Config{ResumeWindow: time.Minute},
		Tokens: session.NewTokenIssuer("secret", time.Hour),
		Logger: logger,
	})
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.RouterConfig{}, logger, hub, eventlog.New(nil)))
	defer srv.Close()

	var rec recorder
	opts := fastOptions(wsURL(srv, "/v1/stream"), &rec)
	opts.Hello.MaxInFlight = 2
	active := make(chan struct{}, 1)
	opts.OnState = func(s State) {
		if s == StateActive {
			select {
			case active <- struct{}{}:
			default:
			}
		}
	}
	c := New(opts)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case <-active:
	case <-time.After(3 * time.Second):
		t.Fatal("client never became active")
	}
	sup, ok := hub.Registry().Lookup(c.SessionID())
	if !ok {
		t.Fatalf("session %q not registered", c.SessionID())
	}

	// Five finals through a window of two only complete if the client acks.
	for i := 0; i < 5; i++ {
		err := sup.Publish(context.Background(), aggregator.Event{
			Kind:   aggregator.KindFinal,
			Update: aggregator.Update{SegmentID: string(rune('a' + i)), Text: "x", IsFinal: true},
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.LastSequence() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("LastSequence() = %d, want 5", c.LastSequence())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Stop("done"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after server.close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after stop")
	}
	if got := rec.sequences(); !equalSeqs(got, []uint64{1, 2, 3, 4, 5}) {
		t.Errorf("delivered = %v, want 1..5", got)
	}
}
