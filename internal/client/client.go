// Package client is a reconnecting caption stream consumer. It resumes its
// session after transport loss, delivers each sequenced message exactly once
// and in order, and keeps the server's flow window open with acks.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/captionstream/internal/protocol"
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ServerError is a server.error the client cannot recover from.
type ServerError struct {
	Code      protocol.ErrorCode
	Message   string
	Retryable bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Is matches the protocol sentinel for the error's code.
func (e *ServerError) Is(target error) bool {
	code := protocol.CodeFor(target)
	return code != protocol.CodeInternal && code == e.Code
}

var (
	errServerClosed  = errors.New("server closed the session")
	errSessionReset  = errors.New("session reset")
	errHandshakeLost = errors.New("connection lost during handshake")
)

type Options struct {
	URL    string
	Header http.Header
	// Hello is the template sent on every connect. Resume is filled in by
	// the client.
	Hello            protocol.Hello
	Backoff          Backoff
	HandshakeTimeout time.Duration
	// MaxAttempts bounds consecutive failed connects. Zero retries forever.
	MaxAttempts int
	Dialer      *websocket.Dialer
	Logger      *log.Logger

	// OnMessage receives every sequenced message once, in sequence order.
	OnMessage func(env protocol.Envelope, msg protocol.Message)
	// OnState observes lifecycle transitions.
	OnState func(State)
	// OnReset is called when the server refused to resume oldSessionID and
	// a fresh session follows. Sequences restart at 1.
	OnReset func(oldSessionID string)
}

type Client struct {
	opts Options

	mu        sync.Mutex
	codec     protocol.Codec
	state     State
	sessionID string
	token     string
	lastSeq   uint64
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func New(opts Options) *Client {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Client{opts: opts, codec: protocol.NewCodec(protocol.DefaultCodecLimits())}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastSequence is the highest sequence delivered to OnMessage.
func (c *Client) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Run connects and reconnects until the server closes the session, a
// non-retryable error arrives, attempts run out, or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		welcomed, err := c.runOnce(ctx)
		c.setState(StateDisconnected)

		switch {
		case errors.Is(err, errServerClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errSessionReset):
			// Start the fresh session right away.
			continue
		}
		var se *ServerError
		if errors.As(err, &se) && !se.Retryable {
			return err
		}

		if welcomed {
			attempt = 0
		}
		attempt++
		if c.opts.MaxAttempts > 0 && attempt > c.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt-1, err)
		}

		delay := c.opts.Backoff.Delay(attempt)
		c.opts.Logger.Printf("client: connection lost (%v), retrying in %s", err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SendAudio writes one binary audio frame on the current connection.
func (c *Client) SendAudio(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// Stop asks the server to drain. Run returns once server.close arrives.
func (c *Client) Stop(reason string) error {
	return c.send(protocol.Stop{Reason: reason})
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	hello := c.opts.Hello
	if c.sessionID != "" {
		hello.Resume = &protocol.ResumeRequest{
			SessionID:   c.sessionID,
			LastSeqSeen: c.lastSeq,
			Token:       c.token,
		}
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateHandshaking)
	if err := c.send(hello); err != nil {
		return false, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	env, msg, err := c.read(conn)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errHandshakeLost, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch m := msg.(type) {
	case protocol.Welcome:
		c.welcome(m, hello.Resume)
	case protocol.Error:
		if m.Code == protocol.CodeResumeRejected && hello.Resume != nil {
			c.reset(hello.Resume.SessionID)
			return false, errSessionReset
		}
		return false, &ServerError{Code: m.Code, Message: m.Message, Retryable: m.Code.Retryable()}
	default:
		return false, fmt.Errorf("%w: expected server.welcome, got %s", protocol.ErrProtocol, env.Type)
	}
	c.setState(StateActive)

	for {
		env, msg, err := c.read(conn)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, err
		}
		if err := c.handle(env, msg); err != nil {
			return true, err
		}
	}
}

func (c *Client) welcome(w protocol.Welcome, resume *protocol.ResumeRequest) {
	c.mu.Lock()
	old := c.sessionID
	fresh := resume != nil && !w.Resumed
	c.sessionID = w.SessionID
	if w.ResumeToken != "" {
		c.token = w.ResumeToken
	}
	if fresh {
		c.lastSeq = 0
	}
	// Frames are bounded by what the server advertises, not the local default.
	c.codec = protocol.NewCodec(protocol.CodecLimits{MaxMessageBytes: w.Limits.MaxMessageBytes})
	c.mu.Unlock()

	if fresh && c.opts.OnReset != nil {
		c.opts.OnReset(old)
	}
	c.opts.Logger.Printf("client: session %s active (resumed=%v, server last_sequence=%d)", w.SessionID, w.Resumed, w.LastSequence)
}

func (c *Client) reset(oldSessionID string) {
	c.mu.Lock()
	c.sessionID = ""
	c.token = ""
	c.lastSeq = 0
	c.mu.Unlock()

	c.opts.Logger.Printf("client: resume of %s rejected, starting a fresh session", oldSessionID)
	if c.opts.OnReset != nil {
		c.opts.OnReset(oldSessionID)
	}
}

func (c *Client) handle(env protocol.Envelope, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Ping:
		return c.send(protocol.Pong{Nonce: m.Nonce})
	case protocol.Close:
		c.opts.Logger.Printf("client: server closed session (%s, last_sequence=%d)", m.Reason, m.LastSequence)
		return errServerClosed
	case protocol.Error:
		return &ServerError{Code: m.Code, Message: m.Message, Retryable: m.Code.Retryable()}
	}

	if env.Sequence == 0 {
		return nil
	}

	c.mu.Lock()
	dup := env.Sequence <= c.lastSeq
	if !dup {
		if env.Sequence != c.lastSeq+1 {
			c.opts.Logger.Printf("client: sequence gap %d -> %d", c.lastSeq, env.Sequence)
		}
		c.lastSeq = env.Sequence
	}
	c.mu.Unlock()

	if !dup && c.opts.OnMessage != nil {
		c.opts.OnMessage(env, msg)
	}

	// Duplicates are acked again so a lost ack cannot stall the window.
	ack := protocol.Ack{AckSeq: env.Sequence}
	if c.opts.Hello.AckMode == protocol.AckPerMessage {
		ack = protocol.Ack{Sequences: []uint64{env.Sequence}}
	}
	return c.send(ack)
}

func (c *Client) read(conn *websocket.Conn) (protocol.Envelope, protocol.Message, error) {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, nil, err
	}
	if kind != websocket.TextMessage {
		return protocol.Envelope{}, nil, fmt.Errorf("%w: unexpected binary frame", protocol.ErrProtocol)
	}
	env, err := c.currentCodec().Decode(data)
	if err != nil {
		return protocol.Envelope{}, nil, err
	}
	msg, err := protocol.DecodePayload(env)
	if err != nil {
		return protocol.Envelope{}, nil, err
	}
	return env, msg, nil
}

func (c *Client) send(msg protocol.Message) error {
	env, err := protocol.NewEnvelope(c.SessionID(), msg)
	if err != nil {
		return err
	}
	data, err := c.currentCodec().Encode(env)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) currentCodec() protocol.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

func (c *Client) write(kind int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(kind, data)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}
