package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/llm"
	"github.com/lukasbauer/captionstream/internal/protocol"
	"github.com/lukasbauer/captionstream/internal/stt"
)

// HubOptions configures a Hub.
type HubOptions struct {
	Config     Config
	Registry   *Registry
	Recognizer stt.Recognizer // nil disables the upstream pipeline
	Translator llm.Translator // nil disables translations
	Tokens     *TokenIssuer
	Audit      *eventlog.Logger
	Logger     *log.Logger
	Debug      bool
	// OnUnexpected receives sessions that ended because of a bug.
	OnUnexpected func(sessionID string, err error)
	Now          func() time.Time
}

// Hub accepts client connections, runs the handshake and hands each
// connection to a new or resumed Supervisor.
type Hub struct {
	opts   HubOptions
	cfg    Config
	codec  protocol.Codec
	logger *log.Logger
}

func NewHub(opts HubOptions) *Hub {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	cfg := opts.Config.withDefaults()
	return &Hub{
		opts:   opts,
		cfg:    cfg,
		codec:  protocol.NewCodec(protocol.CodecLimits{MaxMessageBytes: cfg.MaxMessageBytes}),
		logger: opts.Logger,
	}
}

func (h *Hub) Registry() *Registry {
	return h.opts.Registry
}

func (h *Hub) Config() Config {
	return h.cfg
}

// Serve runs conn until it is detached or its session ends. The transport
// is always closed when Serve returns.
func (h *Hub) Serve(ctx context.Context, conn Transport) error {
	hello, err := h.handshake(ctx, conn)
	if err != nil {
		h.reject(conn, "", err)
		return err
	}

	var sup *Supervisor
	if hello.Resume != nil {
		sup, err = h.resume(hello.Resume)
	} else {
		sup, err = h.create(hello)
	}
	if err != nil {
		h.reject(conn, "", err)
		return err
	}

	attachCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	done, err := sup.Attach(attachCtx, conn, hello.Resume)
	cancel()
	if err != nil {
		if hello.Resume == nil {
			sup.Terminate(err)
		}
		h.reject(conn, sup.ID(), err)
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		_ = conn.Close()
	}
	return nil
}

// handshake waits for client.hello, bounded by the handshake timeout.
func (h *Hub) handshake(ctx context.Context, conn Transport) (protocol.Hello, error) {
	ctx, span := tracer.Start(ctx, "session handshake")
	defer span.End()

	readCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	fail := func(err error) (protocol.Hello, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.Hello{}, err
	}

	frame, err := conn.ReadFrame(readCtx)
	if err != nil {
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
			return fail(fmt.Errorf("%w: no client.hello within %s", protocol.ErrHandshakeTimeout, h.cfg.HandshakeTimeout))
		}
		return fail(fmt.Errorf("read hello: %w", err))
	}
	if frame.Binary {
		return fail(fmt.Errorf("%w: binary frame before client.hello", protocol.ErrProtocol))
	}
	env, err := h.codec.Decode(frame.Data)
	if err != nil {
		return fail(err)
	}
	msg, err := protocol.DecodePayload(env)
	if err != nil {
		return fail(err)
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		return fail(fmt.Errorf("%w: expected client.hello, got %s", protocol.ErrProtocol, env.Type))
	}
	span.SetAttributes(
		attribute.Bool("hello.resume", hello.Resume != nil),
		attribute.Int("hello.max_in_flight", hello.MaxInFlight),
	)
	return hello, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func (h *Hub) resume(req *protocol.ResumeRequest) (*Supervisor, error) {
	if err := h.opts.Tokens.Verify(req.Token, req.SessionID); err != nil {
		h.opts.Audit.LogAsync(req.SessionID, eventlog.EventResumeRejected, map[string]any{"error": err.Error()})
		return nil, err
	}
	sup, ok := h.opts.Registry.Lookup(req.SessionID)
	if !ok {
		h.opts.Audit.LogAsync(req.SessionID, eventlog.EventResumeRejected, map[string]any{"error": "unknown session"})
		return nil, fmt.Errorf("%w: unknown or expired session %s", protocol.ErrResumeRejected, req.SessionID)
	}
	return sup, nil
}

func (h *Hub) create(hello protocol.Hello) (*Supervisor, error) {
	if h.opts.Registry.IsDraining() {
		return nil, fmt.Errorf("%w: server is draining", protocol.ErrSessionClosed)
	}

	neg := negotiate(h.cfg, hello)
	sup := newSupervisor(uuid.NewString(), h.cfg, neg, Deps{
		Registry:     h.opts.Registry,
		Tokens:       h.opts.Tokens,
		Audit:        h.opts.Audit,
		Logger:       h.logger,
		OnUnexpected: h.opts.OnUnexpected,
		Now:          h.opts.Now,
	})
	if err := h.opts.Registry.Add(sup); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSessionClosed, err)
	}
	sup.start()

	if h.opts.Recognizer != nil {
		p := &pipeline{
			sup:        sup,
			recognizer: h.opts.Recognizer,
			translator: h.opts.Translator,
			source:     neg.source,
			rateHz:     h.cfg.DebounceHz,
			audit:      h.opts.Audit,
			logger:     h.logger,
			debug:      h.opts.Debug,
		}
		go p.run(sup.UpstreamContext())
	}
	return sup, nil
}

// reject sends a best-effort server.error and closes conn.
func (h *Hub) reject(conn Transport, sessionID string, cause error) {
	code := protocol.CodeFor(cause)
	h.logger.Printf("session hub: rejecting %s: %v", conn.RemoteAddr(), cause)

	env, err := protocol.NewEnvelope(sessionID, protocol.Error{
		Code:      code,
		Message:   cause.Error(),
		Retryable: code.Retryable(),
	})
	if err == nil {
		if data, err := h.codec.Encode(env); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			_ = conn.WriteText(ctx, data)
			cancel()
		}
	}
	_ = conn.Close()
}

// Shutdown drains every session; see Registry.Shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	return h.opts.Registry.Shutdown(ctx, "server_shutdown")
}
