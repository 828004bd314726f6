package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/lukasbauer/captionstream/internal/aggregator"
	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/protocol"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateDetached
	StateDraining
	StateClosed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Ended reports whether no further transitions happen.
func (s State) Ended() bool {
	return s == StateClosed || s == StateTerminated
}

var (
	errResumeWindowElapsed = fmt.Errorf("%w: resume window elapsed", protocol.ErrSessionClosed)
	errSuperseded          = errors.New("connection superseded by resume")
)

// AudioSink receives raw audio frames from the client.
type AudioSink interface {
	SendAudio(ctx context.Context, audio []byte) error
}

// Info is a point-in-time view of a session for diagnostics.
type Info struct {
	ID              string    `json:"session_id"`
	State           string    `json:"state"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity_at"`
	LastSequence    uint64    `json:"last_sequence"`
	AckFloor        uint64    `json:"ack_floor"`
	InFlight        int       `json:"in_flight"`
	MaxInFlight     int       `json:"max_in_flight"`
	ReplaySize      int       `json:"replay_size"`
	PartialsDropped int64     `json:"partials_dropped"`
}

// Deps are the collaborators a Supervisor reports to. All are optional.
type Deps struct {
	Registry *Registry
	Tokens   *TokenIssuer
	Audit    *eventlog.Logger
	Logger   *log.Logger
	// OnUnexpected is called once when a session ends because of a bug
	// rather than a peer or network condition.
	OnUnexpected func(sessionID string, err error)
	Now          func() time.Time
}

type attachment struct {
	t    Transport
	gen  uint64
	done chan struct{}
	once sync.Once
}

func (a *attachment) close() {
	a.once.Do(func() {
		_ = a.t.Close()
		close(a.done)
	})
}

type attachCmd struct {
	conn   Transport
	resume *protocol.ResumeRequest
	reply  chan attachResult
}

type attachResult struct {
	done <-chan struct{}
	err  error
}

type detachCmd struct {
	gen uint64
	err error
}

type failCmd struct {
	gen uint64
	err error
}

type stopCmd struct {
	reason string
}

type terminateCmd struct {
	err error
}

type inboundFrame struct {
	gen uint64
	msg protocol.Message
}

// Supervisor owns one session. A single writer goroutine holds the
// sequencer, flow controller, replay buffer and all transport writes;
// readers, producers and the registry talk to it through channels.
type Supervisor struct {
	id           string
	cfg          Config
	neg          negotiated
	codec        protocol.Codec
	tokens       *TokenIssuer
	audit        *eventlog.Logger
	logger       *log.Logger
	registry     *Registry
	onUnexpected func(string, error)
	now          func() time.Time
	createdAt    time.Time

	ctx            context.Context
	cancel         context.CancelFunc
	upstreamCtx    context.Context
	upstreamCancel context.CancelFunc

	queue   *outboundQueue
	cmds    chan any
	inbound chan inboundFrame
	done    chan struct{}

	audioMu sync.RWMutex
	audio   AudioSink

	stateVal atomic.Int32
	errMu    sync.Mutex
	err      error

	infoMu sync.Mutex
	info   Info

	// Writer-owned.
	state       State
	seq         Sequencer
	flow        *FlowController
	replay      *ReplayBuffer
	hb          *Heartbeat
	conn        *attachment
	gen         uint64
	detachedAt  time.Time
	drainTimer  *time.Timer
	terminating bool
	finished    bool
}

func newSupervisor(id string, cfg Config, neg negotiated, deps Deps) *Supervisor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	upCtx, upCancel := context.WithCancel(ctx)

	created := now()
	s := &Supervisor{
		id:             id,
		cfg:            cfg,
		neg:            neg,
		codec:          protocol.NewCodec(protocol.CodecLimits{MaxMessageBytes: cfg.MaxMessageBytes}),
		tokens:         deps.Tokens,
		audit:          deps.Audit,
		logger:         logger,
		registry:       deps.Registry,
		onUnexpected:   deps.OnUnexpected,
		now:            now,
		createdAt:      created,
		ctx:            ctx,
		cancel:         cancel,
		upstreamCtx:    upCtx,
		upstreamCancel: upCancel,
		queue:          newOutboundQueue(cfg.QueueCapacity),
		cmds:           make(chan any, 8),
		inbound:        make(chan inboundFrame, cfg.InboundCapacity),
		done:           make(chan struct{}),
		flow:           NewFlowController(neg.maxInFlight),
		replay:         NewReplayBuffer(neg.replayCapacity, cfg.ResumeWindow, now),
		hb:             NewHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeout, created),
	}
	s.info = Info{ID: id, CreatedAt: created, LastActivity: created, MaxInFlight: neg.maxInFlight}
	s.setState(StateHandshaking)
	return s
}

func (s *Supervisor) ID() string {
	return s.id
}

func (s *Supervisor) State() State {
	return State(s.stateVal.Load())
}

// Done is closed once the session reaches CLOSED or TERMINATED.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended. Nil for a clean close.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// UpstreamContext is cancelled when the session stops accepting new events.
func (s *Supervisor) UpstreamContext() context.Context {
	return s.upstreamCtx
}

// SetAudioSink routes client binary frames to sink.
func (s *Supervisor) SetAudioSink(sink AudioSink) {
	s.audioMu.Lock()
	s.audio = sink
	s.audioMu.Unlock()
}

func (s *Supervisor) Info() Info {
	s.infoMu.Lock()
	info := s.info
	s.infoMu.Unlock()
	info.State = s.State().String()
	info.PartialsDropped = s.queue.droppedCount()
	return info
}

// Publish hands an aggregator event to the writer. Events of types the
// client did not accept are discarded before they get a sequence.
func (s *Supervisor) Publish(ctx context.Context, ev aggregator.Event) error {
	msg := ev.Message()
	if !s.neg.accepts(msg.Type()) {
		return nil
	}
	dropped, err := s.queue.push(ctx, outbound{
		msg:           msg,
		key:           ev.Key(),
		correlationID: ev.CorrelationID(),
		partial:       !ev.Terminal(),
	})
	if dropped {
		droppedPartials.Add(ctx, 1)
		s.logger.Printf("session %s: queue full, partial for %s dropped", s.id, ev.Key())
	}
	return err
}

// PublishStatus queues a status message.
func (s *Supervisor) PublishStatus(ctx context.Context, st protocol.Status) error {
	if !s.neg.accepts(protocol.TypeStatus) {
		return nil
	}
	_, err := s.queue.push(ctx, outbound{msg: st})
	return err
}

// Attach binds conn to the session. For a resume, the replay window is
// validated and missed messages are resent before live delivery. The
// returned channel closes when this connection is no longer attached.
func (s *Supervisor) Attach(ctx context.Context, conn Transport, resume *protocol.ResumeRequest) (<-chan struct{}, error) {
	reply := make(chan attachResult, 1)
	select {
	case s.cmds <- attachCmd{conn: conn, resume: resume, reply: reply}:
	case <-s.done:
		return nil, fmt.Errorf("%w: session ended", protocol.ErrResumeRejected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.done, r.err
	case <-s.done:
		return nil, fmt.Errorf("%w: session ended", protocol.ErrResumeRejected)
	}
}

// Stop starts a graceful drain.
func (s *Supervisor) Stop(reason string) {
	s.post(stopCmd{reason: reason})
}

// Terminate ends the session immediately.
func (s *Supervisor) Terminate(err error) {
	s.post(terminateCmd{err: err})
}

func (s *Supervisor) post(cmd any) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

func (s *Supervisor) start() {
	go s.run()
}

func (s *Supervisor) tickInterval() time.Duration {
	d := s.cfg.HeartbeatInterval / 4
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for !s.finished {
		// Control traffic goes ahead of domain delivery.
		select {
		case c := <-s.cmds:
			s.handleCommand(c)
			continue
		case in := <-s.inbound:
			s.handleInbound(in)
			continue
		default:
		}

		var domainC <-chan struct{}
		if s.canPump() {
			domainC = s.queue.notify
		}
		var drainC <-chan time.Time
		if s.drainTimer != nil {
			drainC = s.drainTimer.C
		}

		select {
		case c := <-s.cmds:
			s.handleCommand(c)
		case in := <-s.inbound:
			s.handleInbound(in)
		case <-ticker.C:
			s.tick(s.now())
		case <-domainC:
			s.pump()
		case <-drainC:
			s.drainTimer = nil
			s.logger.Printf("session %s: drain timeout, %d messages not delivered", s.id, s.queue.len())
			s.finishDrain("drain_timeout")
		}
	}
}

func (s *Supervisor) canPump() bool {
	switch s.state {
	case StateActive, StateDetached, StateDraining:
		return s.flow.CanSend()
	}
	return false
}

func (s *Supervisor) handleCommand(c any) {
	switch c := c.(type) {
	case attachCmd:
		s.attach(c)
	case detachCmd:
		if s.conn != nil && c.gen == s.conn.gen {
			s.detach(c.err)
		}
	case failCmd:
		if s.conn != nil && c.gen == s.conn.gen {
			s.audit.LogAsync(s.id, eventlog.EventProtocolError, map[string]any{"error": c.err.Error()})
			s.terminate(c.err)
		}
	case stopCmd:
		s.beginDrain(c.reason)
	case terminateCmd:
		s.terminate(c.err)
	}
}

func (s *Supervisor) attach(c attachCmd) {
	fail := func(err error) {
		c.reply <- attachResult{err: err}
	}

	switch s.state {
	case StateDraining, StateClosed, StateTerminated:
		fail(fmt.Errorf("%w: session is %s", protocol.ErrResumeRejected, s.state))
		return
	}

	var replay []ReplayEntry
	resumed := false
	if c.resume != nil {
		_, span := tracer.Start(s.ctx, "resume session")
		span.SetAttributes(
			attribute.String("session.id", s.id),
			attribute.Int64("session.last_seq_seen", int64(c.resume.LastSeqSeen)),
		)
		if s.state == StateHandshaking {
			err := fmt.Errorf("%w: session not established", protocol.ErrResumeRejected)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			fail(err)
			return
		}
		s.replay.EvictExpired()
		entries, err := s.replay.Since(c.resume.LastSeqSeen)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			s.logger.Printf("session %s: resume rejected: %v", s.id, err)
			s.audit.LogAsync(s.id, eventlog.EventResumeRejected, map[string]any{
				"last_seq_seen": c.resume.LastSeqSeen,
				"error":         err.Error(),
			})
			fail(err)
			return
		}
		span.SetAttributes(attribute.Int("session.replayed", len(entries)))
		span.End()

		if s.conn != nil {
			s.logger.Printf("session %s: %s", s.id, errSuperseded)
			s.conn.close()
			s.conn = nil
		}
		s.flow.OnAck(c.resume.LastSeqSeen)
		s.replay.EvictAcked(s.flow.Floor())
		replay = entries
		resumed = true
	}

	s.gen++
	att := &attachment{t: c.conn, gen: s.gen, done: make(chan struct{})}
	s.conn = att
	s.setState(StateActive)
	s.hb.Reset(s.now())
	s.detachedAt = time.Time{}
	s.infoMu.Lock()
	s.info.RemoteAddr = c.conn.RemoteAddr()
	s.infoMu.Unlock()

	token, err := s.tokens.Issue(s.id)
	if err != nil {
		s.logger.Printf("session %s: %v", s.id, err)
	}
	s.writeControl(protocol.Welcome{
		SessionID: s.id,
		Resumed:   resumed,
		Heartbeat: protocol.HeartbeatParams{
			IntervalMs: s.cfg.HeartbeatInterval.Milliseconds(),
			TimeoutMs:  s.cfg.HeartbeatTimeout.Milliseconds(),
		},
		ResumeWindowSec: int64(s.cfg.ResumeWindow / time.Second),
		Limits: protocol.Limits{
			MaxInFlight:     s.neg.maxInFlight,
			MaxMessageBytes: s.cfg.MaxMessageBytes,
		},
		AckMode:      s.neg.ackMode,
		ResumeToken:  token,
		LastSequence: s.seq.Last(),
	})

	if resumed {
		for _, e := range replay {
			if s.conn == nil {
				break
			}
			s.write(e.Data)
		}
		replayedMessages.Add(s.ctx, int64(len(replay)))
		s.logger.Printf("session %s: resumed from %s, replayed %d", s.id, c.conn.RemoteAddr(), len(replay))
		s.audit.LogAsync(s.id, eventlog.EventSessionResumed, map[string]any{
			"last_seq_seen": c.resume.LastSeqSeen,
			"replayed":      len(replay),
		})
	} else {
		s.logger.Printf("session %s: started for %s (max_in_flight=%d, ack_mode=%s)",
			s.id, c.conn.RemoteAddr(), s.neg.maxInFlight, s.neg.ackMode)
		s.audit.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{
			"remote_addr":   c.conn.RemoteAddr(),
			"max_in_flight": s.neg.maxInFlight,
			"ack_mode":      string(s.neg.ackMode),
			"language":      s.neg.source.Language,
		})
	}
	s.updateInfo()

	if s.conn == att {
		go s.readLoop(att)
	}
	c.reply <- attachResult{done: att.done}

	if s.conn != nil {
		s.pump()
	}
}

// detach handles a lost connection. The session stays resumable for the
// resume window; domain events keep being sequenced into the replay buffer.
func (s *Supervisor) detach(cause error) {
	att := s.conn
	s.conn = nil
	att.close()

	switch {
	case s.state == StateDraining:
		s.finish(StateClosed, nil)
		return
	case s.cfg.ResumeWindow <= 0:
		s.finish(StateTerminated, fmt.Errorf("%w: transport lost: %v", protocol.ErrSessionClosed, cause))
		return
	}

	s.setState(StateDetached)
	s.detachedAt = s.now()
	s.logger.Printf("session %s: detached: %v", s.id, cause)
	s.audit.LogAsync(s.id, eventlog.EventSessionDetached, map[string]any{
		"error":         fmt.Sprint(cause),
		"last_sequence": s.seq.Last(),
		"ack_floor":     s.flow.Floor(),
	})
}

func (s *Supervisor) handleInbound(in inboundFrame) {
	if s.conn == nil || in.gen != s.conn.gen {
		return
	}

	switch m := in.msg.(type) {
	case protocol.Ack:
		freed := 0
		if s.neg.ackMode == protocol.AckPerMessage {
			for _, seq := range m.Sequences {
				freed += s.flow.OnAckOne(seq)
			}
		}
		if m.AckSeq > 0 {
			freed += s.flow.OnAck(m.AckSeq)
		}
		if freed > 0 {
			s.replay.EvictAcked(s.flow.Floor())
			s.updateInfo()
			s.pump()
		}
	case protocol.Pong:
		s.hb.Pong(m.Nonce, s.now())
	case protocol.Stop:
		reason := "client_stop"
		if m.Reason != "" {
			reason = m.Reason
		}
		s.beginDrain(reason)
	case protocol.Hello:
		s.terminate(fmt.Errorf("%w: duplicate client.hello", protocol.ErrProtocol))
	case protocol.Unknown:
		s.logger.Printf("session %s: ignoring unknown message type %q", s.id, m.Kind)
	default:
		s.logger.Printf("session %s: ignoring unexpected %s from client", s.id, in.msg.Type())
	}
}

func (s *Supervisor) tick(now time.Time) {
	if s.replay.EvictExpired() > 0 {
		s.updateInfo()
	}

	switch s.state {
	case StateActive:
		action, nonce := s.hb.Tick(now)
		switch action {
		case HeartbeatProbe:
			s.writeControl(protocol.Ping{Nonce: nonce})
		case HeartbeatExpire:
			s.logger.Printf("session %s: no activity for %s, terminating", s.id, s.cfg.HeartbeatTimeout)
			s.audit.LogAsync(s.id, eventlog.EventLivenessTimeout, map[string]any{
				"timeout_ms": s.cfg.HeartbeatTimeout.Milliseconds(),
			})
			s.terminate(fmt.Errorf("%w: silent for %s", protocol.ErrLivenessTimeout, s.cfg.HeartbeatTimeout))
		}
	case StateDetached:
		if now.Sub(s.detachedAt) >= s.cfg.ResumeWindow {
			s.finish(StateTerminated, errResumeWindowElapsed)
		}
	}
}

// pump moves queued domain messages onto the wire while the window allows.
func (s *Supervisor) pump() {
	for !s.finished && s.flow.CanSend() {
		item, ok := s.queue.pop()
		if !ok {
			break
		}
		if err := s.sendDomain(item); err != nil {
			s.terminate(err)
			return
		}
	}
	if !s.finished && s.state == StateDraining && s.queue.len() == 0 {
		s.finishDrain("drained")
	}
}

// sendDomain sequences, retains and writes one domain message. Messages that
// cannot be encoded within the size limit are dropped before they consume
// a sequence number.
func (s *Supervisor) sendDomain(item outbound) error {
	next, err := s.seq.Peek()
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(s.id, item.msg)
	if err != nil {
		s.logger.Printf("session %s: dropping %s: %v", s.id, item.msg.Type(), err)
		return nil
	}
	env.Sequence = next
	env.CorrelationID = item.correlationID
	env.MonotonicTimeMs = s.monotonicMs()

	data, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Printf("session %s: dropping %s: %v", s.id, item.msg.Type(), err)
		return nil
	}

	seq, err := s.seq.Next()
	if err != nil {
		return err
	}
	if err := s.flow.OnSend(seq); err != nil {
		return err
	}
	if err := s.replay.Append(seq, data); err != nil {
		return err
	}
	if s.conn != nil {
		s.write(data)
	}
	s.updateInfo()
	return nil
}

// writeControl sends an unsequenced control message on the current
// connection, if any.
func (s *Supervisor) writeControl(msg protocol.Message) {
	if s.conn == nil {
		return
	}
	env, err := protocol.NewEnvelope(s.id, msg)
	if err != nil {
		s.logger.Printf("session %s: encode %s: %v", s.id, msg.Type(), err)
		return
	}
	env.MonotonicTimeMs = s.monotonicMs()
	data, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Printf("session %s: encode %s: %v", s.id, msg.Type(), err)
		return
	}
	s.write(data)
}

func (s *Supervisor) write(data []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.t.WriteText(ctx, data); err != nil {
		if s.terminating {
			// finish closes the connection.
			s.logger.Printf("session %s: write during terminate: %v", s.id, err)
			return
		}
		s.detach(fmt.Errorf("write: %w", err))
	}
}

func (s *Supervisor) beginDrain(reason string) {
	switch s.state {
	case StateDraining, StateClosed, StateTerminated:
		return
	}
	s.logger.Printf("session %s: draining (%s)", s.id, reason)
	s.audit.LogAsync(s.id, eventlog.EventSessionDraining, map[string]any{"reason": reason})

	s.upstreamCancel()
	s.queue.seal()
	if s.conn == nil {
		s.finish(StateClosed, nil)
		return
	}
	s.setState(StateDraining)
	s.drainTimer = time.NewTimer(s.cfg.DrainTimeout)
	s.pump()
}

func (s *Supervisor) finishDrain(reason string) {
	s.writeControl(protocol.Close{Reason: reason, LastSequence: s.seq.Last()})
	s.finish(StateClosed, nil)
}

// terminate sends a best-effort server.error and ends the session.
func (s *Supervisor) terminate(err error) {
	if s.finished {
		return
	}
	s.terminating = true
	code := protocol.CodeFor(err)
	s.writeControl(protocol.Error{Code: code, Message: err.Error(), Retryable: code.Retryable()})
	s.finish(StateTerminated, err)
}

func (s *Supervisor) finish(state State, err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.setState(state)
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()

	s.upstreamCancel()
	s.cancel()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
	if s.conn != nil {
		s.conn.close()
		s.conn = nil
	}
	s.updateInfo()
	s.queue.release()
	s.replay.Release()
	s.registry.Remove(s.id)

	reason := "ok"
	if err != nil {
		reason = string(protocol.CodeFor(err))
	}
	terminations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", state.String()),
		attribute.String("reason", reason),
	))

	eventType := eventlog.EventSessionClosed
	if state == StateTerminated {
		eventType = eventlog.EventSessionTerminated
	}
	data := map[string]any{"last_sequence": s.seq.Last(), "reason": reason}
	if err != nil {
		data["error"] = err.Error()
	}
	s.audit.LogAsync(s.id, eventType, data)

	if err != nil {
		s.logger.Printf("session %s: %s: %v", s.id, state, err)
	} else {
		s.logger.Printf("session %s: %s", s.id, state)
	}
	if isUnexpected(err) && s.onUnexpected != nil {
		s.onUnexpected(s.id, err)
	}
	close(s.done)
}

// isUnexpected separates bugs from ordinary peer or network conditions.
func isUnexpected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, protocol.ErrFlowViolation) || errors.Is(err, ErrSequenceExhausted) {
		return true
	}
	return protocol.CodeFor(err) == protocol.CodeInternal
}

func (s *Supervisor) readLoop(att *attachment) {
	for {
		frame, err := att.t.ReadFrame(s.ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				s.post(failCmd{gen: att.gen, err: err})
			} else {
				s.post(detachCmd{gen: att.gen, err: err})
			}
			return
		}
		now := s.now()
		s.hb.Touch(now)
		s.infoMu.Lock()
		s.info.LastActivity = now
		s.infoMu.Unlock()

		if frame.Binary {
			s.forwardAudio(frame.Data)
			continue
		}

		env, err := s.codec.Decode(frame.Data)
		var msg protocol.Message
		if err == nil {
			msg, err = protocol.DecodePayload(env)
		}
		if err != nil {
			s.logger.Printf("session %s: %v", s.id, err)
			s.post(failCmd{gen: att.gen, err: err})
			return
		}

		select {
		case s.inbound <- inboundFrame{gen: att.gen, msg: msg}:
		case <-att.done:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Supervisor) forwardAudio(data []byte) {
	s.audioMu.RLock()
	sink := s.audio
	s.audioMu.RUnlock()
	if sink == nil {
		return
	}
	if err := sink.SendAudio(s.upstreamCtx, data); err != nil && s.upstreamCtx.Err() == nil {
		s.logger.Printf("session %s: forward audio: %v", s.id, err)
	}
}

func (s *Supervisor) setState(st State) {
	s.state = st
	s.stateVal.Store(int32(st))
}

func (s *Supervisor) monotonicMs() int64 {
	return s.now().Sub(s.createdAt).Milliseconds()
}

func (s *Supervisor) updateInfo() {
	s.infoMu.Lock()
	s.info.LastSequence = s.seq.Last()
	s.info.AckFloor = s.flow.Floor()
	s.info.InFlight = s.flow.InFlight()
	s.info.ReplaySize = s.replay.Len()
	s.infoMu.Unlock()
}
