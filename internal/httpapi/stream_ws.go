package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/captionstream/internal/protocol"
	"github.com/lukasbauer/captionstream/internal/session"
)

// closeGrace bounds the close handshake write.
const closeGrace = time.Second

func (r *Router) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			return originAllowed(r.cfg.AllowedOrigins, req.Header.Get("Origin"))
		},
	}
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	if r.hub.Registry().IsDraining() {
		http.Error(w, `{"error": "server is draining"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader().Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("stream_ws: upgrade failed: %v", err)
		return
	}

	t := newWSTransport(conn, r.hub.Config().MaxMessageBytes)
	if r.cfg.Debug {
		r.logger.Printf("stream_ws: connection from %s", t.RemoteAddr())
	}

	if err := r.hub.Serve(req.Context(), t); err != nil {
		switch protocol.CodeFor(err) {
		case protocol.CodeInternal:
			r.logger.Printf("stream_ws: %s: %v", t.RemoteAddr(), err)
			captureError(req, err, "stream_ws: handshake failed")
		default:
			if r.cfg.Debug {
				r.logger.Printf("stream_ws: %s: %v", t.RemoteAddr(), err)
			}
		}
	}
}

// wsTransport adapts a gorilla connection to session.Transport. Reads come
// from one goroutine at a time; writes are serialized by writeMu.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	remote    string
}

func newWSTransport(conn *websocket.Conn, maxMessageBytes int) *wsTransport {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(int64(maxMessageBytes))
	}
	return &wsTransport{conn: conn, remote: conn.RemoteAddr().String()}
}

func (t *wsTransport) ReadFrame(ctx context.Context) (session.Frame, error) {
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return session.Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return session.Frame{}, ctxErr
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return session.Frame{}, io.EOF
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.CloseMessageTooBig {
			return session.Frame{}, errors.Join(protocol.ErrProtocol, err)
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return session.Frame{}, errors.Join(protocol.ErrProtocol, err)
		}
		return session.Frame{}, err
	}
	return session.Frame{Binary: kind == websocket.BinaryMessage, Data: data}, nil
}

func (t *wsTransport) WriteText(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.remote
}
