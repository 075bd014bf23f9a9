package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/kernelmesh/core"
)

// WebSocketTransport exchanges JSON envelopes as WebSocket text messages.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	incoming chan received
	done     chan struct{}
	once     sync.Once
}

// NewWebSocketTransport wraps an established connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:     conn,
		incoming: make(chan received),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// DialWebSocket connects to a kernel host serving WebSocketHandler at url.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return NewWebSocketTransport(conn), nil
}

// WebSocketHandler upgrades incoming requests and hands each connection to
// accept. accept owns the transport and must close it.
func WebSocketHandler(accept func(t *WebSocketTransport)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(NewWebSocketTransport(conn))
	})
}

func (t *WebSocketTransport) readLoop() {
	for {
		var env Envelope
		err := t.conn.ReadJSON(&env)

		var r received
		switch {
		case err != nil && isClosed(err):
			r.err = fmt.Errorf("%w: %w", core.ErrTransportClosed, err)
		case err != nil:
			r.err = fmt.Errorf("read envelope: %w", err)
		default:
			if verr := env.Validate(); verr != nil {
				r.err = verr
			} else {
				r.env = env
			}
		}

		select {
		case t.incoming <- r:
		case <-t.done:
			return
		}

		if err != nil && isClosed(err) {
			return
		}
	}
}

// isClosed reports whether a read error ends the connection. Only payload
// errors leave it usable.
func isClosed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr)
}

// Send writes env as one text message.
func (t *WebSocketTransport) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}

	select {
	case <-t.done:
		return fmt.Errorf("%w: websocket", core.ErrTransportClosed)
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}

	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send envelope: %w", err)
	}

	return nil
}

// Receive returns the next envelope.
func (t *WebSocketTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case r := <-t.incoming:
		return r.env, r.err
	case <-t.done:
		return Envelope{}, fmt.Errorf("%w: websocket", core.ErrTransportClosed)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close sends a close frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}
