package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var _ Binding = (*WebSocketBinding)(nil)

// WebSocketBinding carries frames as binary websocket messages. It serves every
// channel of a user; unreliable channels simply ride the ordered stream.
type WebSocketBinding struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
	closed       atomic.Bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func NewWebSocketBinding(conn *websocket.Conn, writeTimeout, readTimeout time.Duration) *WebSocketBinding {
	return &WebSocketBinding{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
	}
}

func (b *WebSocketBinding) ID() string { return b.id }

func (b *WebSocketBinding) Kind() Kind { return KindWebSocket }

func (b *WebSocketBinding) RemoteAddr() net.Addr { return b.conn.RemoteAddr() }

func (b *WebSocketBinding) Send(ctx context.Context, frame []byte) error {
	if b.closed.Load() {
		return NewError(ErrorCodeConnectionClosed, "websocket send", ErrConnectionClosed)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = b.conn.SetWriteDeadline(writeDeadline(ctx, b.writeTimeout))
	if err := b.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if b.closed.Load() {
			return NewError(ErrorCodeConnectionClosed, "websocket send", err)
		}
		return NewError(ErrorCodeConnectionLost, "websocket send", err)
	}

	b.bytesSent.Add(uint64(len(frame)))
	return nil
}

// SetReadDeadline bounds the next Receive when no read timeout is configured.
func (b *WebSocketBinding) SetReadDeadline(t time.Time) error { return b.conn.SetReadDeadline(t) }

// Receive blocks for the next binary or text message.
func (b *WebSocketBinding) Receive() ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if b.readTimeout > 0 {
		_ = b.conn.SetReadDeadline(time.Now().Add(b.readTimeout))
	}

	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		b.bytesReceived.Add(uint64(len(data)))
		return data, nil
	}
}

func (b *WebSocketBinding) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.writeMu.Lock()
	_ = b.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	b.writeMu.Unlock()

	return b.conn.Close()
}

func (b *WebSocketBinding) Stats() (sent, received uint64) {
	return b.bytesSent.Load(), b.bytesReceived.Load()
}

// writeDeadline is the earlier of the context deadline and now+timeout. A zero
// time means no deadline.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
