package mqtt

import (
	"context"

	"github.com/gorilla/websocket"
)

// websocketStreamAdapter adapts a *websocket.Conn into a StreamAdapter. Supplemental: the
// distilled spec names WebSocket as an acceptable transport but did not supply an
// implementation. MQTT over WebSocket is framed as a sequence of binary messages; each message
// may carry any number of complete or partial control packets, so Receive buffers bytes from
// one websocket message at a time and hands out n at a time from that buffer.
type websocketStreamAdapter struct {
	conn   *websocket.Conn
	buffer []byte
}

// NewWebSocketStreamAdapter adapts an already-established *websocket.Conn into a StreamAdapter.
func NewWebSocketStreamAdapter(conn *websocket.Conn) StreamAdapter {
	return &websocketStreamAdapter{conn: conn}
}

func (a *websocketStreamAdapter) Receive(ctx context.Context, n int) ([]byte, error) {
	for len(a.buffer) < n {
		if deadline, ok := ctx.Deadline(); ok {
			if err := a.conn.SetReadDeadline(deadline); err != nil {
				return nil, transportError(err)
			}
		} else {
			_ = a.conn.SetReadDeadline(zeroTime)
		}
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				out := a.buffer
				a.buffer = nil
				return out, nil
			}
			return nil, transportError(err)
		}
		a.buffer = append(a.buffer, data...)
	}
	out := a.buffer[:n]
	a.buffer = a.buffer[n:]
	return out, nil
}

func (a *websocketStreamAdapter) Send(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := a.conn.SetWriteDeadline(deadline); err != nil {
			return transportError(err)
		}
	} else {
		_ = a.conn.SetWriteDeadline(zeroTime)
	}
	if err := a.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportError(err)
	}
	return nil
}

func (a *websocketStreamAdapter) Close() error {
	return a.conn.Close()
}
