package mqtt

import (
	"context"
	"io"
	"net"
	"time"
)

// zeroTime clears a previously set read/write deadline on a net.Conn.
var zeroTime = time.Time{}

// StreamAdapter is the uniform byte-stream interface the protocol handler reads and writes
// control packets over. Concrete adapters bridge it onto whatever transport actually carries
// the bytes (plain TCP, TLS, WebSocket).
type StreamAdapter interface {
	// Receive reads n bytes, blocking until they have arrived, the stream reaches EOF, or ctx's
	// deadline passes. It returns fewer than n bytes only when the stream reaches EOF. The
	// shipped adapters apply only ctx's deadline; cancelling a ctx without a deadline does not
	// unblock a pending Receive (closing the stream does).
	Receive(ctx context.Context, n int) ([]byte, error)
	// Send writes all of data to the stream, blocking until done or ctx's deadline passes.
	Send(ctx context.Context, data []byte) error
	// Close releases the underlying transport. Safe to call more than once.
	Close() error
}

// tcpStreamAdapter wraps a net.Conn (plain TCP, or TLS via a crypto/tls.Conn, which satisfies
// net.Conn). Deadlines from ctx are applied with SetReadDeadline/SetWriteDeadline since net.Conn
// predates context.Context.
type tcpStreamAdapter struct {
	conn net.Conn
}

// NewTCPStreamAdapter adapts an already-dialed net.Conn into a StreamAdapter.
func NewTCPStreamAdapter(conn net.Conn) StreamAdapter {
	return &tcpStreamAdapter{conn: conn}
}

func (a *tcpStreamAdapter) Receive(ctx context.Context, n int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := a.conn.SetReadDeadline(deadline); err != nil {
			return nil, transportError(err)
		}
	} else {
		_ = a.conn.SetReadDeadline(zeroTime)
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(a.conn, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError(err)
	}
	return buf[:read], nil
}

func (a *tcpStreamAdapter) Send(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := a.conn.SetWriteDeadline(deadline); err != nil {
			return transportError(err)
		}
	} else {
		_ = a.conn.SetWriteDeadline(zeroTime)
	}
	if _, err := a.conn.Write(data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportError(err)
	}
	return nil
}

func (a *tcpStreamAdapter) Close() error {
	return a.conn.Close()
}

// streamReader bridges a StreamAdapter onto io.Reader so the existing packet-decoding helpers
// (readGenericMessage, DecodeVariableInt) can read directly from any transport.
type streamReader struct {
	ctx    context.Context
	stream StreamAdapter
}

func newStreamReader(ctx context.Context, stream StreamAdapter) io.Reader {
	return &streamReader{ctx: ctx, stream: stream}
}

func (r *streamReader) Read(p []byte) (int, error) {
	data, err := r.stream.Receive(r.ctx, len(p))
	n := copy(p, data)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
