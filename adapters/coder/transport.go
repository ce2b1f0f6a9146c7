// This package enables the use of the github.com/coder/websocket package with
// the ws-client-wrapper library. It provides a wrapper.Transport backed by a
// client Conn from the github.com/coder/websocket package.
package coder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/coder/websocket"
)

// Transport implements wrapper.Transport for a websocket.Conn.
//
// coder/websocket reads and writes whole messages, so frames are emulated:
// inbound messages are returned in pieces of at most ReceiveBufferSize bytes
// and outbound messages longer than SendBufferSize are written as several
// frames.
type Transport struct {
	state atomic.Int32

	mu     sync.Mutex // protects cfg and conn
	cfg    wrapper.TransportConfig
	conn   *websocket.Conn
	closed sync.Once

	writeMu sync.Mutex
	writer  io.WriteCloser // message started by a non-final SendFrame

	// Only used by ReceiveFrame, which is never called concurrently.
	reader     io.Reader
	readerType websocket.MessageType
}

// New returns an unconnected Transport. It can be passed to
// wrapper.NewSession as the TransportFactory.
func New(cfg wrapper.TransportConfig) wrapper.Transport {
	t := &Transport{cfg: cfg}
	t.state.Store(int32(wrapper.StateNone))
	return t
}

func (t *Transport) State() wrapper.State {
	return wrapper.State(t.state.Load())
}

func (t *Transport) Configure(cfg wrapper.TransportConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != wrapper.StateNone {
		return wrapper.ErrNotConfigurable
	}
	t.cfg = cfg
	return nil
}

// Connect performs the opening handshake
func (t *Transport) Connect(ctx context.Context, address string) error {
	if !t.transition(wrapper.StateNone, wrapper.StateConnecting) {
		return fmt.Errorf("connect in state %v", t.State())
	}
	t.mu.Lock()
	cfg := t.cfg
	t.mu.Unlock()

	opts := &websocket.DialOptions{
		HTTPHeader:   cfg.Header,
		Subprotocols: cfg.SubProtocols,
	}
	if cfg.Proxy != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(cfg.Proxy)},
		}
	}
	conn, _, err := websocket.Dial(ctx, address, opts)
	if err != nil {
		t.setAborted()
		return fmt.Errorf("dial: %w", err)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if !t.transition(wrapper.StateConnecting, wrapper.StateOpen) {
		// Aborted while connecting
		conn.CloseNow()
		return fmt.Errorf("connect: %w", wrapper.ErrTransportAborted)
	}
	return nil
}

// SendFrame writes data as part of a text message
func (t *Transport) SendFrame(ctx context.Context, data []byte, final bool) error {
	conn := t.connection()
	if conn == nil {
		return errors.New("not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	frameSize := t.cfg.SendBufferSize
	t.mu.Unlock()
	if t.writer == nil && final && (frameSize <= 0 || len(data) <= frameSize) {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return t.writeFailed(ctx, err)
		}
		return nil
	}

	if t.writer == nil {
		w, err := conn.Writer(ctx, websocket.MessageText)
		if err != nil {
			return t.writeFailed(ctx, err)
		}
		t.writer = w
	}
	for len(data) > 0 {
		n := len(data)
		if frameSize > 0 {
			n = min(n, frameSize)
		}
		if _, err := t.writer.Write(data[:n]); err != nil {
			t.writer = nil
			return t.writeFailed(ctx, err)
		}
		data = data[n:]
	}
	if !final {
		return nil
	}
	w := t.writer
	t.writer = nil
	if err := w.Close(); err != nil {
		return t.writeFailed(ctx, err)
	}
	return nil
}

// ReceiveFrame reads the next piece of the current inbound message
func (t *Transport) ReceiveFrame(ctx context.Context) (wrapper.Frame, error) {
	conn := t.connection()
	if conn == nil {
		return wrapper.Frame{}, fmt.Errorf("read: %w", wrapper.ErrTransportAborted)
	}
	if t.reader == nil {
		typ, r, err := conn.Reader(ctx)
		if err != nil {
			return t.readFailed(ctx, err)
		}
		t.reader, t.readerType = r, typ
	}

	t.mu.Lock()
	size := max(t.cfg.ReceiveBufferSize, 1)
	t.mu.Unlock()
	buf := make([]byte, size)
	n, err := io.ReadFull(t.reader, buf)
	frame := wrapper.Frame{Data: buf[:n], Type: wrapper.FrameText}
	if t.readerType == websocket.MessageBinary {
		frame.Type = wrapper.FrameBinary
	}
	switch {
	case err == nil:
		return frame, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		t.reader = nil
		frame.EndOfMessage = true
		return frame, nil
	default:
		t.reader = nil
		return t.readFailed(ctx, err)
	}
}

// CloseOutput performs the close handshake. coder/websocket answers a close
// frame from the peer by itself, so when the peer closed first the handshake
// is already complete and CloseOutput only records it.
func (t *Transport) CloseOutput(
	ctx context.Context, code wrapper.StatusCode, reason string,
) error {
	conn := t.connection()
	if conn == nil {
		return errors.New("not connected")
	}
	if t.transition(wrapper.StateCloseReceived, wrapper.StateClosed) {
		return nil
	}
	if !t.transition(wrapper.StateOpen, wrapper.StateCloseSent) {
		return fmt.Errorf("close output in state %v", t.State())
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Close(websocket.StatusCode(code), reason)
	}()
	select {
	case err := <-done:
		if err != nil && !handshakeDone(err) {
			// coder/websocket closes the connection when the handshake
			// fails, for example after a cancelled write tore it down.
			t.setAborted()
			return fmt.Errorf("close: %w", err)
		}
		t.finishClose()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close: %w", ctx.Err())
	}
}

// Abort closes the connection without a close handshake
func (t *Transport) Abort() {
	t.setAborted()
	if conn := t.connection(); conn != nil {
		conn.CloseNow()
	}
}

// Dispose releases the connection
func (t *Transport) Dispose() error {
	t.closed.Do(func() {
		if t.State() != wrapper.StateNone {
			t.setAborted()
		}
		if conn := t.connection(); conn != nil {
			conn.CloseNow()
		}
	})
	return nil
}

func (t *Transport) connection() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// readFailed maps a read error to a close frame or an aborted Transport.
func (t *Transport) readFailed(ctx context.Context, err error) (wrapper.Frame, error) {
	if ctx.Err() != nil {
		t.setAborted()
		return wrapper.Frame{}, fmt.Errorf("read: %w", ctx.Err())
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if !t.transition(wrapper.StateOpen, wrapper.StateCloseReceived) {
			t.finishClose()
		}
		return closeFrame(ce.Reason), nil
	}
	if handshakeDone(err) && t.State() == wrapper.StateCloseSent {
		// Close completed the handshake and closed the connection
		t.finishClose()
		return closeFrame(""), nil
	}
	t.setAborted()
	return wrapper.Frame{}, fmt.Errorf("read: %w: %w", wrapper.ErrTransportAborted, err)
}

func (t *Transport) writeFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write: %w", ctx.Err())
	}
	return fmt.Errorf("write: %w", err)
}

// transition moves from one state to another, reporting whether the Transport
// was in the from state.
func (t *Transport) transition(from, to wrapper.State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

func (t *Transport) finishClose() {
	if !t.transition(wrapper.StateCloseSent, wrapper.StateClosed) {
		t.transition(wrapper.StateCloseReceived, wrapper.StateClosed)
	}
}

func (t *Transport) setAborted() {
	for {
		s := t.State()
		if s == wrapper.StateClosed || s == wrapper.StateAborted {
			return
		}
		if t.transition(s, wrapper.StateAborted) {
			return
		}
	}
}

// handshakeDone reports whether err carries the status of a completed close
// handshake. A bare net.ErrClosed does not: the connection may have been torn
// down without one.
func handshakeDone(err error) bool {
	return websocket.CloseStatus(err) != -1
}

func closeFrame(reason string) wrapper.Frame {
	return wrapper.Frame{
		Data:         []byte(reason),
		EndOfMessage: true,
		Type:         wrapper.FrameClose,
	}
}
