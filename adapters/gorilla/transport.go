// This package enables the use of the github.com/gorilla/websocket package
// with the ws-client-wrapper library. It provides a wrapper.Transport backed by
// a client connection from the github.com/gorilla/websocket package.
package gorilla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/gorilla/websocket"
)

// closeWriteTimeout bounds writing the close frame when CloseOutput is given a
// context without a deadline.
const closeWriteTimeout = 5 * time.Second

// minBufferSize is the smallest I/O buffer handed to the Dialer. Frame sizes
// below it are still honored by ReceiveFrame.
const minBufferSize = 256

// Transport implements wrapper.Transport for a gorilla websocket.Conn.
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
	readerType int
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

	dialer := websocket.Dialer{
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		ReadBufferSize:   max(cfg.ReceiveBufferSize, minBufferSize),
		WriteBufferSize:  max(cfg.SendBufferSize, minBufferSize),
		Subprotocols:     cfg.SubProtocols,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	if cfg.Proxy != nil {
		proxy := cfg.Proxy
		dialer.Proxy = func(*http.Request) (*url.URL, error) { return proxy, nil }
	}
	conn, _, err := dialer.DialContext(ctx, address, cfg.Header)
	if err != nil {
		t.setAborted()
		return fmt.Errorf("dial: %w", err)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	// The Session acknowledges close frames itself through CloseOutput
	conn.SetCloseHandler(func(int, string) error { return nil })

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if !t.transition(wrapper.StateConnecting, wrapper.StateOpen) {
		conn.Close()
		return fmt.Errorf("connect: %w", wrapper.ErrTransportAborted)
	}
	return nil
}

// SendFrame writes data as part of a text message. gorilla flushes a frame
// whenever its write buffer fills. Canceling ctx while a write is in progress
// aborts the connection.
func (t *Transport) SendFrame(ctx context.Context, data []byte, final bool) error {
	conn := t.connection()
	if conn == nil {
		return errors.New("not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	// Only Close may be called concurrently with a write
	stop := context.AfterFunc(ctx, t.Abort)
	defer stop()

	if t.writer == nil {
		w, err := conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return t.writeFailed(ctx, err)
		}
		t.writer = w
	}
	if _, err := t.writer.Write(data); err != nil {
		t.writer = nil
		return t.writeFailed(ctx, err)
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

// ReceiveFrame reads the next piece of the current inbound message. Canceling
// ctx closes the connection.
func (t *Transport) ReceiveFrame(ctx context.Context) (wrapper.Frame, error) {
	conn := t.connection()
	if conn == nil {
		return wrapper.Frame{}, fmt.Errorf("read: %w", wrapper.ErrTransportAborted)
	}
	stop := context.AfterFunc(ctx, func() {
		t.setAborted()
		conn.Close()
	})
	defer stop()

	if t.reader == nil {
		typ, r, err := conn.NextReader()
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
	if t.readerType == websocket.BinaryMessage {
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

// CloseOutput sends a close frame. When the peer closed first this completes
// the close handshake.
func (t *Transport) CloseOutput(
	ctx context.Context, code wrapper.StatusCode, reason string,
) error {
	conn := t.connection()
	if conn == nil {
		return errors.New("not connected")
	}
	peerClosed := t.State() == wrapper.StateCloseReceived
	if !peerClosed && !t.transition(wrapper.StateOpen, wrapper.StateCloseSent) {
		return fmt.Errorf("close output in state %v", t.State())
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(closeWriteTimeout)
	}
	msg := websocket.FormatCloseMessage(int(code), reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, deadline)
	if peerClosed {
		t.transition(wrapper.StateCloseReceived, wrapper.StateClosed)
		conn.Close()
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("close: %w", ctx.Err())
		}
		// The close frame cannot be sent on a broken connection
		t.Abort()
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Abort closes the connection without a close handshake
func (t *Transport) Abort() {
	t.setAborted()
	if conn := t.connection(); conn != nil {
		conn.Close()
	}
}

// Dispose releases the connection
func (t *Transport) Dispose() error {
	var err error
	t.closed.Do(func() {
		if t.State() != wrapper.StateNone {
			t.setAborted()
		}
		if conn := t.connection(); conn != nil {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
	})
	return err
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
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if t.transition(wrapper.StateCloseSent, wrapper.StateClosed) {
			t.connection().Close()
		} else {
			t.transition(wrapper.StateOpen, wrapper.StateCloseReceived)
		}
		return wrapper.Frame{
			Data:         []byte(ce.Text),
			EndOfMessage: true,
			Type:         wrapper.FrameClose,
		}, nil
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

func (t *Transport) transition(from, to wrapper.State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
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
