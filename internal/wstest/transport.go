// Package wstest provides an in-memory wrapper.Transport whose peer is
// scripted by the test.
package wstest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	wrapper "github.com/bminer/ws-client-wrapper-go"
)

// ErrConnectRefused is a connect error tests can assign to Transport.ConnectErr.
var ErrConnectRefused = errors.New("wstest: connection refused")

type inbound struct {
	frame wrapper.Frame
	err   error
}

// Transport is a scriptable wrapper.Transport. Exported fields must be set
// before the Transport is used, typically from Factory.Setup.
type Transport struct {
	// ConnectErr is returned by Connect, which then leaves the Transport
	// aborted.
	ConnectErr error
	// CloseOutputErr is returned by CloseOutput.
	CloseOutputErr error
	// AbortOnCloseOutputErr makes a failing CloseOutput leave the Transport
	// aborted, like a connection that broke while sending the close frame.
	AbortOnCloseOutputErr bool
	// BlockCloseOutput makes CloseOutput wait for its context to be done.
	BlockCloseOutput bool
	// BlockSend makes SendFrame wait for its context to be done.
	BlockSend bool
	// IgnoreClose stops the peer from answering a close frame.
	IgnoreClose bool
	// Echo makes the peer send every complete outbound message back.
	Echo bool

	inbound   chan inbound
	stop      chan struct{}
	stopOnce  sync.Once
	sendStart chan struct{}

	mu          sync.Mutex
	state       wrapper.State
	config      wrapper.TransportConfig
	configured  int
	address     string
	sent        [][]byte
	pending     []byte
	closeCodes  []wrapper.StatusCode
	aborts      int
	disposals   int
	ctxSessions []*wrapper.Session
}

// New returns an unconnected Transport configured with cfg.
func New(cfg wrapper.TransportConfig) *Transport {
	return &Transport{
		inbound:   make(chan inbound, 64),
		stop:      make(chan struct{}),
		sendStart: make(chan struct{}, 64),
		state:     wrapper.StateNone,
		config:    cfg,
	}
}

// Factory creates Transports for a Session and remembers them.
type Factory struct {
	// Setup, if set, is called with every new Transport before it is returned.
	Setup func(t *Transport)

	mu      sync.Mutex
	created []*Transport
}

// New implements wrapper.TransportFactory.
func (f *Factory) New(cfg wrapper.TransportConfig) wrapper.Transport {
	t := New(cfg)
	if f.Setup != nil {
		f.Setup(t)
	}
	f.mu.Lock()
	f.created = append(f.created, t)
	f.mu.Unlock()
	return t
}

// Created returns the Transports created so far, oldest first.
func (f *Factory) Created() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.created...)
}

// Last returns the most recently created Transport, or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (t *Transport) Configure(cfg wrapper.TransportConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != wrapper.StateNone {
		return wrapper.ErrNotConfigurable
	}
	t.config = cfg
	t.configured++
	return nil
}

func (t *Transport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackContext(ctx)
	if t.state != wrapper.StateNone {
		return fmt.Errorf("wstest: connect in state %v", t.state)
	}
	if t.ConnectErr != nil {
		t.state = wrapper.StateAborted
		return t.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		t.state = wrapper.StateAborted
		return err
	}
	t.address = address
	t.state = wrapper.StateOpen
	return nil
}

func (t *Transport) SendFrame(ctx context.Context, data []byte, final bool) error {
	t.mu.Lock()
	t.trackContext(ctx)
	state := t.state
	t.mu.Unlock()
	if state != wrapper.StateOpen && state != wrapper.StateCloseReceived {
		return fmt.Errorf("wstest: send in state %v", state)
	}
	select {
	case t.sendStart <- struct{}{}:
	default:
	}
	if t.BlockSend {
		<-ctx.Done()
		return fmt.Errorf("wstest: send: %w", ctx.Err())
	}

	t.mu.Lock()
	t.pending = append(t.pending, data...)
	if !final {
		t.mu.Unlock()
		return nil
	}
	msg := t.pending
	t.pending = nil
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	if t.Echo {
		t.PushMessage(string(msg), 0)
	}
	return nil
}

func (t *Transport) ReceiveFrame(ctx context.Context) (wrapper.Frame, error) {
	select {
	case in := <-t.inbound:
		t.mu.Lock()
		defer t.mu.Unlock()
		if in.err != nil {
			return wrapper.Frame{}, in.err
		}
		if in.frame.Type == wrapper.FrameClose {
			switch t.state {
			case wrapper.StateOpen:
				t.state = wrapper.StateCloseReceived
			case wrapper.StateCloseSent:
				t.state = wrapper.StateClosed
			}
		}
		return in.frame, nil
	case <-ctx.Done():
		t.setAborted()
		return wrapper.Frame{}, fmt.Errorf("wstest: receive: %w", ctx.Err())
	case <-t.stop:
		return wrapper.Frame{}, fmt.Errorf("wstest: receive: %w", wrapper.ErrTransportAborted)
	}
}

func (t *Transport) CloseOutput(ctx context.Context, code wrapper.StatusCode, reason string) error {
	t.mu.Lock()
	t.trackContext(ctx)
	t.closeCodes = append(t.closeCodes, code)
	t.mu.Unlock()
	if t.BlockCloseOutput {
		<-ctx.Done()
		return fmt.Errorf("wstest: close output: %w", ctx.Err())
	}
	if t.CloseOutputErr != nil {
		if t.AbortOnCloseOutputErr {
			t.setAborted()
		}
		return t.CloseOutputErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case wrapper.StateOpen:
		t.state = wrapper.StateCloseSent
		if !t.IgnoreClose {
			t.inbound <- inbound{frame: closeFrame(reason)}
		}
	case wrapper.StateCloseReceived:
		t.state = wrapper.StateClosed
	default:
		return fmt.Errorf("wstest: close output in state %v", t.state)
	}
	return nil
}

func (t *Transport) Abort() {
	t.mu.Lock()
	t.aborts++
	t.mu.Unlock()
	t.setAborted()
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Transport) State() wrapper.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Dispose() error {
	t.mu.Lock()
	t.disposals++
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

// PushMessage makes the peer send msg, split into frames of at most
// fragmentSize bytes. A fragmentSize <= 0 sends a single frame.
func (t *Transport) PushMessage(msg string, fragmentSize int) {
	data := []byte(msg)
	if fragmentSize <= 0 || fragmentSize >= len(data) {
		t.inbound <- inbound{frame: wrapper.Frame{
			Data: data, EndOfMessage: true, Type: wrapper.FrameText,
		}}
		return
	}
	for len(data) > 0 {
		n := min(fragmentSize, len(data))
		t.inbound <- inbound{frame: wrapper.Frame{
			Data:         data[:n],
			EndOfMessage: n == len(data),
			Type:         wrapper.FrameText,
		}}
		data = data[n:]
	}
}

// PushClose makes the peer start the close handshake.
func (t *Transport) PushClose(reason string) {
	t.inbound <- inbound{frame: closeFrame(reason)}
}

// PushError makes the next read fail with err. The state of the Transport is
// left unchanged; wrap wrapper.ErrTransportAborted to simulate a lost
// connection.
func (t *Transport) PushError(err error) {
	t.inbound <- inbound{err: err}
}

// SendStarted returns a channel that receives a value every time SendFrame
// starts writing.
func (t *Transport) SendStarted() <-chan struct{} {
	return t.sendStart
}

// Sent returns the complete messages written so far.
func (t *Transport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, m := range t.sent {
		out[i] = string(m)
	}
	return out
}

// CloseCodes returns the status codes passed to CloseOutput.
func (t *Transport) CloseCodes() []wrapper.StatusCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wrapper.StatusCode(nil), t.closeCodes...)
}

// Config returns the configuration last applied to the Transport.
func (t *Transport) Config() wrapper.TransportConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// Address returns the address passed to a successful Connect.
func (t *Transport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// Aborts returns how many times Abort was called.
func (t *Transport) Aborts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborts
}

// Disposals returns how many times Dispose was called.
func (t *Transport) Disposals() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposals
}

// ContextSessions returns the Sessions found in the contexts passed to
// Connect, SendFrame and CloseOutput.
func (t *Transport) ContextSessions() []*wrapper.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*wrapper.Session(nil), t.ctxSessions...)
}

func (t *Transport) trackContext(ctx context.Context) {
	t.ctxSessions = append(t.ctxSessions, wrapper.SessionFromContext(ctx))
}

func (t *Transport) setAborted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != wrapper.StateClosed {
		t.state = wrapper.StateAborted
	}
}

func closeFrame(reason string) wrapper.Frame {
	return wrapper.Frame{
		Data:         []byte(reason),
		EndOfMessage: true,
		Type:         wrapper.FrameClose,
	}
}
