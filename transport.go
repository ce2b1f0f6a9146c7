package wrapper

import (
	"context"
	"net/http"
	"net/url"
)

// StatusCode is a WebSocket close status code.
// See https://tools.ietf.org/html/rfc6455#section-7.4
type StatusCode int

const (
	StatusNormalClosure   StatusCode = 1000
	StatusGoingAway       StatusCode = 1001
	StatusProtocolError   StatusCode = 1002
	StatusNoStatusRcvd    StatusCode = 1005
	StatusAbnormalClosure StatusCode = 1006
	StatusInternalError   StatusCode = 1011
)

// FrameType is the type of a frame returned by Transport.ReceiveFrame.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
	FrameClose
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one piece of an inbound message. A message is complete once a
// frame with EndOfMessage set has been received. For close frames, Data holds
// the close reason, if any.
type Frame struct {
	Data         []byte
	EndOfMessage bool
	Type         FrameType
}

// TransportConfig is applied to a Transport before it connects.
type TransportConfig struct {
	SubProtocols      []string
	ReceiveBufferSize int
	SendBufferSize    int
	Header            http.Header
	Proxy             *url.URL
	ReadLimit         int64 // 0 leaves the library default in place
}

// DefaultTransportConfig returns the configuration used when none is given.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ReceiveBufferSize: 4096,
		SendBufferSize:    4096,
		Header:            make(http.Header),
	}
}

// clone returns a deep copy so a Transport never shares mutable state with the
// Session's snapshot.
func (c TransportConfig) clone() TransportConfig {
	out := c
	out.SubProtocols = append([]string(nil), c.SubProtocols...)
	out.Header = c.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if c.Proxy != nil {
		u := *c.Proxy
		out.Proxy = &u
	}
	return out
}

// Transport is a single WebSocket connection. A Transport is used for at most
// one connection; the Session creates a new one for every reconnect. Adapters
// for various WebSocket libraries are available in the adapters subdirectory.
//
// ReceiveFrame is never called concurrently, but SendFrame may be called
// concurrently with itself, ReceiveFrame, CloseOutput and Abort.
type Transport interface {
	// Configure applies cfg. It fails with ErrNotConfigurable once Connect has
	// been called.
	Configure(cfg TransportConfig) error
	// Connect performs the opening handshake with address.
	Connect(ctx context.Context, address string) error
	// SendFrame writes data as a text frame. If final is false, the message is
	// continued by the next SendFrame call.
	SendFrame(ctx context.Context, data []byte, final bool) error
	// ReceiveFrame reads the next frame. An inbound close frame is returned as a
	// Frame of type FrameClose. If ctx is cancelled, the Transport moves to
	// StateAborted and the returned error wraps ctx.Err(). Any other read
	// failure also moves it to StateAborted and the error wraps
	// ErrTransportAborted.
	ReceiveFrame(ctx context.Context) (Frame, error)
	// CloseOutput sends a close frame with the given status code and reason.
	CloseOutput(ctx context.Context, code StatusCode, reason string) error
	// Abort closes the underlying connection immediately.
	Abort()
	// State returns the current connection state. It never returns StateAbsent.
	State() State
	// Dispose releases all resources held by the Transport.
	Dispose() error
}

// TransportFactory creates a fresh, unconnected Transport.
type TransportFactory func(cfg TransportConfig) Transport
