package wrapper

import "errors"

var (
	// ErrAlreadyOpen is reported when Connect is called on an open Session.
	ErrAlreadyOpen = errors.New("connection is already open")
	// ErrNotOpen is reported when Close is called on a Session that is not
	// open.
	ErrNotOpen = errors.New("connection is not open")
	// ErrNotReady is reported when Send is called on a Session that cannot
	// send.
	ErrNotReady = errors.New("connection is not ready to send")
	// ErrTransportAborted is wrapped by Transport errors returned after the
	// connection was lost without a close handshake.
	ErrTransportAborted = errors.New("transport aborted")
	// ErrNotConfigurable is returned by Transport.Configure after Connect.
	ErrNotConfigurable = errors.New("transport can only be configured before connecting")
)

// ReceiveError is returned by Session.Connect when the receive loop stops
// because of an unexpected error.
type ReceiveError struct {
	SessionID string
	error
}

func (re ReceiveError) Error() string {
	return "session " + re.SessionID + ": " + re.error.Error()
}

func (re ReceiveError) Unwrap() error {
	return re.error
}
