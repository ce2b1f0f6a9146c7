package wrapper

// State is the connection state of a Session as reported by its Transport.
type State int32

const (
	// StateAbsent means the Session currently owns no Transport. It is never
	// reported by a Transport itself.
	StateAbsent State = iota
	// StateNone means a Transport exists but has never connected.
	StateNone
	// StateConnecting means the opening handshake is in progress.
	StateConnecting
	// StateOpen means messages may be sent and received.
	StateOpen
	// StateCloseSent means a close frame was sent and the peer's close frame
	// has not arrived yet.
	StateCloseSent
	// StateCloseReceived means the peer's close frame arrived and our
	// acknowledgement has not been sent yet.
	StateCloseReceived
	// StateClosed means the close handshake completed.
	StateClosed
	// StateAborted means the connection ended without a close handshake.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "Absent"
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateCloseSent:
		return "CloseSent"
	case StateCloseReceived:
		return "CloseReceived"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// reusable reports whether a Session in this state needs a fresh Transport
// before it can connect.
func (s State) reusable() bool {
	switch s {
	case StateAbsent, StateNone, StateClosed, StateAborted:
		return true
	}
	return false
}
