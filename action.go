package wrapper

import (
	"log/slog"
	"time"
	"unicode/utf8"
)

// ActionKind identifies what an Action reports.
type ActionKind int

const (
	ActionConnecting ActionKind = iota + 1
	ActionClosing
	ActionMessageReceived
	ActionMessageSent
	ActionStateChanged
)

func (k ActionKind) String() string {
	switch k {
	case ActionConnecting:
		return "Connecting"
	case ActionClosing:
		return "Closing"
	case ActionMessageReceived:
		return "MessageReceived"
	case ActionMessageSent:
		return "MessageSent"
	case ActionStateChanged:
		return "StateChanged"
	default:
		return "Unknown"
	}
}

// Action is a snapshot of a Session taken when something happened to it.
// Handlers receive a copy and may keep it; the Session does not.
type Action struct {
	Kind    ActionKind
	Success bool
	// Error is the error text for failed actions.
	Error string
	// Received is the text of an inbound message (ActionMessageReceived).
	Received string
	// Sent is the payload passed to Session.Send (ActionMessageSent).
	Sent string
	// Tags are the values passed to Session.Send, echoed back unchanged.
	Tags []any

	State     State
	StateText string
	// OpenedAt and ClosedAt are zero until the Session first opens or closes.
	OpenedAt time.Time
	ClosedAt time.Time
	// OpenDuration is ClosedAt - OpenedAt when both are known and the close
	// happened after the open; otherwise zero.
	OpenDuration time.Duration
	Time         time.Time
	// ByClient is false when the peer initiated the action (inbound messages
	// and peer-initiated closes).
	ByClient  bool
	Address   string
	SessionID string
}

// HasOpenDuration reports whether OpenDuration is known.
func (a Action) HasOpenDuration() bool {
	return !a.OpenedAt.IsZero() && !a.ClosedAt.IsZero() &&
		a.ClosedAt.After(a.OpenedAt)
}

func (a Action) LogValue() slog.Value {
	const MaxMessageLength = 256
	attrs := []slog.Attr{
		slog.String("kind", a.Kind.String()),
		slog.Bool("success", a.Success),
		slog.String("state", a.StateText),
		slog.Bool("byClient", a.ByClient),
	}
	if a.Error != "" {
		attrs = append(attrs, slog.String("error", a.Error))
	}
	switch a.Kind {
	case ActionMessageReceived:
		attrs = append(attrs, slog.String("received", truncate(a.Received, MaxMessageLength)))
	case ActionMessageSent:
		attrs = append(attrs, slog.String("sent", truncate(a.Sent, MaxMessageLength)))
		if len(a.Tags) > 0 {
			attrs = append(attrs, slog.Int("tags", len(a.Tags)))
		}
	case ActionClosing:
		if a.HasOpenDuration() {
			attrs = append(attrs, slog.Duration("openFor", a.OpenDuration))
		}
	}
	return slog.GroupValue(attrs...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 14
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
