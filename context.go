package wrapper

import "context"

type contextKey string

// SessionKey is the value to be passed to the context's Value method to return
// the *wrapper.Session that owns a Transport call.
const SessionKey = contextKey("session")

// SessionFromContext returns the Session from the given context. Contexts
// passed to Transport methods by a Session carry it. Returns nil if not
// available.
func SessionFromContext(ctx context.Context) *Session {
	s, ok := ctx.Value(SessionKey).(*Session)
	if !ok {
		return nil
	}
	return s
}
