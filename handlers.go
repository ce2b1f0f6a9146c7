package wrapper

import (
	"slices"
	"sync"
)

// Handler receives Actions emitted by a Session. Handlers are called
// synchronously on the goroutine that performed the action, so they must not
// block for long. A Handler called from the receive loop that blocks stalls
// reading from the connection, including the close handshake.
type Handler func(a Action)

// handlerEntry is a registered Handler. A zero kind matches every Action.
type handlerEntry struct {
	id      uint64
	kind    ActionKind
	once    bool
	handler Handler
}

// handlers is the list of Handlers of a Session, in registration order.
type handlers struct {
	mu      sync.Mutex
	nextID  uint64
	entries []handlerEntry
}

func (hs *handlers) add(kind ActionKind, once bool, h Handler) (remove func()) {
	if h == nil {
		return func() {}
	}
	hs.mu.Lock()
	hs.nextID++
	id := hs.nextID
	hs.entries = append(hs.entries, handlerEntry{
		id:      id,
		kind:    kind,
		once:    once,
		handler: h,
	})
	hs.mu.Unlock()

	var removeOnce sync.Once
	return func() {
		removeOnce.Do(func() {
			hs.mu.Lock()
			hs.entries = slices.DeleteFunc(hs.entries, func(e handlerEntry) bool {
				return e.id == id
			})
			hs.mu.Unlock()
		})
	}
}

// matching returns the Handlers that should receive a, dropping matched
// one-time Handlers from the list.
func (hs *handlers) matching(a Action) []Handler {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	targets := make([]Handler, 0, len(hs.entries))
	for i := 0; i < len(hs.entries); {
		e := hs.entries[i]
		if e.kind != 0 && e.kind != a.Kind {
			i++
			continue
		}
		targets = append(targets, e.handler)
		if e.once {
			hs.entries = slices.Delete(hs.entries, i, i+1)
			continue
		}
		i++
	}
	return targets
}

// Subscribe adds a Handler that receives every Action. Handlers are called in
// the order they were added. The returned function removes the Handler; it is
// safe to call more than once.
func (s *Session) Subscribe(h Handler) (unsubscribe func()) {
	return s.handlers.add(0, false, h)
}

// On adds a Handler that receives Actions of the given kind. See
// Session.Subscribe for more information about how Handlers are called.
func (s *Session) On(kind ActionKind, h Handler) (unsubscribe func()) {
	return s.handlers.add(kind, false, h)
}

// Once adds a Handler that receives the next Action of the given kind and is
// then removed.
func (s *Session) Once(kind ActionKind, h Handler) (unsubscribe func()) {
	return s.handlers.add(kind, true, h)
}

// dispatch delivers a to all matching Handlers. The handler list is not locked
// while Handlers run, so a Handler may subscribe, unsubscribe or call Session
// methods.
func (s *Session) dispatch(a Action) {
	s.logger.Debug("ws action", "session", s.id, "action", a)
	for _, h := range s.handlers.matching(a) {
		h(a)
	}
}
