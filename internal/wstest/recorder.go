package wstest

import (
	"sync"
	"testing"
	"time"

	wrapper "github.com/bminer/ws-client-wrapper-go"
)

// WaitTimeout bounds every wait performed by the helpers in this package.
const WaitTimeout = 5 * time.Second

// Recorder keeps every Action emitted by a Session.
type Recorder struct {
	mu      sync.Mutex
	actions []wrapper.Action
	cursor  map[wrapper.ActionKind]int
	notify  chan struct{}
}

// Record subscribes a new Recorder to s.
func Record(s *wrapper.Session) *Recorder {
	r := &Recorder{
		cursor: make(map[wrapper.ActionKind]int),
		notify: make(chan struct{}, 1),
	}
	s.Subscribe(func(a wrapper.Action) {
		r.mu.Lock()
		r.actions = append(r.actions, a)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	})
	return r
}

// WaitFor returns the next Action of the given kind that has not been returned
// by an earlier call, waiting for it if needed.
func (r *Recorder) WaitFor(t testing.TB, kind wrapper.ActionKind) wrapper.Action {
	t.Helper()
	timeout := time.After(WaitTimeout)
	for {
		if a, ok := r.next(kind); ok {
			return a
		}
		select {
		case <-r.notify:
		case <-timeout:
			t.Fatalf("timed out waiting for %v action", kind)
			return wrapper.Action{}
		}
	}
}

func (r *Recorder) next(kind wrapper.ActionKind) (wrapper.Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := 0
	for _, a := range r.actions {
		if a.Kind != kind {
			continue
		}
		if seen == r.cursor[kind] {
			r.cursor[kind]++
			return a, true
		}
		seen++
	}
	return wrapper.Action{}, false
}

// All returns every Action recorded so far.
func (r *Recorder) All() []wrapper.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wrapper.Action(nil), r.actions...)
}

// OfKind returns the recorded Actions of the given kind.
func (r *Recorder) OfKind(kind wrapper.ActionKind) []wrapper.Action {
	var out []wrapper.Action
	for _, a := range r.All() {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// States returns the states reported by ActionStateChanged, in order.
func (r *Recorder) States() []wrapper.State {
	var out []wrapper.State
	for _, a := range r.OfKind(wrapper.ActionStateChanged) {
		out = append(out, a.State)
	}
	return out
}

// Connect runs s.Connect in a new goroutine and waits for the connection
// attempt to succeed. The returned channel receives the result of Connect.
func Connect(t testing.TB, s *wrapper.Session, r *Recorder) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- s.Connect(t.Context())
	}()
	if a := r.WaitFor(t, wrapper.ActionConnecting); !a.Success {
		t.Fatalf("connect failed: %s", a.Error)
	}
	return done
}

// Wait returns the result received from done.
func Wait(t testing.TB, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for the receive loop to end")
		return nil
	}
}
