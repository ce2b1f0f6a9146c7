package wrapper_test

import (
	"slices"
	"testing"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/bminer/ws-client-wrapper-go/internal/wstest"
)

func TestHandlers(t *testing.T) {
	f := &wstest.Factory{}
	s := wrapper.NewSession("ws://example.test", f.New)

	var order []string
	var onlySent, once []wrapper.Action
	s.Subscribe(func(a wrapper.Action) { order = append(order, "first") })
	s.Subscribe(func(a wrapper.Action) { order = append(order, "second") })
	s.On(wrapper.ActionMessageSent, func(a wrapper.Action) { onlySent = append(onlySent, a) })
	s.Once(wrapper.ActionMessageSent, func(a wrapper.Action) { once = append(once, a) })
	var removed int
	unsubscribe := s.Subscribe(func(a wrapper.Action) { removed++ })

	s.Send(t.Context(), "a")
	unsubscribe()
	unsubscribe()
	s.Close(t.Context(), "")
	s.Send(t.Context(), "b")

	if want := []string{"first", "second", "first", "second", "first", "second"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if len(onlySent) != 2 {
		t.Errorf("On handler received %d actions, want 2", len(onlySent))
	}
	for _, a := range onlySent {
		if a.Kind != wrapper.ActionMessageSent {
			t.Errorf("On handler received %v", a.Kind)
		}
	}
	if len(once) != 1 || once[0].Sent != "a" {
		t.Errorf("Once handler received %+v", once)
	}
	if removed != 1 {
		t.Errorf("removed handler called %d times, want 1", removed)
	}
}

func TestHandlerMayCallSession(t *testing.T) {
	f := &wstest.Factory{}
	s := wrapper.NewSession("ws://example.test", f.New)
	var nested []wrapper.Action
	s.Once(wrapper.ActionClosing, func(a wrapper.Action) {
		s.Subscribe(func(a wrapper.Action) { nested = append(nested, a) })
		s.Send(t.Context(), "from handler")
	})
	s.Close(t.Context(), "")
	if len(nested) != 1 || nested[0].Kind != wrapper.ActionMessageSent {
		t.Errorf("nested actions = %+v", nested)
	}
}

func TestNilHandler(t *testing.T) {
	s := wrapper.NewSession("ws://example.test", (&wstest.Factory{}).New)
	s.Subscribe(nil)()
	s.Close(t.Context(), "")
}
