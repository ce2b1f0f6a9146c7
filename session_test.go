package wrapper_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/bminer/ws-client-wrapper-go/internal/wstest"
)

func TestEchoRoundTrip(t *testing.T) {
	s, f, r := newTestSession(func(tr *wstest.Transport) { tr.Echo = true })
	done := wstest.Connect(t, s, r)

	s.Send(t.Context(), "hello")
	sent := r.WaitFor(t, wrapper.ActionMessageSent)
	if !sent.Success || sent.Sent != "hello" {
		t.Fatalf("unexpected sent action: %+v", sent)
	}
	received := r.WaitFor(t, wrapper.ActionMessageReceived)
	if received.Received != "hello" || received.ByClient {
		t.Fatalf("unexpected received action: %+v", received)
	}

	s.Close(t.Context(), "bye")
	closing := r.WaitFor(t, wrapper.ActionClosing)
	if !closing.Success || !closing.ByClient {
		t.Fatalf("unexpected closing action: %+v", closing)
	}
	if !closing.HasOpenDuration() || closing.OpenDuration <= 0 {
		t.Errorf("expected open duration, got %v", closing.OpenDuration)
	}
	if err := wstest.Wait(t, done); err != nil {
		t.Fatalf("Connect returned %v", err)
	}

	if got := s.State(); got != wrapper.StateAbsent {
		t.Errorf("final state = %v, want %v", got, wrapper.StateAbsent)
	}
	if !slices.Contains(r.States(), wrapper.StateClosed) {
		t.Errorf("no Closed state reported: %v", r.States())
	}
	tr := f.Last()
	if got := tr.CloseCodes(); !slices.Equal(got, []wrapper.StatusCode{wrapper.StatusNormalClosure}) {
		t.Errorf("close codes = %v", got)
	}
	if tr.Disposals() == 0 {
		t.Error("transport was not disposed")
	}
	if got := tr.Address(); got != s.Address() {
		t.Errorf("connected to %q, want %q", got, s.Address())
	}
}

func TestCloseWhenNeverConnected(t *testing.T) {
	s, f, r := newTestSession(nil)
	s.Close(t.Context(), "")

	actions := r.All()
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1: %+v", len(actions), actions)
	}
	a := actions[0]
	if a.Kind != wrapper.ActionClosing || a.Success {
		t.Fatalf("unexpected action: %+v", a)
	}
	if !strings.Contains(a.Error, "not open") {
		t.Errorf("error %q does not mention \"not open\"", a.Error)
	}
	if len(f.Created()) != 0 {
		t.Error("Close created a transport")
	}
}

func TestCloseAfterClosed(t *testing.T) {
	s, f, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)
	s.Close(t.Context(), "")
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	calls := len(f.Last().CloseCodes())

	s.Close(t.Context(), "")
	closing := r.OfKind(wrapper.ActionClosing)
	last := closing[len(closing)-1]
	if last.Success || !strings.Contains(last.Error, "not open") {
		t.Fatalf("unexpected closing action: %+v", last)
	}
	if got := len(f.Last().CloseCodes()); got != calls {
		t.Errorf("second Close reached the transport")
	}
}

func TestSendWhenNotOpen(t *testing.T) {
	s, _, r := newTestSession(nil)
	tag := struct{ ID int }{ID: 7}
	s.Send(t.Context(), "payload", tag, "second")

	actions := r.All()
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.Kind != wrapper.ActionMessageSent || a.Success {
		t.Fatalf("unexpected action: %+v", a)
	}
	if !strings.Contains(a.Error, "not ready") {
		t.Errorf("error %q does not mention \"not ready\"", a.Error)
	}
	if a.Sent != "payload" {
		t.Errorf("sent = %q", a.Sent)
	}
	if len(a.Tags) != 2 || a.Tags[0] != tag || a.Tags[1] != "second" {
		t.Errorf("tags = %v", a.Tags)
	}
}

func TestConnectWhenOpen(t *testing.T) {
	s, f, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)

	if err := s.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}
	a := r.WaitFor(t, wrapper.ActionConnecting)
	if a.Success || !strings.Contains(a.Error, "already open") {
		t.Fatalf("unexpected connecting action: %+v", a)
	}
	if n := len(f.Created()); n != 1 {
		t.Errorf("created %d transports, want 1", n)
	}

	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestConnectFailure(t *testing.T) {
	attempt := 0
	s, f, r := newTestSession(func(tr *wstest.Transport) {
		attempt++
		if attempt == 1 {
			tr.ConnectErr = wstest.ErrConnectRefused
		}
	})

	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned %v", err)
	}
	a := r.WaitFor(t, wrapper.ActionConnecting)
	if a.Success || !strings.Contains(a.Error, "refused") {
		t.Fatalf("unexpected connecting action: %+v", a)
	}
	if got := s.State(); got != wrapper.StateAborted {
		t.Errorf("state = %v, want %v", got, wrapper.StateAborted)
	}

	done := wstest.Connect(t, s, r)
	created := f.Created()
	if len(created) != 2 || created[0] == created[1] {
		t.Fatalf("expected a fresh transport for the second attempt")
	}
	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestFragmentedMessage(t *testing.T) {
	s, f, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)

	f.Last().PushMessage("hello, fragmented world", 4)
	f.Last().PushMessage("second", 0)
	if got := r.WaitFor(t, wrapper.ActionMessageReceived).Received; got != "hello, fragmented world" {
		t.Errorf("received %q", got)
	}
	if got := r.WaitFor(t, wrapper.ActionMessageReceived).Received; got != "second" {
		t.Errorf("received %q", got)
	}

	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	if n := len(r.OfKind(wrapper.ActionMessageReceived)); n != 2 {
		t.Errorf("got %d messages, want 2", n)
	}
}

func TestPeerInitiatedClose(t *testing.T) {
	s, f, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)

	f.Last().PushClose("server shutting down")
	a := r.WaitFor(t, wrapper.ActionClosing)
	if !a.Success || a.ByClient {
		t.Fatalf("unexpected closing action: %+v", a)
	}
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	if got := f.Last().CloseCodes(); !slices.Equal(got, []wrapper.StatusCode{wrapper.StatusNormalClosure}) {
		t.Errorf("close codes = %v", got)
	}
	want := []wrapper.State{
		wrapper.StateNone, wrapper.StateOpen, wrapper.StateCloseReceived,
		wrapper.StateClosed, wrapper.StateAbsent,
	}
	if got := r.States(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	s.Send(t.Context(), "too late")
	if a := r.WaitFor(t, wrapper.ActionMessageSent); a.Success {
		t.Error("send succeeded after the peer closed")
	}
}

func TestCloseTimeout(t *testing.T) {
	s, _, r := newTestSession(
		func(tr *wstest.Transport) { tr.IgnoreClose = true },
		wrapper.WithCloseTimeout(50*time.Millisecond),
	)
	done := wstest.Connect(t, s, r)

	start := time.Now()
	s.Close(t.Context(), "")
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Close returned after %v, before the timeout", elapsed)
	}
	a := r.WaitFor(t, wrapper.ActionClosing)
	if !a.Success {
		t.Fatalf("unexpected closing action: %+v", a)
	}
	if err := wstest.Wait(t, done); err != nil {
		t.Fatalf("Connect returned %v", err)
	}
	if got := s.State(); got != wrapper.StateAbsent {
		t.Errorf("state = %v, want %v", got, wrapper.StateAbsent)
	}
	if !slices.Contains(r.States(), wrapper.StateAborted) {
		t.Errorf("no Aborted state reported: %v", r.States())
	}
}

func TestCloseOutputBlocked(t *testing.T) {
	s, _, r := newTestSession(
		func(tr *wstest.Transport) { tr.BlockCloseOutput = true },
		wrapper.WithCloseTimeout(30*time.Millisecond),
	)
	done := wstest.Connect(t, s, r)

	s.Close(t.Context(), "")
	if a := r.WaitFor(t, wrapper.ActionClosing); !a.Success {
		t.Fatalf("unexpected closing action: %+v", a)
	}
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestCloseOutputError(t *testing.T) {
	errBroken := errors.New("broken pipe")
	s, _, r := newTestSession(func(tr *wstest.Transport) { tr.CloseOutputErr = errBroken })
	done := wstest.Connect(t, s, r)

	s.Close(t.Context(), "")
	a := r.WaitFor(t, wrapper.ActionClosing)
	if a.Success || !strings.Contains(a.Error, "broken pipe") {
		t.Fatalf("unexpected closing action: %+v", a)
	}

	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestCloseOutputErrorOnBrokenConnection(t *testing.T) {
	s, _, r := newTestSession(func(tr *wstest.Transport) {
		tr.CloseOutputErr = errors.New("use of closed network connection")
		tr.AbortOnCloseOutputErr = true
	})
	done := wstest.Connect(t, s, r)

	s.Close(t.Context(), "")
	a := r.WaitFor(t, wrapper.ActionClosing)
	if !a.Success || a.Error != "" {
		t.Fatalf("unexpected closing action: %+v", a)
	}
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	if slices.Contains(r.States(), wrapper.StateClosed) {
		t.Errorf("aborted connection reported as closed: %v", r.States())
	}
}

func TestAbort(t *testing.T) {
	s, f, r := newTestSession(nil)
	done := s.Start(t.Context())
	if a := r.WaitFor(t, wrapper.ActionConnecting); !a.Success {
		t.Fatalf("connect failed: %s", a.Error)
	}
	first := f.Last()

	s.Abort()
	if got := s.State(); got != wrapper.StateAbsent {
		t.Fatalf("state after Abort = %v, want %v", got, wrapper.StateAbsent)
	}
	if first.Aborts() != 1 {
		t.Errorf("transport aborted %d times", first.Aborts())
	}
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	states := r.States()
	if states[len(states)-1] != wrapper.StateAbsent {
		t.Errorf("last reported state = %v", states[len(states)-1])
	}

	done = s.Start(t.Context())
	if a := r.WaitFor(t, wrapper.ActionConnecting); !a.Success {
		t.Fatalf("reconnect failed: %s", a.Error)
	}
	if f.Last() == first {
		t.Fatal("reconnect reused the aborted transport")
	}
	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestAbortWithoutTransport(t *testing.T) {
	s, _, r := newTestSession(nil)
	s.Abort()
	if n := len(r.All()); n != 0 {
		t.Errorf("got %d actions, want none", n)
	}
}

func TestSendCancelledByClose(t *testing.T) {
	s, f, r := newTestSession(func(tr *wstest.Transport) { tr.BlockSend = true })
	done := wstest.Connect(t, s, r)

	go s.Send(t.Context(), "stuck", "tag")
	select {
	case <-f.Last().SendStarted():
	case <-time.After(wstest.WaitTimeout):
		t.Fatal("send did not start")
	}

	s.Close(t.Context(), "")
	sent := r.WaitFor(t, wrapper.ActionMessageSent)
	if sent.Success || sent.Error != "" {
		t.Errorf("cancelled send reported success=%v error=%q", sent.Success, sent.Error)
	}
	if len(sent.Tags) != 1 || sent.Tags[0] != "tag" {
		t.Errorf("tags = %v", sent.Tags)
	}
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestSendAfterAbort(t *testing.T) {
	s, _, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)
	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	s.Send(t.Context(), "x", 1)
	a := r.WaitFor(t, wrapper.ActionMessageSent)
	if a.Success || !strings.Contains(a.Error, "not ready") || len(a.Tags) != 1 {
		t.Fatalf("unexpected sent action: %+v", a)
	}
}

func TestReceiveLoopUnexpectedError(t *testing.T) {
	errBoom := errors.New("boom")
	s, f, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)

	f.Last().PushError(errBoom)
	err := wstest.Wait(t, done)
	if !errors.Is(err, errBoom) {
		t.Fatalf("Connect returned %v, want %v", err, errBoom)
	}
	var re wrapper.ReceiveError
	if !errors.As(err, &re) || re.SessionID != s.ID() {
		t.Errorf("error %v is not a ReceiveError for this session", err)
	}
	if got := s.State(); got != wrapper.StateAbsent {
		t.Errorf("state = %v, want %v", got, wrapper.StateAbsent)
	}
	if f.Last().Disposals() == 0 {
		t.Error("transport was not disposed")
	}
}

func TestReceiveLoopLostConnection(t *testing.T) {
	s, f, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)

	f.Last().PushError(fmt.Errorf("read: %w", wrapper.ErrTransportAborted))
	if err := wstest.Wait(t, done); err != nil {
		t.Fatalf("Connect returned %v", err)
	}
	if got := s.State(); got != wrapper.StateAbsent {
		t.Errorf("state = %v, want %v", got, wrapper.StateAbsent)
	}
}

func TestConnectContextCancel(t *testing.T) {
	s, _, r := newTestSession(nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Connect(ctx) }()
	if a := r.WaitFor(t, wrapper.ActionConnecting); !a.Success {
		t.Fatal(a.Error)
	}
	cancel()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != wrapper.StateAbsent {
		t.Errorf("state = %v, want %v", got, wrapper.StateAbsent)
	}
}

func TestStateChangesAreNotRepeated(t *testing.T) {
	s, _, r := newTestSession(func(tr *wstest.Transport) { tr.Echo = true })
	for i := 0; i < 3; i++ {
		done := wstest.Connect(t, s, r)
		s.Send(t.Context(), "ping")
		r.WaitFor(t, wrapper.ActionMessageReceived)
		if i%2 == 0 {
			s.Close(t.Context(), "")
		} else {
			s.Abort()
		}
		if err := wstest.Wait(t, done); err != nil {
			t.Fatal(err)
		}
	}

	states := r.States()
	if len(states) == 0 || states[0] != wrapper.StateNone {
		t.Fatalf("states = %v", states)
	}
	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			t.Errorf("state %v reported twice in a row at %d: %v", states[i], i, states)
		}
	}
	if states[len(states)-1] != wrapper.StateAbsent {
		t.Errorf("last state = %v", states[len(states)-1])
	}
	for _, a := range r.OfKind(wrapper.ActionStateChanged) {
		if !a.Success || !a.ByClient {
			t.Errorf("state change not reported as successful client action: %+v", a)
		}
	}
}

func TestConfigurationSetters(t *testing.T) {
	s, f, r := newTestSession(nil)
	if err := s.AddSubProtocol("chat.v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRequestHeader("Authorization", "Bearer token"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBufferSizes(128, 0); err != nil {
		t.Fatal(err)
	}
	proxy, _ := url.Parse("http://proxy.test:3128")
	if err := s.SetProxy(proxy); err != nil {
		t.Fatal(err)
	}
	if n := len(f.Created()); n != 1 {
		t.Fatalf("setters created %d transports, want 1", n)
	}
	if got := r.States(); !slices.Equal(got, []wrapper.State{wrapper.StateNone}) {
		t.Errorf("states = %v", got)
	}
	cfg := f.Last().Config()
	if !slices.Equal(cfg.SubProtocols, []string{"chat.v1"}) {
		t.Errorf("subprotocols = %v", cfg.SubProtocols)
	}

	done := wstest.Connect(t, s, r)
	cfg = f.Last().Config()
	if len(f.Created()) != 2 {
		t.Fatal("Connect did not create a fresh transport")
	}
	if !slices.Equal(cfg.SubProtocols, []string{"chat.v1"}) ||
		cfg.Header.Get("Authorization") != "Bearer token" ||
		cfg.ReceiveBufferSize != 128 ||
		cfg.SendBufferSize != wrapper.DefaultTransportConfig().SendBufferSize ||
		cfg.Proxy.String() != proxy.String() {
		t.Errorf("configuration not re-applied: %+v", cfg)
	}

	if err := s.SetReadLimit(1 << 20); !errors.Is(err, wrapper.ErrNotConfigurable) {
		t.Errorf("SetReadLimit on open transport returned %v", err)
	}
	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestTransportContextCarriesSession(t *testing.T) {
	s, f, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)
	s.Send(t.Context(), "hi")
	s.Close(t.Context(), "")
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	sessions := f.Last().ContextSessions()
	if len(sessions) < 3 {
		t.Fatalf("got %d transport calls, want at least 3", len(sessions))
	}
	for i, got := range sessions {
		if got != s {
			t.Errorf("call %d: context session = %p, want %p", i, got, s)
		}
	}
}

func TestActionSnapshot(t *testing.T) {
	s, _, r := newTestSession(nil)
	done := wstest.Connect(t, s, r)
	s.Abort()
	if err := wstest.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	for _, a := range r.All() {
		if a.Address != s.Address() || a.SessionID != s.ID() {
			t.Errorf("action %v has address %q session %q", a.Kind, a.Address, a.SessionID)
		}
		if a.StateText != a.State.String() {
			t.Errorf("state text %q does not match %v", a.StateText, a.State)
		}
		if a.Time.IsZero() {
			t.Errorf("action %v has no timestamp", a.Kind)
		}
	}
	connecting := r.OfKind(wrapper.ActionConnecting)[0]
	if connecting.OpenedAt.IsZero() || !connecting.ClosedAt.IsZero() || connecting.HasOpenDuration() {
		t.Errorf("unexpected timestamps: %+v", connecting)
	}
}

func TestStart(t *testing.T) {
	s, _, r := newTestSession(func(tr *wstest.Transport) { tr.Echo = true })
	done := s.Start(t.Context())
	if a := r.WaitFor(t, wrapper.ActionConnecting); !a.Success {
		t.Fatalf("connect failed: %s", a.Error)
	}
	if got := s.State(); got != wrapper.StateOpen {
		t.Fatalf("state after Start = %v, want %v", got, wrapper.StateOpen)
	}

	s.Send(t.Context(), "detached")
	if a := r.WaitFor(t, wrapper.ActionMessageReceived); a.Received != "detached" {
		t.Fatalf("received %q", a.Received)
	}
	s.Close(t.Context(), "")
	if err := wstest.Wait(t, done); err != nil {
		t.Fatalf("receive loop returned %v", err)
	}
	if _, ok := <-done; ok {
		t.Error("result channel was not closed")
	}
}

func TestStartConnectFailure(t *testing.T) {
	s, _, r := newTestSession(func(tr *wstest.Transport) {
		tr.ConnectErr = wstest.ErrConnectRefused
	})
	done := s.Start(t.Context())
	if err := wstest.Wait(t, done); err != nil {
		t.Fatalf("Start reported %v", err)
	}
	if a := r.WaitFor(t, wrapper.ActionConnecting); a.Success {
		t.Fatal("expected a failed connect")
	}
}
