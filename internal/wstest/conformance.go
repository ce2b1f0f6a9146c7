package wstest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wrapper "github.com/bminer/ws-client-wrapper-go"
)

// TestTransport runs a Session backed by Transports from factory against an
// echo server started by NewEchoServer.
func TestTransport(t *testing.T, factory wrapper.TransportFactory) {
	tests := []struct {
		name string
		run  func(t *testing.T, s *wrapper.Session, r *Recorder)
	}{
		{"EchoAndClose", testEchoAndClose},
		{"FragmentedReceive", testFragmentedReceive},
		{"SubprotocolAndHeader", testSubprotocolAndHeader},
		{"ServerClose", testServerClose},
		{"Abort", testAbort},
		{"Reconnect", testReconnect},
		{"ConfigureAfterConnect", testConfigureAfterConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := wrapper.NewSession(NewEchoServer(t), factory)
			tt.run(t, s, Record(s))
		})
	}
	t.Run("SendCancelledByClose", func(t *testing.T) {
		testSendCancelledByClose(t, factory)
	})
	t.Run("ConnectFailure", func(t *testing.T) {
		// Nothing listens on the discard port
		s := wrapper.NewSession("ws://127.0.0.1:9/", factory)
		r := Record(s)
		require.NoError(t, s.Connect(t.Context()))
		a := r.WaitFor(t, wrapper.ActionConnecting)
		assert.False(t, a.Success)
		assert.Contains(t, a.Error, "connect to ws://127.0.0.1:9/")
		assert.Equal(t, wrapper.StateAborted, s.State())
	})
}

func echo(t *testing.T, s *wrapper.Session, r *Recorder, msg string) string {
	t.Helper()
	s.Send(t.Context(), msg)
	sent := r.WaitFor(t, wrapper.ActionMessageSent)
	require.True(t, sent.Success, "send failed: %s", sent.Error)
	return r.WaitFor(t, wrapper.ActionMessageReceived).Received
}

func closeSession(t *testing.T, s *wrapper.Session, r *Recorder, done <-chan error) {
	t.Helper()
	s.Close(t.Context(), "done")
	closing := r.WaitFor(t, wrapper.ActionClosing)
	require.True(t, closing.Success, "close failed: %s", closing.Error)
	assert.True(t, closing.ByClient)
	require.NoError(t, Wait(t, done))
	assert.Equal(t, wrapper.StateAbsent, s.State())
}

func testEchoAndClose(t *testing.T, s *wrapper.Session, r *Recorder) {
	done := Connect(t, s, r)
	assert.Equal(t, wrapper.StateOpen, s.State())
	assert.Equal(t, "hello", echo(t, s, r, "hello"))

	closeSession(t, s, r, done)
	assert.Contains(t, r.States(), wrapper.StateClosed)
}

func testFragmentedReceive(t *testing.T, s *wrapper.Session, r *Recorder) {
	require.NoError(t, s.SetBufferSizes(4, 8))
	done := Connect(t, s, r)
	msg := strings.Repeat("fragment ", 20)
	assert.Equal(t, msg, echo(t, s, r, msg))
	closeSession(t, s, r, done)
}

func testSubprotocolAndHeader(t *testing.T, s *wrapper.Session, r *Recorder) {
	require.NoError(t, s.AddSubProtocol(Subprotocol))
	require.NoError(t, s.SetRequestHeader("X-Session", s.ID()))
	done := Connect(t, s, r)
	assert.Equal(t, Subprotocol, echo(t, s, r, SubprotocolRequest))
	assert.Equal(t, s.ID(), echo(t, s, r, HeaderRequest+"X-Session"))
	closeSession(t, s, r, done)
}

func testServerClose(t *testing.T, s *wrapper.Session, r *Recorder) {
	done := Connect(t, s, r)
	s.Send(t.Context(), CloseRequest)
	closing := r.WaitFor(t, wrapper.ActionClosing)
	assert.True(t, closing.Success, "close failed: %s", closing.Error)
	assert.False(t, closing.ByClient)
	require.NoError(t, Wait(t, done))
	assert.Equal(t, wrapper.StateAbsent, s.State())
	assert.Contains(t, r.States(), wrapper.StateCloseReceived)
}

func testAbort(t *testing.T, s *wrapper.Session, r *Recorder) {
	done := Connect(t, s, r)
	s.Abort()
	require.NoError(t, Wait(t, done))
	assert.Equal(t, wrapper.StateAbsent, s.State())

	s.Send(t.Context(), "late")
	sent := r.WaitFor(t, wrapper.ActionMessageSent)
	assert.False(t, sent.Success)
	assert.Equal(t, wrapper.ErrNotReady.Error(), sent.Error)
}

func testReconnect(t *testing.T, s *wrapper.Session, r *Recorder) {
	for i := range 2 {
		done := Connect(t, s, r)
		assert.Equal(t, "round", echo(t, s, r, "round"), "round %d", i)
		closeSession(t, s, r, done)
	}
}

func testConfigureAfterConnect(t *testing.T, s *wrapper.Session, r *Recorder) {
	done := Connect(t, s, r)
	err := s.SetReadLimit(1 << 20)
	require.ErrorIs(t, err, wrapper.ErrNotConfigurable)
	// The connection is unaffected
	assert.Equal(t, "still open", echo(t, s, r, "still open"))
	closeSession(t, s, r, done)
}

// sendSignal reports when SendFrame is entered.
type sendSignal struct {
	wrapper.Transport
	started chan struct{}
}

func (s sendSignal) SendFrame(ctx context.Context, data []byte, final bool) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	return s.Transport.SendFrame(ctx, data, final)
}

// testSendCancelledByClose closes the Session while a send is blocked on a
// peer that stopped reading.
func testSendCancelledByClose(t *testing.T, factory wrapper.TransportFactory) {
	started := make(chan struct{}, 1)
	s := wrapper.NewSession(NewEchoServer(t), func(cfg wrapper.TransportConfig) wrapper.Transport {
		return sendSignal{Transport: factory(cfg), started: started}
	}, wrapper.WithCloseTimeout(time.Second))
	r := Record(s)
	done := Connect(t, s, r)

	s.Send(t.Context(), StallRequest)
	require.True(t, r.WaitFor(t, wrapper.ActionMessageSent).Success)
	<-started // the stall request

	go s.Send(t.Context(), strings.Repeat("x", 64<<20))
	select {
	case <-started:
	case <-time.After(WaitTimeout):
		t.Fatal("large send never started")
	}

	s.Close(t.Context(), "done")
	closing := r.WaitFor(t, wrapper.ActionClosing)
	assert.True(t, closing.Success, "close failed: %s", closing.Error)

	sent := r.WaitFor(t, wrapper.ActionMessageSent)
	assert.False(t, sent.Success)
	assert.Empty(t, sent.Error)

	require.NoError(t, Wait(t, done))
	assert.Equal(t, wrapper.StateAbsent, s.State())
	assert.NotContains(t, r.States(), wrapper.StateClosed)
}
