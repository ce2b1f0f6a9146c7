package wrapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Causes attached to cancelled scopes.
var (
	errClosing        = errors.New("session closing")
	errAborted        = errors.New("session aborted")
	errPeerClosed     = errors.New("peer closed the connection")
	errReceiveStopped = errors.New("receive loop stopped")
	errReplaced       = errors.New("transport replaced")
)

// generation is one Transport together with the two cancellation scopes bound
// to it. Scopes are never reused across generations.
type generation struct {
	transport  Transport
	recvCtx    context.Context // cancelled to stop the receive loop
	recvCancel context.CancelCauseFunc
	sendCtx    context.Context // cancelled to abandon in-flight sends
	sendCancel context.CancelCauseFunc
}

// Session is a client-side WebSocket connection to a fixed address that can be
// connected again after it closes. Connecting, closing, sending and receiving
// are reported to Handlers as Actions; see Session.Subscribe.
//
// All methods are safe for concurrent use.
type Session struct {
	id           string
	address      string
	factory      TransportFactory
	logger       *slog.Logger
	closeTimeout time.Duration
	pollInterval time.Duration

	// gen is nil when the Session owns no Transport. It is only replaced by
	// swap or compare-and-swap so readers never see a half-built generation.
	gen       atomic.Pointer[generation]
	lastState atomic.Int32 // last State reported by an ActionStateChanged
	handlers  handlers

	dataMu   sync.Mutex
	config   TransportConfig
	openedAt time.Time
	closedAt time.Time
}

// NewSession creates a Session for address. factory is called to create a new
// Transport whenever one is needed. No connection is made until Connect or
// Start is called.
func NewSession(address string, factory TransportFactory, opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		address:      address,
		factory:      factory,
		logger:       slog.Default(),
		closeTimeout: DefaultCloseTimeout,
		pollInterval: DefaultPollInterval,
		config:       DefaultTransportConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ID returns the unique identifier of the Session.
func (s *Session) ID() string {
	return s.id
}

// Address returns the address the Session connects to.
func (s *Session) Address() string {
	return s.address
}

// State returns the state of the current Transport, or StateAbsent if there is
// none.
func (s *Session) State() State {
	g := s.gen.Load()
	if g == nil {
		return StateAbsent
	}
	return g.transport.State()
}

// Connect connects to the Session's address and then reads messages until the
// connection ends. Connect does not return while the connection is open.
// Cancelling ctx after the connection is established stops the receive loop,
// which aborts the connection.
//
// Failure to connect is reported as a failed ActionConnecting and Connect
// returns nil. A non-nil error, of type ReceiveError, is only returned when the
// receive loop stops because of an unexpected error. Use Start to connect
// without waiting for the connection to end.
func (s *Session) Connect(ctx context.Context) error {
	g, ok := s.open(ctx)
	if !ok {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		g.recvCancel(context.Cause(ctx))
	})
	defer stop()
	return s.receive(g)
}

// Start connects like Connect but runs the receive loop in a new goroutine and
// returns as soon as the connection attempt finishes. ctx only governs the
// connection attempt. The returned channel receives the result of the receive
// loop (nil if the connection attempt failed) and is then closed.
func (s *Session) Start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	g, ok := s.open(ctx)
	if !ok {
		done <- nil
		close(done)
		return done
	}
	go func() {
		done <- s.receive(g)
		close(done)
	}()
	return done
}

// open performs the connection attempt shared by Connect and Start.
func (s *Session) open(ctx context.Context) (*generation, bool) {
	g := s.gen.Load()
	state := StateAbsent
	if g != nil {
		state = g.transport.State()
	}
	if state == StateOpen {
		s.emit(Action{
			Kind:     ActionConnecting,
			Error:    ErrAlreadyOpen.Error(),
			ByClient: true,
		})
		return nil, false
	}
	if state.reusable() {
		g = s.replaceGeneration()
	}

	err := g.transport.Connect(context.WithValue(ctx, SessionKey, s), s.address)
	if err != nil {
		s.emit(Action{
			Kind:     ActionConnecting,
			Error:    fmt.Errorf("connect to %s: %w", s.address, err).Error(),
			ByClient: true,
		})
		return nil, false
	}
	s.dataMu.Lock()
	s.openedAt = time.Now()
	s.dataMu.Unlock()
	s.emit(Action{
		Kind:     ActionConnecting,
		Success:  true,
		ByClient: true,
	})
	return g, true
}

// Close performs the close handshake. Sends still in progress are abandoned.
// Close waits for the peer to acknowledge for at most the close timeout (see
// WithCloseTimeout) or until ctx is done, whichever comes first, and then
// stops the receive loop. The outcome is reported as an ActionClosing.
func (s *Session) Close(ctx context.Context, reason string) {
	g := s.gen.Load()
	if g == nil || g.transport.State() != StateOpen {
		s.emit(Action{
			Kind:     ActionClosing,
			Error:    ErrNotOpen.Error(),
			ByClient: true,
		})
		return
	}

	// Send the close frame before cancelling the receive scope. Cancelling the
	// receive first would abort the connection before the close frame is sent.
	g.sendCancel(errClosing)
	closeCtx, cancel := context.WithTimeout(
		context.WithValue(ctx, SessionKey, s), s.closeTimeout,
	)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- g.transport.CloseOutput(closeCtx, StatusNormalClosure, reason)
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
wait:
	for !closeDone(g.transport.State()) {
		select {
		case err := <-result:
			result = nil
			if err == nil {
				continue
			}
			if closeCtx.Err() != nil {
				break wait // timed out while sending the close frame
			}
			if closeDone(g.transport.State()) {
				break wait // the connection is gone, nothing left to close
			}
			s.emit(Action{
				Kind:     ActionClosing,
				Error:    fmt.Errorf("close output: %w", err).Error(),
				ByClient: true,
			})
			return
		case <-ticker.C:
			s.checkState()
		case <-closeCtx.Done():
			break wait
		}
	}

	g.recvCancel(errClosing)
	s.dataMu.Lock()
	s.closedAt = time.Now()
	s.dataMu.Unlock()
	s.emit(Action{
		Kind:     ActionClosing,
		Success:  true,
		ByClient: true,
	})
}

// closeDone reports whether the close handshake can no longer make progress.
func closeDone(state State) bool {
	return state == StateClosed || state == StateAborted
}

// Abort closes the connection immediately without a close handshake and
// releases the Transport. Abort never fails.
func (s *Session) Abort() {
	if g := s.gen.Swap(nil); g != nil {
		g.recvCancel(errAborted)
		g.sendCancel(errAborted)
		g.transport.Abort()
		if err := g.transport.Dispose(); err != nil {
			s.logger.Debug("dispose transport", "session", s.id, "error", err)
		}
	}
	s.checkState()
}

// Send sends payload as a single text message. tags are not sent; they are
// echoed back in the resulting ActionMessageSent, which is emitted exactly once
// whatever the outcome. If a concurrent Close or Abort interrupts the send, the
// Action reports no success and no error.
func (s *Session) Send(ctx context.Context, payload string, tags ...any) {
	a := Action{
		Kind:     ActionMessageSent,
		Sent:     payload,
		Tags:     slices.Clone(tags),
		ByClient: true,
	}
	g := s.gen.Load()
	if g == nil || g.transport.State() != StateOpen || g.sendCtx.Err() != nil {
		a.Error = ErrNotReady.Error()
		s.emit(a)
		return
	}

	sendCtx, cancel := context.WithCancelCause(context.WithValue(ctx, SessionKey, s))
	stop := context.AfterFunc(g.sendCtx, func() {
		cancel(context.Cause(g.sendCtx))
	})
	err := g.transport.SendFrame(sendCtx, []byte(payload), true)
	stop()
	scopeCancelled := g.sendCtx.Err() != nil
	cancel(nil)

	switch {
	case err == nil:
		a.Success = true
	case scopeCancelled || errors.Is(err, context.Canceled):
		// abandoned by Close or Abort
	default:
		a.Error = fmt.Errorf("send: %w", err).Error()
	}
	s.emit(a)
}

// AddSubProtocol adds a subprotocol to request during the opening handshake.
// Like all configuration setters, it creates a Transport if the Session has
// none and applies the configuration to it. The configuration is also applied
// to every Transport created later, so ErrNotConfigurable only means the
// current connection is unaffected.
func (s *Session) AddSubProtocol(protocol string) error {
	return s.configure(func(cfg *TransportConfig) {
		if !slices.Contains(cfg.SubProtocols, protocol) {
			cfg.SubProtocols = append(cfg.SubProtocols, protocol)
		}
	})
}

// SetBufferSizes sets the receive and send buffer sizes. Values <= 0 leave the
// current size in place.
func (s *Session) SetBufferSizes(receive, send int) error {
	return s.configure(func(cfg *TransportConfig) {
		if receive > 0 {
			cfg.ReceiveBufferSize = receive
		}
		if send > 0 {
			cfg.SendBufferSize = send
		}
	})
}

// SetRequestHeader sets a header sent with the opening handshake.
func (s *Session) SetRequestHeader(key, value string) error {
	return s.configure(func(cfg *TransportConfig) {
		cfg.Header.Set(key, value)
	})
}

// SetProxy sets the proxy used for the opening handshake. nil disables the
// proxy.
func (s *Session) SetProxy(proxy *url.URL) error {
	return s.configure(func(cfg *TransportConfig) {
		cfg.Proxy = proxy
	})
}

// SetReadLimit sets the maximum size of an inbound message.
func (s *Session) SetReadLimit(n int64) error {
	return s.configure(func(cfg *TransportConfig) {
		cfg.ReadLimit = n
	})
}

func (s *Session) configure(update func(*TransportConfig)) error {
	s.dataMu.Lock()
	update(&s.config)
	cfg := s.config.clone()
	s.dataMu.Unlock()
	g := s.ensureGeneration()
	if err := g.transport.Configure(cfg); err != nil {
		return fmt.Errorf("configure transport: %w", err)
	}
	return nil
}

// newGeneration creates a Transport from the current configuration snapshot
// together with fresh cancellation scopes.
func (s *Session) newGeneration() *generation {
	s.dataMu.Lock()
	cfg := s.config.clone()
	s.dataMu.Unlock()
	base := context.WithValue(context.Background(), SessionKey, s)
	g := &generation{transport: s.factory(cfg)}
	g.recvCtx, g.recvCancel = context.WithCancelCause(base)
	g.sendCtx, g.sendCancel = context.WithCancelCause(base)
	return g
}

// replaceGeneration installs a new generation and releases the one it
// replaces.
func (s *Session) replaceGeneration() *generation {
	g := s.newGeneration()
	if prev := s.gen.Swap(g); prev != nil {
		prev.recvCancel(errReplaced)
		prev.sendCancel(errReplaced)
		if err := prev.transport.Dispose(); err != nil {
			s.logger.Debug("dispose transport", "session", s.id, "error", err)
		}
	}
	s.checkState()
	return g
}

// ensureGeneration returns the current generation, creating one if the
// Session has none.
func (s *Session) ensureGeneration() *generation {
	for {
		if g := s.gen.Load(); g != nil {
			return g
		}
		g := s.newGeneration()
		if s.gen.CompareAndSwap(nil, g) {
			s.checkState()
			return g
		}
		g.recvCancel(errReplaced)
		g.sendCancel(errReplaced)
		_ = g.transport.Dispose()
	}
}

// checkState emits an ActionStateChanged for every change of the observed
// state since the last one reported. Each change is reported once even when
// several goroutines check at the same time.
func (s *Session) checkState() {
	for {
		last := State(s.lastState.Load())
		current := s.State()
		if current == last {
			return
		}
		if s.lastState.CompareAndSwap(int32(last), int32(current)) {
			a := Action{
				Kind:     ActionStateChanged,
				Success:  true,
				ByClient: true,
			}
			s.snapshot(&a, current)
			s.dispatch(a)
		}
	}
}

// emit reports a after any pending state change has been reported.
func (s *Session) emit(a Action) {
	if a.Kind != ActionStateChanged {
		s.checkState()
	}
	s.snapshot(&a, s.State())
	s.dispatch(a)
}

// snapshot fills in the Session-wide fields of a.
func (s *Session) snapshot(a *Action, state State) {
	s.dataMu.Lock()
	a.OpenedAt = s.openedAt
	a.ClosedAt = s.closedAt
	s.dataMu.Unlock()
	if a.HasOpenDuration() {
		a.OpenDuration = a.ClosedAt.Sub(a.OpenedAt)
	}
	a.State = state
	a.StateText = state.String()
	a.Time = time.Now()
	a.Address = s.address
	a.SessionID = s.id
}
