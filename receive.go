package wrapper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// receive reads messages from g until the connection closes or the receive
// scope is cancelled, then tears g down. Cancellation and the loss of the
// connection are normal ways for the loop to end; any other error is returned
// as a ReceiveError.
func (s *Session) receive(g *generation) (err error) {
	defer func() {
		if err != nil {
			s.logger.Error("receive loop failed", "session", s.id, "error", err)
			err = ReceiveError{SessionID: s.id, error: err}
		}
	}()
	defer s.teardown(g)

	var msg bytes.Buffer
	for g.transport.State() != StateClosed && g.recvCtx.Err() == nil {
		frame, err := receiveMessage(g.recvCtx, g.transport, &msg)
		if err != nil {
			// Cancelling the receive scope aborts the transport, so check the
			// scope before treating the error as the connection being lost.
			if g.recvCtx.Err() != nil || errors.Is(err, ErrTransportAborted) ||
				g.transport.State() == StateAborted {
				return nil
			}
			return fmt.Errorf("receive frame: %w", err)
		}
		s.checkState()
		if g.recvCtx.Err() != nil {
			msg.Reset()
			continue
		}

		state := g.transport.State()
		switch {
		case frame.Type == FrameClose && state == StateCloseReceived:
			s.acknowledgeClose(g)
		case frame.Type != FrameClose && state == StateOpen:
			s.emit(Action{
				Kind:     ActionMessageReceived,
				Success:  true,
				Received: msg.String(),
			})
		}
		msg.Reset()
		s.checkState()
	}
	return nil
}

// receiveMessage reads frames into buf until a message or a close frame is
// complete.
func receiveMessage(ctx context.Context, t Transport, buf *bytes.Buffer) (Frame, error) {
	for {
		f, err := t.ReceiveFrame(ctx)
		if err != nil {
			return f, err
		}
		buf.Write(f.Data)
		if f.EndOfMessage || f.Type == FrameClose {
			return f, nil
		}
	}
}

// acknowledgeClose answers a close frame sent by the peer.
func (s *Session) acknowledgeClose(g *generation) {
	g.sendCancel(errPeerClosed)
	a := Action{Kind: ActionClosing}
	err := g.transport.CloseOutput(
		context.WithValue(context.Background(), SessionKey, s),
		StatusNormalClosure, "",
	)
	if err != nil {
		a.Error = fmt.Errorf("acknowledge close: %w", err).Error()
	} else {
		a.Success = true
	}
	s.dataMu.Lock()
	s.closedAt = time.Now()
	s.dataMu.Unlock()
	s.emit(a)
}

// teardown releases g once its receive loop has ended.
func (s *Session) teardown(g *generation) {
	g.sendCancel(errReceiveStopped)
	s.checkState()
	if err := g.transport.Dispose(); err != nil {
		s.logger.Debug("dispose transport", "session", s.id, "error", err)
	}
	// Leave a newer generation installed by a concurrent Connect in place.
	s.gen.CompareAndSwap(g, nil)
	g.recvCancel(errReceiveStopped)
	s.checkState()
}
