package wstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
)

// Requests understood by the echo server. Any other message is echoed back.
const (
	// CloseRequest makes the server start the close handshake.
	CloseRequest = "please close"
	// SubprotocolRequest makes the server reply with the negotiated
	// subprotocol.
	SubprotocolRequest = "subprotocol?"
	// HeaderRequest followed by a header name makes the server reply with the
	// value of that request header.
	HeaderRequest = "header:"
	// StallRequest makes the server stop reading until the test ends, so that
	// large writes from the client block.
	StallRequest = "stop reading"
)

// Subprotocol is the only subprotocol the echo server accepts.
const Subprotocol = "chat.v1"

// NewEchoServer starts a WebSocket echo server for the duration of the test
// and returns its ws:// URL.
func NewEchoServer(t testing.TB) string {
	t.Helper()
	stalled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			// websocket.Accept already writes the HTTP response
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			msg := string(data)
			switch {
			case msg == CloseRequest:
				c.Close(websocket.StatusNormalClosure, "close requested")
				return
			case msg == StallRequest:
				select {
				case <-stalled:
				case <-ctx.Done():
				}
				return
			case msg == SubprotocolRequest:
				err = c.Write(ctx, websocket.MessageText, []byte(c.Subprotocol()))
			case strings.HasPrefix(msg, HeaderRequest):
				value := r.Header.Get(strings.TrimPrefix(msg, HeaderRequest))
				err = c.Write(ctx, websocket.MessageText, []byte(value))
			default:
				err = c.Write(ctx, typ, data)
			}
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stalled) })
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}
