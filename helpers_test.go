package wrapper_test

import (
	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/bminer/ws-client-wrapper-go/internal/wstest"
)

func newTestSession(setup func(t *wstest.Transport), opts ...wrapper.Option) (
	*wrapper.Session, *wstest.Factory, *wstest.Recorder,
) {
	f := &wstest.Factory{Setup: setup}
	s := wrapper.NewSession("ws://example.test/socket", f.New, opts...)
	return s, f, wstest.Record(s)
}
