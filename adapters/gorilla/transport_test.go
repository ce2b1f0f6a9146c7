package gorilla_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/bminer/ws-client-wrapper-go/adapters/gorilla"
	"github.com/bminer/ws-client-wrapper-go/internal/wstest"
)

func TestTransport(t *testing.T) {
	wstest.TestTransport(t, gorilla.New)
}

func TestConfigure(t *testing.T) {
	tr := gorilla.New(wrapper.DefaultTransportConfig())
	assert.Equal(t, wrapper.StateNone, tr.State())
	assert.NoError(t, tr.Configure(wrapper.DefaultTransportConfig()))

	tr.Abort()
	assert.Equal(t, wrapper.StateAborted, tr.State())
	assert.ErrorIs(t, tr.Configure(wrapper.DefaultTransportConfig()), wrapper.ErrNotConfigurable)
	assert.NoError(t, tr.Dispose())
	assert.NoError(t, tr.Dispose())
}

func TestSendWithoutConnection(t *testing.T) {
	tr := gorilla.New(wrapper.DefaultTransportConfig())
	assert.Error(t, tr.SendFrame(t.Context(), []byte("x"), true))
	assert.Error(t, tr.CloseOutput(t.Context(), wrapper.StatusNormalClosure, ""))
	_, err := tr.ReceiveFrame(t.Context())
	assert.ErrorIs(t, err, wrapper.ErrTransportAborted)
}
