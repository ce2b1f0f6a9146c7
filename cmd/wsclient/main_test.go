package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bminer/ws-client-wrapper-go/internal/config"
	"github.com/bminer/ws-client-wrapper-go/internal/wstest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTransportFactory(t *testing.T) {
	for _, name := range []string{config.TransportCoder, config.TransportGorilla} {
		f, err := transportFactory(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f, name)
	}
	_, err := transportFactory("netconn")
	assert.Error(t, err)
}

func TestRetryOptions(t *testing.T) {
	assert.Len(t, retryOptions(config.ReconnectConfig{}), 1)
	rc := config.Default().Reconnect
	rc.Enabled = true
	assert.Len(t, retryOptions(rc), 1)
	rc.MaxTries = 3
	assert.Len(t, retryOptions(rc), 2)
}

func TestRunEchoesPipedInput(t *testing.T) {
	for _, transport := range []string{config.TransportCoder, config.TransportGorilla} {
		t.Run(transport, func(t *testing.T) {
			cfg := config.Default()
			cfg.Address = wstest.NewEchoServer(t)
			cfg.Transport = transport

			ctx, stop := context.WithCancel(t.Context())
			defer stop()
			var out syncBuffer
			result := make(chan error, 1)
			go func() {
				in := strings.NewReader("one\ntwo\n")
				result <- run(ctx, stop, cfg, zerolog.Nop(), in, &out)
			}()

			select {
			case err := <-result:
				assert.NoError(t, err)
			case <-time.After(wstest.WaitTimeout):
				t.Fatal("run did not return")
			}
			assert.Equal(t, "one\ntwo\n", out.String())
		})
	}
}

func TestRunConnectFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Address = "ws://127.0.0.1:9/"
	ctx, stop := context.WithCancel(t.Context())
	defer stop()
	in, stdin := io.Pipe()
	defer stdin.Close()
	err := run(ctx, stop, cfg, zerolog.Nop(), in, io.Discard)
	assert.ErrorIs(t, err, errConnectFailed)
}
