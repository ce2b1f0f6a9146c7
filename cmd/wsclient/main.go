// Command wsclient connects to a WebSocket server, sends every line read from
// standard input as a text message and prints the messages it receives.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/bminer/ws-client-wrapper-go/adapters/coder"
	"github.com/bminer/ws-client-wrapper-go/adapters/gorilla"
	"github.com/bminer/ws-client-wrapper-go/internal/config"
	"github.com/bminer/ws-client-wrapper-go/internal/logging"
)

var errConnectFailed = errors.New("connection attempt failed")

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	address := flag.String("address", "", "ws:// or wss:// address to connect to")
	transport := flag.String("transport", "", "WebSocket library: coder or gorilla")
	subprotocol := flag.String("subprotocol", "", "subprotocol to request")
	reconnect := flag.Bool("reconnect", false, "reconnect after the connection is lost")
	telemetryOn := flag.Bool("telemetry", false, "export traces over OTLP/HTTP")
	flag.Parse()

	logger := logging.New(os.Stderr, "wsclient")
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *subprotocol != "" {
		cfg.SubProtocols = append(cfg.SubProtocols, *subprotocol)
	}
	cfg.Reconnect.Enabled = cfg.Reconnect.Enabled || *reconnect
	cfg.Telemetry = cfg.Telemetry || *telemetryOn
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, stop, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Fatal().Err(err).Msg("wsclient stopped")
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// run connects a Session and keeps it connected until ctx is done. Lines of in
// are sent once the first connection opens. stop is called when in reaches EOF
// and the connection has been quiet for eofLinger.
func run(
	ctx context.Context, stop context.CancelFunc, cfg config.Config,
	logger zerolog.Logger, in io.Reader, out io.Writer,
) error {
	factory, err := transportFactory(cfg.Transport)
	if err != nil {
		return err
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.SlogLevel(logger.GetLevel()),
	}))
	opts := append(cfg.SessionOptions(), wrapper.WithLogger(slogger))
	session := wrapper.NewSession(cfg.Address, factory, opts...)
	session.Subscribe(logging.ActionPrinter(logger))
	session.On(wrapper.ActionMessageReceived, func(a wrapper.Action) {
		fmt.Fprintln(out, a.Received)
	})
	var connected atomic.Bool
	opened := make(chan struct{})
	var openOnce sync.Once
	session.On(wrapper.ActionConnecting, func(a wrapper.Action) {
		connected.Store(a.Success)
		if a.Success {
			openOnce.Do(func() { close(opened) })
		}
	})
	var activity lastActivity
	activity.touch()
	session.Subscribe(func(a wrapper.Action) {
		if a.Kind == wrapper.ActionMessageReceived || a.Kind == wrapper.ActionMessageSent {
			activity.touch()
		}
	})

	if cfg.Telemetry {
		rec, err := newRecorder(ctx)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		rec.Attach(session)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rec.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown")
			}
		}()
	}

	go func() {
		defer stop()
		// Input is not read until there is a connection to send it on
		select {
		case <-opened:
		case <-ctx.Done():
			return
		}
		sendLines(ctx, session, in)
		activity.waitIdle(ctx, eofLinger)
	}()
	go func() {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
		defer cancel()
		session.Close(closeCtx, "client shutting down")
		session.Abort()
	}()

	for {
		// The receive loop runs on a context of its own so that shutting
		// down closes the connection instead of aborting it.
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			if err := session.Connect(context.Background()); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			if !connected.Load() && ctx.Err() == nil {
				return struct{}{}, errConnectFailed
			}
			return struct{}{}, nil
		}, retryOptions(cfg.Reconnect)...)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		case !cfg.Reconnect.Enabled:
			return nil
		}
		logger.Info().Str("address", cfg.Address).Msg("connection lost, reconnecting")
	}
}

func transportFactory(name string) (wrapper.TransportFactory, error) {
	switch name {
	case config.TransportCoder:
		return coder.New, nil
	case config.TransportGorilla:
		return gorilla.New, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func retryOptions(rc config.ReconnectConfig) []backoff.RetryOption {
	if !rc.Enabled {
		return []backoff.RetryOption{backoff.WithMaxTries(1)}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if rc.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(rc.MaxTries))
	}
	return opts
}

// sendLines sends every line of in, tagged with its line number.
func sendLines(ctx context.Context, session *wrapper.Session, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for n := 1; scanner.Scan(); n++ {
		if ctx.Err() != nil {
			return
		}
		session.Send(ctx, scanner.Text(), n)
	}
}

// eofLinger is how long the connection must be quiet after the end of input
// before wsclient closes it, so replies to the last lines are still printed.
const eofLinger = 500 * time.Millisecond

// lastActivity is the time of the last message sent or received.
type lastActivity struct {
	unixNano atomic.Int64
}

func (l *lastActivity) touch() {
	l.unixNano.Store(time.Now().UnixNano())
}

// waitIdle returns once nothing was sent or received for idle, or when ctx is
// done.
func (l *lastActivity) waitIdle(ctx context.Context, idle time.Duration) {
	for {
		wait := time.Until(time.Unix(0, l.unixNano.Load()).Add(idle))
		if wait <= 0 {
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}
