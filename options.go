package wrapper

import (
	"log/slog"
	"time"
)

const (
	// DefaultCloseTimeout bounds how long Session.Close waits for the close
	// handshake.
	DefaultCloseTimeout = 3 * time.Second
	// DefaultPollInterval is how often Session.Close checks for state changes
	// while waiting for the close handshake.
	DefaultPollInterval = 10 * time.Millisecond
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used by the Session. Every emitted Action is
// logged at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCloseTimeout sets the close handshake budget of Session.Close.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.closeTimeout = d
		}
	}
}

// WithPollInterval sets how often Session.Close polls for state changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTransportConfig replaces the configuration applied to every Transport
// the Session creates.
func WithTransportConfig(cfg TransportConfig) Option {
	return func(s *Session) {
		s.config = cfg.clone()
	}
}
