// Package logging configures the console logger of the wsclient command.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	wrapper "github.com/bminer/ws-client-wrapper-go"
)

const (
	EnvLogLevel   = "WSCLIENT_LOG_LEVEL"
	EnvLogNoColor = "WSCLIENT_LOG_NOCOLOR"
)

// New returns a console logger writing to out. The level is info unless
// overridden by the WSCLIENT_LOG_LEVEL environment variable.
func New(out io.Writer, app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    os.Getenv(EnvLogNoColor) != "",
	}
	level := zerolog.InfoLevel
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}

// ParseLevel parses a level name. ok is false for an empty or unknown name.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

// SlogLevel maps a zerolog level onto the closest slog level, for the slog
// logger handed to a Session.
func SlogLevel(l zerolog.Level) slog.Level {
	switch {
	case l <= zerolog.DebugLevel:
		return slog.LevelDebug
	case l == zerolog.InfoLevel:
		return slog.LevelInfo
	case l == zerolog.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ActionPrinter returns a wrapper.Handler that logs every Action. Failures are
// logged as warnings and state changes at debug level.
func ActionPrinter(l zerolog.Logger) wrapper.Handler {
	return func(a wrapper.Action) {
		var ev *zerolog.Event
		switch {
		case a.Error != "":
			ev = l.Warn().Str("error", a.Error)
		case a.Kind == wrapper.ActionStateChanged:
			ev = l.Debug()
		default:
			ev = l.Info()
		}
		ev = ev.Str("session", a.SessionID).
			Str("state", a.StateText).
			Bool("success", a.Success).
			Bool("byClient", a.ByClient)
		switch a.Kind {
		case wrapper.ActionMessageReceived:
			ev = ev.Str("received", a.Received)
		case wrapper.ActionMessageSent:
			ev = ev.Str("sent", a.Sent)
			if len(a.Tags) > 0 {
				ev = ev.Interface("tags", a.Tags)
			}
		case wrapper.ActionClosing:
			if a.HasOpenDuration() {
				ev = ev.Dur("openFor", a.OpenDuration)
			}
		}
		ev.Msg(a.Kind.String())
	}
}
