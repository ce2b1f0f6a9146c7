// Package config loads the configuration of the wsclient command from a YAML
// or TOML file.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	wrapper "github.com/bminer/ws-client-wrapper-go"
)

// Transport names accepted in Config.Transport.
const (
	TransportCoder   = "coder"
	TransportGorilla = "gorilla"
)

// Config describes one client Session.
type Config struct {
	Address      string
	Transport    string
	SubProtocols []string
	Headers      map[string]string
	Proxy        *url.URL

	ReceiveBufferSize int
	SendBufferSize    int
	ReadLimit         int64

	CloseTimeout time.Duration
	PollInterval time.Duration

	Reconnect ReconnectConfig
	Telemetry bool
}

// ReconnectConfig controls reconnecting after the connection is lost.
type ReconnectConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

// fileConfig is the on-disk shape of Config. Durations are strings such as
// "3s" so that both formats read them the same way.
type fileConfig struct {
	Address           string            `yaml:"address" toml:"address"`
	Transport         string            `yaml:"transport" toml:"transport"`
	SubProtocols      []string          `yaml:"subprotocols" toml:"subprotocols"`
	Headers           map[string]string `yaml:"headers" toml:"headers"`
	Proxy             string            `yaml:"proxy" toml:"proxy"`
	ReceiveBufferSize int               `yaml:"receive_buffer_size" toml:"receive_buffer_size"`
	SendBufferSize    int               `yaml:"send_buffer_size" toml:"send_buffer_size"`
	ReadLimit         int64             `yaml:"read_limit" toml:"read_limit"`
	CloseTimeout      string            `yaml:"close_timeout" toml:"close_timeout"`
	PollInterval      string            `yaml:"poll_interval" toml:"poll_interval"`
	Telemetry         bool              `yaml:"telemetry" toml:"telemetry"`
	Reconnect         struct {
		Enabled         bool   `yaml:"enabled" toml:"enabled"`
		InitialInterval string `yaml:"initial_interval" toml:"initial_interval"`
		MaxInterval     string `yaml:"max_interval" toml:"max_interval"`
		MaxTries        uint   `yaml:"max_tries" toml:"max_tries"`
	} `yaml:"reconnect" toml:"reconnect"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	transport := wrapper.DefaultTransportConfig()
	return Config{
		Transport:         TransportCoder,
		Headers:           map[string]string{},
		ReceiveBufferSize: transport.ReceiveBufferSize,
		SendBufferSize:    transport.SendBufferSize,
		CloseTimeout:      wrapper.DefaultCloseTimeout,
		PollInterval:      wrapper.DefaultPollInterval,
		Reconnect: ReconnectConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
	}
}

// Load reads the file at path on top of Default. Files ending in .toml are
// read as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg := Default()
	if err := cfg.apply(raw); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) apply(raw fileConfig) error {
	if v := strings.TrimSpace(raw.Address); v != "" {
		c.Address = v
	}
	if v := strings.TrimSpace(raw.Transport); v != "" {
		c.Transport = strings.ToLower(v)
	}
	if len(raw.SubProtocols) > 0 {
		c.SubProtocols = raw.SubProtocols
	}
	for k, v := range raw.Headers {
		c.Headers[k] = v
	}
	if v := strings.TrimSpace(raw.Proxy); v != "" {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		c.Proxy = u
	}
	if raw.ReceiveBufferSize > 0 {
		c.ReceiveBufferSize = raw.ReceiveBufferSize
	}
	if raw.SendBufferSize > 0 {
		c.SendBufferSize = raw.SendBufferSize
	}
	if raw.ReadLimit > 0 {
		c.ReadLimit = raw.ReadLimit
	}
	c.Telemetry = raw.Telemetry

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"close_timeout", raw.CloseTimeout, &c.CloseTimeout},
		{"poll_interval", raw.PollInterval, &c.PollInterval},
		{"reconnect.initial_interval", raw.Reconnect.InitialInterval, &c.Reconnect.InitialInterval},
		{"reconnect.max_interval", raw.Reconnect.MaxInterval, &c.Reconnect.MaxInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(d.raw)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	c.Reconnect.Enabled = raw.Reconnect.Enabled
	c.Reconnect.MaxTries = raw.Reconnect.MaxTries
	return nil
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	} else if u, err := url.Parse(c.Address); err != nil {
		errs = append(errs, fmt.Errorf("address: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("address: unsupported scheme %q", u.Scheme))
	}
	if c.Transport != TransportCoder && c.Transport != TransportGorilla {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.CloseTimeout <= 0 {
		errs = append(errs, errors.New("close_timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Reconnect.Enabled && c.Reconnect.InitialInterval > c.Reconnect.MaxInterval {
		errs = append(errs, errors.New("reconnect.initial_interval exceeds max_interval"))
	}
	return errors.Join(errs...)
}

// TransportConfig returns the Transport configuration described by c.
func (c Config) TransportConfig() wrapper.TransportConfig {
	tc := wrapper.DefaultTransportConfig()
	tc.SubProtocols = append([]string(nil), c.SubProtocols...)
	tc.Header = make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		tc.Header.Set(k, v)
	}
	tc.Proxy = c.Proxy
	if c.ReceiveBufferSize > 0 {
		tc.ReceiveBufferSize = c.ReceiveBufferSize
	}
	if c.SendBufferSize > 0 {
		tc.SendBufferSize = c.SendBufferSize
	}
	tc.ReadLimit = c.ReadLimit
	return tc
}

// SessionOptions returns the Session options described by c.
func (c Config) SessionOptions() []wrapper.Option {
	return []wrapper.Option{
		wrapper.WithTransportConfig(c.TransportConfig()),
		wrapper.WithCloseTimeout(c.CloseTimeout),
		wrapper.WithPollInterval(c.PollInterval),
	}
}
