// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server and client knobs. A nil field means the grpc
// default is used.
type Config struct {
	// Client: bound on Connect.
	ConnectTimeout *Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// Server: a handler running longer gets DEADLINE_EXCEEDED. Client: default
	// deadline of calls made without one.
	RequestTimeout *Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// Maximum in-flight requests per transport connection; extra requests wait.
	ConcurrencyLimitPerConnection *uint32 `json:"concurrency_limit_per_connection,omitempty" yaml:"concurrency_limit_per_connection,omitempty"`

	// Maximum in-flight requests across the whole server.
	GlobalConcurrencyLimit *uint32 `json:"global_concurrency_limit,omitempty" yaml:"global_concurrency_limit,omitempty"`

	// Reject with UNAVAILABLE instead of waiting for the global limit.
	LoadShed *bool `json:"load_shed,omitempty" yaml:"load_shed,omitempty"`

	TCPNoDelay   *bool     `json:"tcp_nodelay,omitempty" yaml:"tcp_nodelay,omitempty"`
	TCPKeepalive *Duration `json:"tcp_keepalive,omitempty" yaml:"tcp_keepalive,omitempty"`

	HTTP2InitialStreamWindowSize     *uint32   `json:"http2_initial_stream_window_size,omitempty" yaml:"http2_initial_stream_window_size,omitempty"`
	HTTP2InitialConnectionWindowSize *uint32   `json:"http2_initial_connection_window_size,omitempty" yaml:"http2_initial_connection_window_size,omitempty"`
	HTTP2KeepaliveInterval           *Duration `json:"http2_keepalive_interval,omitempty" yaml:"http2_keepalive_interval,omitempty"`
	HTTP2KeepaliveTimeout            *Duration `json:"http2_keepalive_timeout,omitempty" yaml:"http2_keepalive_timeout,omitempty"`
	HTTP2MaxConcurrentStreams        *uint32   `json:"http2_max_concurrent_streams,omitempty" yaml:"http2_max_concurrent_streams,omitempty"`

	// Draining longer than this after cancellation force-closes connections.
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"`
}

// ErrInvalidConfig is returned for knob values grpc cannot accept.
var ErrInvalidConfig = errors.New("invalid config")

// NewConfig returns a Config with every knob unset.
func NewConfig() *Config {
	return &Config{}
}

// ParseConfig decodes a YAML (or JSON) document into a Config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects HTTP/2 window sizes above 2^31-1, the largest window the
// protocol allows.
func (c *Config) Validate() error {
	for name, v := range map[string]*uint32{
		"http2_initial_stream_window_size":     c.HTTP2InitialStreamWindowSize,
		"http2_initial_connection_window_size": c.HTTP2InitialConnectionWindowSize,
	} {
		if v != nil && *v > math.MaxInt32 {
			return fmt.Errorf("%w: %s %d exceeds %d", ErrInvalidConfig, name, *v, math.MaxInt32)
		}
	}
	return nil
}

// windowSize converts a window knob for grpc, clamping values Validate
// would reject.
func windowSize(v uint32) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// ReadConfig reads and decodes r.
func ReadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// Ptr returns a pointer to v, for filling in Config literals.
func Ptr[T any](v T) *T {
	return &v
}

// Duration is a time.Duration that decodes from an integer number of
// nanoseconds or a string such as "300ms", "1.5h" or "2d".
type Duration time.Duration

// D returns d as a *Duration.
func D(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// Std returns the time.Duration, or zero for a nil receiver.
func (d *Duration) Std() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		dur, err := ParseDuration(text)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration: want a string or integer nanoseconds, got %s", b)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: expected scalar, got %v", value.Tag)
	}
	if value.Tag == "!!int" {
		n, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	dur, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// ParseDuration is time.ParseDuration plus a "d" unit of 24 hours, so "2d",
// "1.5d" and "1d12h" are accepted.
func ParseDuration(s string) (time.Duration, error) {
	if !strings.ContainsRune(s, 'd') {
		return time.ParseDuration(s)
	}

	var out strings.Builder
	rest := s
	if rest != "" && (rest[0] == '-' || rest[0] == '+') {
		out.WriteByte(rest[0])
		rest = rest[1:]
	}
	for rest != "" {
		n := strings.IndexFunc(rest, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
		if n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		number := rest[:n]
		rest = rest[n:]
		u := strings.IndexFunc(rest, func(r rune) bool { return (r >= '0' && r <= '9') || r == '.' })
		if u < 0 {
			u = len(rest)
		}
		unit := rest[:u]
		rest = rest[u:]

		if unit != "d" {
			out.WriteString(number + unit)
			continue
		}
		days, err := strconv.ParseFloat(number, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		out.WriteString(strconv.FormatFloat(days*24, 'f', -1, 64) + "h")
	}
	return time.ParseDuration(out.String())
}
