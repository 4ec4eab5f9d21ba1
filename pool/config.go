package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	SchedulingLIFO = "lifo"
	SchedulingFIFO = "fifo"

	DefaultKeepAliveInterval = time.Second
	DefaultMaxFreeSockets    = 256
)

// Config configures an Agent. The zero value is a valid configuration with
// keep-alive disabled and no socket limits.
type Config struct {
	// KeepAlive keeps released sockets for reuse.
	KeepAlive bool `yaml:"keep_alive"`

	// KeepAliveInterval is the TCP keep-alive probe period for free sockets.
	// Defaults to 1s.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// MaxSockets caps in-use plus free sockets per destination. Zero means
	// unlimited.
	MaxSockets int `yaml:"max_sockets"`

	// MaxFreeSockets caps free sockets per destination. Defaults to 256.
	MaxFreeSockets int `yaml:"max_free_sockets"`

	// MaxTotalSockets caps sockets across all destinations. Zero means
	// unlimited, negative values are rejected.
	MaxTotalSockets int `yaml:"max_total_sockets"`

	// Scheduling selects which free socket is reused: "lifo" (most recently
	// used, the default) or "fifo" (least recently used).
	Scheduling string `yaml:"scheduling"`

	// Timeout closes free sockets idle for longer than this. It is also the
	// default per-request socket timeout. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`

	// Connector creates sockets. If nil, plain TCP is used.
	Connector Connector `yaml:"-"`

	// Logger receives pool events. If nil, logging is disabled.
	Logger *zap.Logger `yaml:"-"`

	// Registerer, if set, registers the pool metrics.
	Registerer prometheus.Registerer `yaml:"-"`
}

func (c *Config) validate() error {
	switch c.Scheduling {
	case "", SchedulingLIFO, SchedulingFIFO:
	default:
		return &ConfigError{Field: "scheduling", Value: c.Scheduling, Reason: `must be "fifo" or "lifo"`}
	}
	if c.MaxTotalSockets < 0 {
		return &ConfigError{Field: "max_total_sockets", Value: c.MaxTotalSockets, Reason: "must be > 0"}
	}
	if c.MaxSockets < 0 {
		return &ConfigError{Field: "max_sockets", Value: c.MaxSockets, Reason: "must be > 0"}
	}
	if c.MaxFreeSockets < 0 {
		return &ConfigError{Field: "max_free_sockets", Value: c.MaxFreeSockets, Reason: "must be > 0"}
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.KeepAliveInterval == 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.MaxFreeSockets == 0 {
		out.MaxFreeSockets = DefaultMaxFreeSockets
	}
	if out.Scheduling == "" {
		out.Scheduling = SchedulingLIFO
	}
	if out.Connector == nil {
		out.Connector = NewNetConnector(nil)
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (c *Config) maxSockets() int {
	if c.MaxSockets == 0 {
		return int(^uint(0) >> 1)
	}
	return c.MaxSockets
}

func (c *Config) maxTotalSockets() int {
	if c.MaxTotalSockets == 0 {
		return int(^uint(0) >> 1)
	}
	return c.MaxTotalSockets
}
