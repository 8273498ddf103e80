// Package config holds the CLI configuration, read from a TOML file and
// overridden by flags.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/1ureka/tcphub/internal/protocol"
	"github.com/1ureka/tcphub/internal/socket"
	"github.com/1ureka/tcphub/internal/util"
)

const (
	DefaultTickInterval = 50 * time.Millisecond
	DefaultMagic        = "TCPH"
	DefaultCodec        = "json"
	DefaultLogLevel     = "info"
)

// Config stores every tunable of a tcphub session.
type Config struct {
	Socket struct {
		Host           string `toml:"host"`
		Port           int    `toml:"port"`
		Tag            int    `toml:"tag"`
		ConnectTimeout int    `toml:"connect-timeout"` // seconds
		KeepAlive      bool   `toml:"keep-alive"`
		PollInterval   int    `toml:"poll-interval"` // milliseconds
	} `toml:"socket"`
	Hub struct {
		RawPolicy    *bool `toml:"raw-policy"`
		TickInterval int   `toml:"tick-interval"` // milliseconds
	} `toml:"hub"`
	Packet struct {
		Magic           string `toml:"magic"`
		ProtocolVersion int    `toml:"protocol-version"`
		ServerVersion   int    `toml:"server-version"`
		Codec           string `toml:"codec"`
	} `toml:"packet"`
	Observe struct {
		MetricsListen string `toml:"metrics-listen"`
		BridgeListen  string `toml:"bridge-listen"`
		StatsInterval int    `toml:"stats-interval"` // seconds, 0 disables
		LogLevel      string `toml:"log-level"`
		Debug         bool   `toml:"debug"` // shorthand for log-level = "debug"
	} `toml:"observe"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and parses a TOML file.
func Load(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	return Parse(data)
}

// Parse decodes TOML text, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Socket.ConnectTimeout <= 0 {
		c.Socket.ConnectTimeout = int(socket.DefaultTimeout / time.Second)
	}
	if c.Socket.PollInterval <= 0 {
		c.Socket.PollInterval = int(socket.DefaultPollInterval / time.Millisecond)
	}
	if c.Hub.RawPolicy == nil {
		raw := true
		c.Hub.RawPolicy = &raw
	}
	if c.Hub.TickInterval <= 0 {
		c.Hub.TickInterval = int(DefaultTickInterval / time.Millisecond)
	}
	if c.Packet.Magic == "" {
		c.Packet.Magic = DefaultMagic
	}
	if c.Packet.Codec == "" {
		c.Packet.Codec = DefaultCodec
	}
	if c.Observe.LogLevel == "" {
		c.Observe.LogLevel = DefaultLogLevel
	}
}

// Validate checks the fields that have no sensible default. An empty host is
// allowed; the CLI prompts for it.
func (c *Config) Validate() error {
	if c.Socket.Host != "" {
		if _, err := socket.ParseHost(c.Socket.Host); err != nil {
			return errors.Wrapf(err, "config: socket.host %q", c.Socket.Host)
		}
	}
	if c.Socket.Port < 0 || c.Socket.Port > 65535 {
		return errors.Wrapf(socket.ErrInvalidPort, "config: socket.port %d", c.Socket.Port)
	}
	if len(c.Packet.Magic) < 4 {
		return errors.Wrapf(protocol.ErrShortMagic, "config: packet.magic %q", c.Packet.Magic)
	}
	if _, err := protocol.CodecByName(c.Packet.Codec); err != nil {
		return errors.Wrap(err, "config: packet.codec")
	}
	if _, err := util.ParseLogLevel(c.Observe.LogLevel); err != nil {
		return errors.Wrap(err, "config: observe.log-level")
	}
	return nil
}

// LogLevel is the effective log level; debug = true wins over log-level.
func (c *Config) LogLevel() string {
	if c.Observe.Debug {
		return "debug"
	}
	if c.Observe.LogLevel == "" {
		return DefaultLogLevel
	}
	return c.Observe.LogLevel
}

// SocketOptions converts the [socket] section.
func (c *Config) SocketOptions() socket.Options {
	return socket.Options{
		Host:         c.Socket.Host,
		Port:         c.Socket.Port,
		Tag:          c.Socket.Tag,
		Timeout:      time.Duration(c.Socket.ConnectTimeout) * time.Second,
		KeepAlive:    c.Socket.KeepAlive,
		PollInterval: time.Duration(c.Socket.PollInterval) * time.Millisecond,
	}
}

// Raw reports the configured raw policy.
func (c *Config) Raw() bool { return c.Hub.RawPolicy == nil || *c.Hub.RawPolicy }

// SetRaw overrides the raw policy.
func (c *Config) SetRaw(raw bool) { c.Hub.RawPolicy = &raw }

// TickInterval is the cadence at which the hub is drained.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Hub.TickInterval) * time.Millisecond
}

// StatsInterval is the stats reporter period, zero when disabled.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Observe.StatsInterval) * time.Second
}

// Codec resolves the [packet] codec name.
func (c *Config) Codec() protocol.Codec {
	codec, err := protocol.CodecByName(c.Packet.Codec)
	if err != nil {
		return protocol.JSON
	}
	return codec
}
