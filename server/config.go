package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

// TLSConfig points to the server identity. Both files must be set to serve
// wss.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS identity is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Config holds server settings.
type Config struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`

	// MaxMessageSize limits cumulative payload of a single inbound message.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// MaxFrameSize limits payload of a single inbound frame. Zero means
	// MaxMessageSize.
	MaxFrameSize int64 `yaml:"max_frame_size"`
	// FragmentSize is the max payload of outbound frames. Zero disables
	// fragmentation.
	FragmentSize int `yaml:"fragment_size"`

	// ReadTimeout is applied to every frame read. Zero means no timeout.
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// CloseTimeout is how long the peer has to answer a close frame.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	PingInterval time.Duration `yaml:"ping_interval"`
	// PongTimeout evicts connections that sent no pong for this long.
	// Zero disables eviction.
	PongTimeout time.Duration `yaml:"pong_timeout"`

	// MaxConnections limits simultaneously served connections. Zero means
	// unlimited.
	MaxConnections int `yaml:"max_connections"`
	ReadBufferSize int `yaml:"read_buffer_size"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() Config {
	return Config{
		Address:          "127.0.0.1",
		Port:             8888,
		MaxMessageSize:   10 << 20,
		FragmentSize:     4096,
		WriteTimeout:     2 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     5 * time.Second,
		PingInterval:     60 * time.Second,
		ReadBufferSize:   4096,
	}
}

// Validate reports all problems found in c.
func (c Config) Validate() (err error) {
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}
	check(c.Port >= 0 && c.Port <= 65535, "port %d is out of range", c.Port)
	check(c.MaxMessageSize > 0, "max_message_size must be positive")
	check(c.MaxFrameSize >= 0, "max_frame_size must not be negative")
	check(c.FragmentSize >= 0, "fragment_size must not be negative")
	check(c.ReadBufferSize > 0, "read_buffer_size must be positive")
	check(c.MaxConnections >= 0, "max_connections must not be negative")
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"read_timeout", c.ReadTimeout},
		{"write_timeout", c.WriteTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
		{"close_timeout", c.CloseTimeout},
		{"ping_interval", c.PingInterval},
		{"pong_timeout", c.PongTimeout},
	} {
		check(d.v >= 0, "%s must not be negative", d.name)
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		err = multierr.Append(err, errors.New("tls needs both cert_file and key_file"))
	}
	return err
}

// Addr returns address to listen on in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Scheme returns "wss" if TLS is configured and "ws" otherwise.
func (c Config) Scheme() string {
	if c.TLS.Enabled() {
		return "wss"
	}
	return "ws"
}

// FrameLimit returns effective inbound frame payload limit.
func (c Config) FrameLimit() int64 {
	if c.MaxFrameSize > 0 {
		return c.MaxFrameSize
	}
	return c.MaxMessageSize
}
