package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for emitted log events.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// ProxyScheme identifies how a proxy candidate is reached.
type ProxyScheme string

const (
	ProxyDirect ProxyScheme = "direct"
	ProxyHTTP   ProxyScheme = "http"
	ProxyHTTPS  ProxyScheme = "https"
	ProxySOCKS5 ProxyScheme = "socks5"
)

// Config is the top-level configuration for the transport.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	Pool      PoolConfig      `toml:"pool"`
	Proxies   []ProxyConfig   `toml:"proxies"`
	Logging   LoggingConfig   `toml:"logging"`
}

// TransportConfig holds connection and protocol negotiation settings.
type TransportConfig struct {
	// ForceMultiplexed skips protocol negotiation and assumes every TLS
	// destination speaks the multiplexed protocol.
	ForceMultiplexed bool `toml:"force_multiplexed"`
	// MaxControlFrameSize bounds the payload of a single control frame in
	// bytes. Zero selects the protocol default (16 KiB).
	MaxControlFrameSize uint32 `toml:"max_control_frame_size"`
	// InsecureSkipVerify disables certificate chain verification. Intended
	// for tests only.
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// PoolConfig holds session and connection pooling settings.
type PoolConfig struct {
	// EnableIPPooling allows a session opened for one hostname to be reused
	// for a different hostname that resolves to the same address, provided
	// the session's certificate covers the new name.
	EnableIPPooling *bool `toml:"enable_ip_pooling"`
	// IdleConnTimeout is how long a released connection may sit idle before
	// the pool closes it, e.g. "90s". Empty selects the default.
	IdleConnTimeout string `toml:"idle_conn_timeout"`
}

// ProxyConfig describes one proxy candidate, tried in listed order.
type ProxyConfig struct {
	Scheme ProxyScheme `toml:"scheme"`
	Host   string      `toml:"host"`
	Port   int         `toml:"port"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	LogLevel LogLevel `toml:"log_level"`
	Target   string   `toml:"target"`
}

const defaultIdleConnTimeout = 90 * time.Second

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates TOML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = LogLevelInfo
	}
	if c.Logging.Target == "" {
		c.Logging.Target = "stderr"
	}
	if c.Pool.EnableIPPooling == nil {
		enabled := true
		c.Pool.EnableIPPooling = &enabled
	}
}

// Validate checks field-level constraints, returning the first violation with
// enough context to locate it.
func (c *Config) Validate() error {
	switch c.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level: unknown level %q", c.Logging.LogLevel)
	}
	if t := c.Logging.Target; t != "stderr" && t != "stdout" && !strings.HasPrefix(t, "/") {
		return fmt.Errorf("logging.target: must be stderr, stdout or an absolute path, got %q", t)
	}
	if c.Pool.IdleConnTimeout != "" {
		if _, err := time.ParseDuration(c.Pool.IdleConnTimeout); err != nil {
			return fmt.Errorf("pool.idle_conn_timeout: %w", err)
		}
	}
	for i, p := range c.Proxies {
		switch p.Scheme {
		case ProxyDirect:
			continue
		case ProxyHTTP, ProxyHTTPS, ProxySOCKS5:
		default:
			return fmt.Errorf("proxies[%d].scheme: unknown scheme %q", i, p.Scheme)
		}
		if p.Host == "" {
			return fmt.Errorf("proxies[%d].host: required for scheme %q", i, p.Scheme)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("proxies[%d].port: %d out of range", i, p.Port)
		}
	}
	return nil
}

// IdleConnTimeout returns the parsed idle timeout, falling back to the default.
func (c *Config) IdleConnTimeout() time.Duration {
	if c.Pool.IdleConnTimeout == "" {
		return defaultIdleConnTimeout
	}
	d, err := time.ParseDuration(c.Pool.IdleConnTimeout)
	if err != nil {
		return defaultIdleConnTimeout
	}
	return d
}

// IPPoolingEnabled reports whether cross-hostname session aliasing is allowed.
func (c *Config) IPPoolingEnabled() bool {
	return c.Pool.EnableIPPooling == nil || *c.Pool.EnableIPPooling
}

// Address returns the host:port form of a proxy candidate.
func (p ProxyConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
