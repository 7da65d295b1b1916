package sockrpc

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const envURL = "SOCKRPC_URL"

type Config struct {
	URL            string        `yaml:"url"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxPending     int           `yaml:"max_pending"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	// SendQueueSize bounds the frames waiting for the socket writer.
	SendQueueSize int `yaml:"send_queue_size"`

	GorillaWS *GorillaWsConfig `yaml:"websocket"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Logger    LoggerConfig     `yaml:"logger"`
	Relay     RelayConfig      `yaml:"relay"`
}

type GorillaWsConfig struct {
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// MaxElapsedTime of zero keeps retrying until the client is closed.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RelayConfig struct {
	// RedisAddr is a single address or a comma separated cluster list.
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
}

func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:5000/ws",
		DefaultTimeout: 10 * time.Second,
		MaxPending:     1024,
		SweepInterval:  50 * time.Millisecond,
		SendQueueSize:  64,
		GorillaWS: &GorillaWsConfig{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logger: LoggerConfig{Level: "info", Format: "console"},
		Relay:  RelayConfig{Channel: "sockrpc.broadcasts"},
	}
}

// LoadConfig overlays the yaml file at path onto DefaultConfig. A missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if v := os.Getenv(envURL); v != "" {
		cfg.URL = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || c.URL == "" {
		return fmt.Errorf("config: invalid url %q", c.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.DefaultTimeout <= 0 {
		return errors.New("config: default_timeout must be positive")
	}
	if c.MaxPending <= 0 {
		return errors.New("config: max_pending must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: sweep_interval must be positive")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("config: send_queue_size must be positive")
	}
	return nil
}
