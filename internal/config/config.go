// Package config loads the server configuration from YAML on top of defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tick     TickConfig     `yaml:"tick"`
	Token    TokenConfig    `yaml:"token"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// QUICAddr is optional; empty disables the QUIC listener.
	QUICAddr        string        `yaml:"quic_addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ICEServers are STUN or TURN URLs offered to relayed WebRTC clients.
	ICEServers []string `yaml:"ice_servers"`

	// FrameRate caps non-signaling frames per user per second. Zero disables it.
	FrameRate  float64 `yaml:"frame_rate"`
	FrameBurst int     `yaml:"frame_burst"`
}

type TickConfig struct {
	Interval      time.Duration `yaml:"interval"`
	InboxCapacity int           `yaml:"inbox_capacity"`
	CommandQueue  int           `yaml:"command_queue"`
}

type TokenConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	RenewalWait time.Duration `yaml:"renewal_wait"`

	// Secret derives the signing key. Empty picks a random key per process.
	Secret string `yaml:"secret"`
}

type DispatchConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	FanOut        int           `yaml:"fan_out"`
	CompressAbove int           `yaml:"compress_above"`
	QueueLimit    int           `yaml:"queue_limit"`
}

type RelayConfig struct {
	NearThreshold float64       `yaml:"near_threshold"`
	FarThreshold  float64       `yaml:"far_threshold"`
	MinDelay      time.Duration `yaml:"min_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	StartAt       int           `yaml:"start_at"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        "127.0.0.1:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 5 * time.Second,
			FrameRate:       500,
			FrameBurst:      1000,
		},
		Tick: TickConfig{
			Interval:      50 * time.Millisecond,
			InboxCapacity: 4096,
			CommandQueue:  256,
		},
		Token: TokenConfig{
			TTL:         5 * time.Minute,
			RenewalWait: 10 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxRetries:    3,
			RetryBackoff:  20 * time.Millisecond,
			SendTimeout:   5 * time.Second,
			FanOut:        16,
			CompressAbove: 1024,
			QueueLimit:    256,
		},
		Relay: RelayConfig{
			NearThreshold: 200,
			FarThreshold:  1000,
			MinDelay:      200 * time.Millisecond,
			MaxDelay:      time.Second,
			StartAt:       3,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Keys absent from data keep their default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Server.HTTPAddr != "", "server.http_addr is required")
	check(c.Server.FrameRate >= 0, "server.frame_rate must not be negative")
	check(c.Server.FrameRate == 0 || c.Server.FrameBurst > 0, "server.frame_burst must be positive when frame_rate is set")
	check(c.Tick.Interval > 0, "tick.interval must be positive, got %s", c.Tick.Interval)
	check(c.Tick.InboxCapacity > 0, "tick.inbox_capacity must be positive")
	check(c.Token.TTL > 0, "token.ttl must be positive, got %s", c.Token.TTL)
	check(c.Token.RenewalWait >= 0, "token.renewal_wait must not be negative")
	check(c.Dispatch.MaxRetries >= 0, "dispatch.max_retries must not be negative")
	check(c.Dispatch.FanOut >= 0, "dispatch.fan_out must not be negative")
	check(c.Dispatch.QueueLimit >= 0, "dispatch.queue_limit must not be negative")
	check(c.Relay.NearThreshold >= 0, "relay.near_threshold must not be negative")
	check(c.Relay.FarThreshold >= c.Relay.NearThreshold,
		"relay.far_threshold %v is below relay.near_threshold %v", c.Relay.FarThreshold, c.Relay.NearThreshold)
	check(c.Relay.MaxDelay >= c.Relay.MinDelay,
		"relay.max_delay %s is below relay.min_delay %s", c.Relay.MaxDelay, c.Relay.MinDelay)
	check(c.Log.Encoding == "json" || c.Log.Encoding == "console", "log.encoding must be json or console, got %q", c.Log.Encoding)

	return errors.Join(errs...)
}
