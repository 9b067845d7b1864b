package config

import (
	"fmt"
	"time"
)

type Config struct {
	Register  RegisterConfig  `mapstructure:"register"`
	Store     StoreConfig     `mapstructure:"store"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	OrderSync OrderSyncConfig `mapstructure:"order_sync"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	LAN       LANConfig       `mapstructure:"lan"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type RegisterConfig struct {
	ID string `mapstructure:"id"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type PlatformConfig struct {
	OrdersURL      string `mapstructure:"orders_url"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

func (p PlatformConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(p.RequestTimeout)
	return d
}

type BackoffConfig struct {
	BaseDelay string `mapstructure:"base_delay"`
	MaxDelay  string `mapstructure:"max_delay"`
}

func (b BackoffConfig) GetBaseDelay() time.Duration {
	d, _ := time.ParseDuration(b.BaseDelay)
	return d
}

func (b BackoffConfig) GetMaxDelay() time.Duration {
	d, _ := time.ParseDuration(b.MaxDelay)
	return d
}

type OutboxConfig struct {
	Backoff     BackoffConfig `mapstructure:"backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type OrderSyncConfig struct {
	Backoff    BackoffConfig `mapstructure:"backoff"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type TriggerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

const (
	ModeStandalone = "standalone"
	ModeServer     = "server"
	ModeClient     = "client"
)

type LANConfig struct {
	Mode         string   `mapstructure:"mode"`
	SharedSecret string   `mapstructure:"shared_secret"`
	Candidates   []string `mapstructure:"candidates"`
	ProbeTimeout string   `mapstructure:"probe_timeout"`
	PollTimeout  string   `mapstructure:"poll_timeout"`
	PollMin      string   `mapstructure:"poll_min"`
	PollMax      string   `mapstructure:"poll_max"`
	BufferSize   int      `mapstructure:"buffer_size"`
}

func (l LANConfig) GetProbeTimeout() time.Duration {
	d, _ := time.ParseDuration(l.ProbeTimeout)
	return d
}

func (l LANConfig) GetPollTimeout() time.Duration {
	d, _ := time.ParseDuration(l.PollTimeout)
	return d
}

func (l LANConfig) GetPollMin() time.Duration {
	d, _ := time.ParseDuration(l.PollMin)
	return d
}

func (l LANConfig) GetPollMax() time.Duration {
	d, _ := time.ParseDuration(l.PollMax)
	return d
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (c *Config) Validate() error {
	if c.Register.ID == "" {
		return fmt.Errorf("register.id is required")
	}
	switch c.LAN.Mode {
	case ModeStandalone, ModeServer, ModeClient:
	default:
		return fmt.Errorf("lan.mode must be one of standalone, server, client, got %q", c.LAN.Mode)
	}
	if c.LAN.Mode != ModeStandalone && c.LAN.SharedSecret == "" {
		return fmt.Errorf("lan.shared_secret is required in %s mode", c.LAN.Mode)
	}
	if c.OrderSync.MaxRetries < 1 {
		return fmt.Errorf("order_sync.max_retries must be at least 1")
	}
	return nil
}
