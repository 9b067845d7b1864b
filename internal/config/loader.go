package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("POS_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "pos-sync.db")

	v.SetDefault("platform.request_timeout", "30s")

	v.SetDefault("outbox.backoff.base_delay", "30s")
	v.SetDefault("outbox.backoff.max_delay", "5m")
	v.SetDefault("outbox.max_attempts", 0)

	v.SetDefault("order_sync.backoff.base_delay", "1m")
	v.SetDefault("order_sync.backoff.max_delay", "15m")
	v.SetDefault("order_sync.max_retries", 5)

	v.SetDefault("trigger.enabled", true)
	v.SetDefault("trigger.interval", "@every 30s")

	v.SetDefault("lan.mode", ModeStandalone)
	v.SetDefault("lan.probe_timeout", "2s")
	v.SetDefault("lan.poll_timeout", "10s")
	v.SetDefault("lan.poll_min", "500ms")
	v.SetDefault("lan.poll_max", "15s")
	v.SetDefault("lan.buffer_size", 1000)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8099)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
