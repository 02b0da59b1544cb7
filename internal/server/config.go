package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the HTTP server settings under the "server" key.
type Config struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`   // Per client IP; 0 disables limiting
	RateLimitBurst int     `mapstructure:"rate_limit_burst"` // Token bucket size
	TrustProxy     bool    `mapstructure:"trust_proxy"`      // Take client IPs from X-Forwarded-For
	ReadOnly       bool    `mapstructure:"read_only"`        // Reject writes, e.g. on a reporting replica
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigFrom reads the "server" section of v.
func ConfigFrom(v *viper.Viper) (Config, error) {
	cfg := Config{Host: "0.0.0.0", Port: 8080, RateLimitRPS: 100, RateLimitBurst: 200}
	if sub := v.Sub("server"); sub != nil {
		if err := sub.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal server config: %w", err)
		}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server.port %d", cfg.Port)
	}
	return cfg, nil
}
