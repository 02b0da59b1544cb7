// Package config loads CarbonSight configuration with Viper and exposes it to
// plugins through plugin.Config.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/carbonsight/pkg/plugin"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: CS_SERVER_PORT=9090.
const EnvPrefix = "CS"

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// Load reads configuration from path, or from carbonsight.yaml in ".",
// "./configs" and "/etc/carbonsight" when path is empty. A missing file is
// not an error; defaults and environment variables still apply.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("carbonsight")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/carbonsight")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 100)
	v.SetDefault("server.rate_limit_burst", 200)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.read_only", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "carbonsight.db")

	v.SetDefault("plugins.analytics.fetch_timeout", "5s")
	v.SetDefault("plugins.analytics.max_workers", 4)
	v.SetDefault("plugins.analytics.cache_enabled", true)
	v.SetDefault("plugins.analytics.cache_ttl", "2m")
	v.SetDefault("plugins.analytics.retry_backoff", "250ms")
	v.SetDefault("plugins.analytics.usage_retention", "9480h")
	v.SetDefault("plugins.analytics.maintenance_interval", "1h")
	v.SetDefault("plugins.analytics.confidence_level", 0.95)
	v.SetDefault("plugins.analytics.insight_metrics", []string{"carbon_emissions", "energy_consumption", "cost"})
	v.SetDefault("plugins.analytics.insight_window", 6)
	v.SetDefault("plugins.analytics.insight_horizon", 3)
	v.SetDefault("plugins.analytics.anomaly_lookback", "2160h")
	v.SetDefault("plugins.analytics.default_industry", "")

	v.SetDefault("plugins.webhook.enabled", true)
	v.SetDefault("plugins.webhook.url", "")
	v.SetDefault("plugins.webhook.timeout", "10s")
	v.SetDefault("plugins.webhook.min_severity", 0.0)
	v.SetDefault("plugins.webhook.max_attempts", 2)
	v.SetDefault("plugins.webhook.retry_delay", "1s")
	v.SetDefault("plugins.webhook.rate_per_second", 1.0)
}

// ViperConfig adapts a Viper instance to plugin.Config.
type ViperConfig struct {
	v *viper.Viper
}

// New wraps v. A nil v yields an empty configuration.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(key)
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *ViperConfig) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *ViperConfig) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// Sub scopes the configuration to key. Defaults registered under key carry
// over, so a plugin section absent from the file still unmarshals them.
func (c *ViperConfig) Sub(key string) plugin.Config {
	prefix := strings.ToLower(key) + "."
	sub := viper.New()
	for _, k := range c.v.AllKeys() {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			sub.Set(rest, c.v.Get(k))
		}
	}
	return New(sub)
}

// Viper returns the underlying instance for top-level keys such as server.port.
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}
