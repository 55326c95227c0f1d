package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	WireFormat   string        `mapstructure:"wire_format"`
	LogLevel     string        `mapstructure:"log_level"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// StorePath selects the SQLite backend when set; empty keeps all
	// state in memory.
	StorePath string `mapstructure:"store_path"`

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	RateBurst          int `mapstructure:"rate_burst"`
}

const (
	defaultListenAddr   = "0.0.0.0:12345"
	defaultWireFormat   = "json"
	defaultLogLevel     = "info"
	defaultReadTimeout  = 2 * time.Minute
	defaultWriteTimeout = 30 * time.Second
	defaultRateLimit    = 240
	defaultRateBurst    = 60
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with PIGEON_ and override
// file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIGEON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("wire_format", defaultWireFormat)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("read_timeout", defaultReadTimeout.String())
	v.SetDefault("write_timeout", defaultWriteTimeout.String())
	v.SetDefault("store_path", "")
	v.SetDefault("rate_limit_per_minute", defaultRateLimit)
	v.SetDefault("rate_burst", defaultRateBurst)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	switch cfg.WireFormat {
	case "json", "binary":
	default:
		return Config{}, fmt.Errorf("invalid wire_format %q", cfg.WireFormat)
	}
	return cfg, nil
}
