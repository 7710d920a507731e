// Package config loads server settings from an optional YAML file and
// WSROUTES_* environment variables.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sessamekesh/wsroutes/pkg/routes"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "WSROUTES"

	DefaultRoute = "main"
)

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	MetricsPath string `mapstructure:"metrics_path"`

	ReadLimit       int64 `mapstructure:"read_limit"`
	SendQueueLength int   `mapstructure:"send_queue_length"`
}

type AuthConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type BusConfig struct {
	Workers     int `mapstructure:"workers"`
	QueueLength int `mapstructure:"queue_length"`
}

type AMQPConfig struct {
	URL string `mapstructure:"url"`
	// Exchanges maps exchange name to route; an empty route means all routes.
	Exchanges map[string]string `mapstructure:"exchanges"`
}

type RedisConfig struct {
	Addr     string            `mapstructure:"addr"`
	Password string            `mapstructure:"password"`
	DB       int               `mapstructure:"db"`
	Channels map[string]string `mapstructure:"channels"`
}

type Config struct {
	Server                 ServerConfig                  `mapstructure:"server"`
	AuthTimeout            time.Duration                 `mapstructure:"auth_timeout"`
	Broadcast              bool                          `mapstructure:"broadcast"`
	BroadcastExcludeSender bool                          `mapstructure:"broadcast_exclude_sender"`
	Auth                   AuthConfig                    `mapstructure:"auth"`
	Log                    LogConfig                     `mapstructure:"log"`
	Bus                    BusConfig                     `mapstructure:"bus"`
	Routes                 map[string]routes.RouteConfig `mapstructure:"routes"`
	AMQP                   AMQPConfig                    `mapstructure:"amqp"`
	Redis                  RedisConfig                   `mapstructure:"redis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.read_limit", 64*1024)
	v.SetDefault("server.send_queue_length", 32)

	v.SetDefault("auth_timeout", routes.DefaultAuthTimeout)
	v.SetDefault("broadcast", false)
	v.SetDefault("broadcast_exclude_sender", false)
	v.SetDefault("auth.tokens", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)

	v.SetDefault("bus.workers", 4)
	v.SetDefault("bus.queue_length", 256)

	v.SetDefault("amqp.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// Load reads file (when non-empty) over the defaults and applies environment
// overrides such as WSROUTES_SERVER_PORT. Routes are not defaulted through
// viper, which would merge the default route into a configured table; a
// config without routes gets a single "main" route on "/".
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Routes) == 0 {
		cfg.Routes = map[string]routes.RouteConfig{
			DefaultRoute: {Path: "/"},
		}
	}
	for name, route := range cfg.Routes {
		cfg.Routes[name] = route.WithDefaults()
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("auth_timeout must be positive, got %s", c.AuthTimeout)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}

	paths := make(map[string]string, len(c.Routes))
	for name, route := range c.Routes {
		if err := route.Validate(name); err != nil {
			return err
		}
		if other, taken := paths[route.Path]; taken {
			return fmt.Errorf("routes %s and %s share path %s", other, name, route.Path)
		}
		paths[route.Path] = name
	}
	return nil
}

// RouteNames lists the configured routes, sorted.
func (c *Config) RouteNames() []string {
	names := make([]string, 0, len(c.Routes))
	for name := range c.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
