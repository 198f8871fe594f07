// Package config loads the server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SSHHUB_*, e.g. SSHHUB_SERVER_LISTEN)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "SSHHUB"

// ErrConfigExists is returned by WriteDefault when the target exists and
// force is not set.
var ErrConfigExists = errors.New("config file already exists")

// Config is the full server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains listener and lifecycle settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// SSH contains protocol settings handed to the SSH transport
	SSH SSHConfig `mapstructure:"ssh" yaml:"ssh"`

	// Auth configures caching of authentication decisions
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is console (human-friendly) or json
	Format string `mapstructure:"format" validate:"required,oneof=console json" yaml:"format"`

	// Dir enables daily-rotated log files in this directory when set
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ServerConfig contains listener and lifecycle settings.
type ServerConfig struct {
	// Listen is the SSH listen address
	// Default: 0.0.0.0:2222
	Listen string `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`

	// ShutdownAfter stops the server this long after start; 0 disables it
	// Default: 10m
	ShutdownAfter time.Duration `mapstructure:"shutdown_after" validate:"gte=0" yaml:"shutdown_after"`

	// ShutdownReason is sent to every client on shutdown
	ShutdownReason string `mapstructure:"shutdown_reason" validate:"required" yaml:"shutdown_reason"`

	// ShutdownGrace is how long queued output may drain during shutdown
	// Default: 2s
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"gt=0" yaml:"shutdown_grace"`

	// OutboundQueue is the per-connection backlog at which a slow client is
	// logged; the queue itself is unbounded
	// Default: 256
	OutboundQueue int `mapstructure:"outbound_queue" validate:"min=1" yaml:"outbound_queue"`

	// ForwardTimeout bounds opening a forwarded channel on a client
	// Default: 30s
	ForwardTimeout time.Duration `mapstructure:"forward_timeout" validate:"gt=0" yaml:"forward_timeout"`
}

// SSHConfig contains SSH protocol settings.
type SSHConfig struct {
	// HostKeys are private key files; an Ed25519 key is generated at
	// startup when empty
	HostKeys []string `mapstructure:"host_keys" yaml:"host_keys"`

	// ServerVersion overrides the identification string (must start with SSH-2.0-)
	ServerVersion string `mapstructure:"server_version" validate:"omitempty,startswith=SSH-2.0-" yaml:"server_version"`

	// InactivityTimeout closes silent connections; 0 disables it
	// Default: 1h
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"gte=0" yaml:"inactivity_timeout"`

	// AuthRejectionTime delays each rejected authentication attempt
	// Default: 3s
	AuthRejectionTime time.Duration `mapstructure:"auth_rejection_time" validate:"gte=0" yaml:"auth_rejection_time"`

	// AuthRejectionTimeInitial delays the initial "none" attempt
	// Default: 0s
	AuthRejectionTimeInitial time.Duration `mapstructure:"auth_rejection_time_initial" validate:"gte=0" yaml:"auth_rejection_time_initial"`

	// AuthTimeout bounds a single authenticator lookup
	// Default: 10s
	AuthTimeout time.Duration `mapstructure:"auth_timeout" validate:"gt=0" yaml:"auth_timeout"`

	// MaxAuthTries limits attempts per connection; 0 uses the library default
	MaxAuthTries int `mapstructure:"max_auth_tries" validate:"gte=0" yaml:"max_auth_tries"`

	// KeyExchanges, Ciphers and MACs override algorithm preferences
	KeyExchanges []string `mapstructure:"key_exchanges" yaml:"key_exchanges"`
	Ciphers      []string `mapstructure:"ciphers" yaml:"ciphers"`
	MACs         []string `mapstructure:"macs" yaml:"macs"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// Cache controls caching of authentication decisions
	Cache AuthCacheConfig `mapstructure:"cache" yaml:"cache"`
}

// AuthCacheConfig selects where authentication decisions are cached.
type AuthCacheConfig struct {
	// Backend is none, memory or redis
	// Default: memory
	Backend string `mapstructure:"backend" validate:"required,oneof=none memory redis" yaml:"backend"`

	// TTL is how long a decision is reused
	// Default: 5m
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0" yaml:"ttl"`

	// Redis is used when Backend is redis
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig points at a Redis server or cluster.
type RedisConfig struct {
	// Addrs are host:port pairs; more than one selects cluster mode
	Addrs []string `mapstructure:"addrs" validate:"dive,hostname_port" yaml:"addrs"`

	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0" yaml:"db"`

	// Namespace prefixes every key
	// Default: sshhub:auth:
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, nothing is collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the HTTP listen address for /metrics
	// Default: 127.0.0.1:9100
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr"`
}

// Load reads the configuration.
//
// Parameters:
//   - configPath: YAML file to read; empty means defaults plus environment
//
// Returns:
//   - The validated configuration, or an error if the file cannot be read
//     or a value is invalid
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v)
	setDefaults(v, Default())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the struct tags of cfg and the rules that span fields.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Auth.Cache.Backend == "redis" && len(cfg.Auth.Cache.Redis.Addrs) == 0 {
		return errors.New("auth.cache.redis.addrs is required for the redis backend")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// WriteDefault writes the default configuration as YAML.
//
// Parameters:
//   - path: Destination file
//   - force: Overwrite an existing file
//
// Returns:
//   - ErrConfigExists if path exists and force is false
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrConfigExists)
		}
	}

	var body strings.Builder
	body.WriteString("# sshhub configuration file\n")
	body.WriteString("# Every value can be overridden with SSHHUB_<SECTION>_<KEY>, e.g. SSHHUB_SERVER_LISTEN.\n\n")

	enc := yaml.NewEncoder(&body)
	enc.SetIndent(2)
	if err := enc.Encode(toNode(reflect.ValueOf(*Default()))); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, []byte(body.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")
}

// setDefaults registers every leaf of cfg so environment overrides work
// even when the key is absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	walkLeaves("", reflect.ValueOf(*cfg), func(key string, value any) {
		v.SetDefault(key, value)
	})
}

func walkLeaves(prefix string, rv reflect.Value, fn func(key string, value any)) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		name := rt.Field(i).Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}

		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		field := rv.Field(i)
		if field.Kind() == reflect.Struct {
			walkLeaves(key, field, fn)
			continue
		}
		fn(key, field.Interface())
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// toNode renders a config struct as a YAML node, writing durations in
// their human form ("1h0m0s") rather than as nanoseconds.
func toNode(rv reflect.Value) *yaml.Node {
	if rv.Type() == durationType {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(rv.Int()).String()}
	}

	if rv.Kind() == reflect.Struct {
		n := &yaml.Node{Kind: yaml.MappingNode}
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			name, _, _ := strings.Cut(rt.Field(i).Tag.Get("yaml"), ",")
			if name == "" || name == "-" {
				continue
			}
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
				toNode(rv.Field(i)))
		}
		return n
	}

	n := &yaml.Node{}
	if err := n.Encode(rv.Interface()); err != nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
	return n
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
