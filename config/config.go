// Package config loads client and server settings from a YAML file, QRPC_* environment
// variables and built-in defaults, in decreasing order of precedence: env, file, default.
//
//	key: demo/service
//	format: text            # text | binary | cbor
//	timeout: 10s
//	log_level: info
//	transport:
//	  driver: tcp           # memory | tcp | etcd
//	  tcp:
//	    listen: 127.0.0.1:7447
//	    connect: 127.0.0.1:7447
//	  etcd:
//	    endpoints: [localhost:2379]
//	    prefix: /query-rpc
//	server:
//	  rate_limit: 0         # requests per second, 0 disables
//	  handler_timeout: 0s
//	  metrics_addr: ""
//	balance:
//	  strategy: round_robin # round_robin | weighted_random | consistent_hash
//	  keys: [calc/1, calc/2]
//	  discover: ""          # etcd only: key prefix to discover replicas under
//
// Nested keys map to env vars with dots replaced by underscores, e.g.
// QRPC_TRANSPORT_ETCD_ENDPOINTS=host1:2379,host2:2379.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"query-rpc/codec"
	"query-rpc/loadbalance"
)

const EnvPrefix = "QRPC"

type Config struct {
	Key       string        `mapstructure:"key" yaml:"key"`
	Format    string        `mapstructure:"format" yaml:"format"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	Transport Transport     `mapstructure:"transport" yaml:"transport"`
	Server    Server        `mapstructure:"server" yaml:"server"`
	Balance   Balance       `mapstructure:"balance" yaml:"balance"`
}

type Transport struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	TCP    TCP    `mapstructure:"tcp" yaml:"tcp"`
	Etcd   Etcd   `mapstructure:"etcd" yaml:"etcd"`
}

type TCP struct {
	Listen    string        `mapstructure:"listen" yaml:"listen"`
	Connect   string        `mapstructure:"connect" yaml:"connect"`
	Heartbeat time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
}

type Etcd struct {
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	TTL         int64         `mapstructure:"ttl" yaml:"ttl"`
}

type Server struct {
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst          int           `mapstructure:"burst" yaml:"burst"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
	MetricsAddr    string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// Balance spreads client calls over replica keys instead of the single Key.
type Balance struct {
	Strategy string   `mapstructure:"strategy" yaml:"strategy"`
	Keys     []string `mapstructure:"keys" yaml:"keys"`
	Discover string   `mapstructure:"discover" yaml:"discover"`
}

// Enabled reports whether calls go through a balancer.
func (b Balance) Enabled() bool {
	return len(b.Keys) > 0 || b.Discover != ""
}

// SetDefaults registers every key with its default, which also makes each key visible
// to environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("key", "query-rpc/service")
	v.SetDefault("format", "text")
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("transport.driver", "tcp")
	v.SetDefault("transport.tcp.listen", "127.0.0.1:7447")
	v.SetDefault("transport.tcp.connect", "127.0.0.1:7447")
	v.SetDefault("transport.tcp.heartbeat", 30*time.Second)
	v.SetDefault("transport.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("transport.etcd.prefix", "/query-rpc")
	v.SetDefault("transport.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("transport.etcd.ttl", 10)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.burst", 1)
	v.SetDefault("server.handler_timeout", time.Duration(0))
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("balance.strategy", "round_robin")
	v.SetDefault("balance.keys", []string{})
	v.SetDefault("balance.discover", "")
}

// New returns a viper instance with defaults and QRPC_* environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadDotEnv loads KEY=value pairs from path into the process environment without
// overriding variables that are already set. An empty path means ".env", which may be
// missing.
func LoadDotEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// Load reads file (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	return Decode(v)
}

// Decode converts the current viper state into a validated Config.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Transport.Etcd.Endpoints = splitList(cfg.Transport.Etcd.Endpoints)
	cfg.Balance.Keys = splitList(cfg.Balance.Keys)
	return cfg, cfg.Validate()
}

// splitList expands a comma-separated env value, which arrives as a single element.
func splitList(list []string) []string {
	if len(list) == 1 && strings.Contains(list[0], ",") {
		return strings.Split(list[0], ",")
	}
	return list
}

func (c Config) Validate() error {
	var errs []error
	if c.Key == "" {
		errs = append(errs, errors.New("key must not be empty"))
	}
	if _, err := codec.ParseFormat(c.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Transport.Driver {
	case "memory", "tcp":
	case "etcd":
		if len(c.Transport.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("transport.etcd.endpoints must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport driver %q", c.Transport.Driver))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if _, err := loadbalance.New(c.Balance.Strategy); err != nil {
		errs = append(errs, err)
	}
	if c.Balance.Discover != "" && c.Transport.Driver != "etcd" {
		errs = append(errs, errors.New("balance.discover requires the etcd driver"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Codec returns the codec selected by Format.
func (c Config) Codec() (codec.Codec, error) {
	t, err := codec.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return codec.GetCodec(t), nil
}

// Level returns the parsed log level, defaulting to info.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Dump renders the effective configuration as YAML that Load accepts back.
func (c Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
