package config

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type RPCConfig struct {
	Primary   string   `mapstructure:"primary"`
	Fallbacks []string `mapstructure:"fallbacks"`
}

type FailoverConfig struct {
	FailureThreshold      int    `mapstructure:"failure_threshold"`
	CircuitCooldown       string `mapstructure:"circuit_cooldown"`
	RateLimitCooldown     string `mapstructure:"rate_limit_cooldown"`
	RequestTimeout        string `mapstructure:"request_timeout"`
	MaxRetriesPerEndpoint int    `mapstructure:"max_retries_per_endpoint"`
	BaseBackoff           string `mapstructure:"base_backoff"`
	MaxBackoff            string `mapstructure:"max_backoff"`
	LastResort            bool   `mapstructure:"last_resort"`
}

type HealthProbeConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
	Method   string `mapstructure:"method"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RPC         RPCConfig         `mapstructure:"rpc"`
	Failover    FailoverConfig    `mapstructure:"failover"`
	HealthProbe HealthProbeConfig `mapstructure:"health_probe"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

func Load() (*Config, error) {
	viper.SetDefault("server.environment", EnvDev)
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("failover.failure_threshold", 3)
	viper.SetDefault("failover.circuit_cooldown", "30s")
	viper.SetDefault("failover.rate_limit_cooldown", "60s")
	viper.SetDefault("failover.request_timeout", "10s")
	viper.SetDefault("failover.max_retries_per_endpoint", 1)
	viper.SetDefault("failover.base_backoff", "500ms")
	viper.SetDefault("failover.max_backoff", "5s")
	viper.SetDefault("failover.last_resort", true)
	viper.SetDefault("health_probe.enabled", false)
	viper.SetDefault("health_probe.interval", "15s")
	viper.SetDefault("health_probe.method", "getHealth")
	viper.SetDefault("logging.level", LogLevelInfo)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.RPC,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RPCConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an RPCConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.Primary,
						validation.Required,
						validation.By(validateEndpointURL),
					),
					validation.Field(&rc.Fallbacks,
						validation.Each(validation.By(validateEndpointURL)),
					),
				)
			}),
		),
		validation.Field(&c.Failover,
			validation.Required,
			validation.By(func(value interface{}) error {
				fc, ok := value.(FailoverConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a FailoverConfig")
				}
				return validation.ValidateStruct(&fc,
					validation.Field(&fc.FailureThreshold,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&fc.CircuitCooldown,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&fc.RateLimitCooldown,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&fc.RequestTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&fc.MaxRetriesPerEndpoint,
						validation.Min(-1),
					),
					validation.Field(&fc.BaseBackoff,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&fc.MaxBackoff,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.HealthProbe,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthProbeConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthProbeConfig")
				}
				if !hc.Enabled {
					return nil
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&hc.Method,
						validation.Required,
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 500ms, 30s, 1m)")
	}

	return nil
}

func validateEndpointURL(value interface{}) error {
	endpointURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if endpointURL == "" {
		return validation.NewError("validation_empty_url", "endpoint URL cannot be empty")
	}

	parsedURL, err := url.Parse(endpointURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
