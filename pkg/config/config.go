package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Backend   BackendConfig   `mapstructure:"backend"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Trust     TrustConfig     `mapstructure:"trust"`
	CSRF      CSRFConfig      `mapstructure:"csrf"`
	Security  SecurityConfig  `mapstructure:"security"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BackendConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	EventsURL       string        `mapstructure:"events_url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// EndpointLimit overrides the default window for a single form endpoint.
type EndpointLimit struct {
	MaxRequests   int           `mapstructure:"max_requests"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

type RateLimitConfig struct {
	MaxRequests   int                      `mapstructure:"max_requests"`
	Window        time.Duration            `mapstructure:"window"`
	BlockDuration time.Duration            `mapstructure:"block_duration"`
	StoragePath   string                   `mapstructure:"storage_path"`
	Endpoints     map[string]EndpointLimit `mapstructure:"endpoints"`
}

type TrustConfig struct {
	VerifyInterval       time.Duration `mapstructure:"verify_interval"`
	SessionCheckInterval time.Duration `mapstructure:"session_check_interval"`
	MinTrustScore        int           `mapstructure:"min_trust_score"`
}

type CSRFConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type SecurityConfig struct {
	SensitiveFields []string `mapstructure:"sensitive_fields"`
	FallbackKey     string   `mapstructure:"fallback_key"`
}

var globalConfig Config

func Load(configPath string) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No file is fine, environment variables still apply.
	}

	if err := viper.Unmarshal(&globalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaultValues()

	return nil
}

func setDefaultValues() {
	if globalConfig.Server.Port == 0 {
		globalConfig.Server.Port = 8080
	}
	if globalConfig.Server.MetricsPort == 0 {
		globalConfig.Server.MetricsPort = 9090
	}
	if globalConfig.Backend.Timeout == 0 {
		globalConfig.Backend.Timeout = 10 * time.Second
	}
	if globalConfig.Backend.BreakerFailures == 0 {
		globalConfig.Backend.BreakerFailures = 5
	}
	if globalConfig.Backend.BreakerTimeout == 0 {
		globalConfig.Backend.BreakerTimeout = 30 * time.Second
	}
	if globalConfig.RateLimit.MaxRequests == 0 {
		globalConfig.RateLimit.MaxRequests = 5
	}
	if globalConfig.RateLimit.Window == 0 {
		globalConfig.RateLimit.Window = time.Minute
	}
	if globalConfig.RateLimit.BlockDuration == 0 {
		globalConfig.RateLimit.BlockDuration = 30 * time.Minute
	}
	if globalConfig.RateLimit.StoragePath == "" {
		globalConfig.RateLimit.StoragePath = "data/ratelimit.json"
	}
	if globalConfig.Trust.VerifyInterval == 0 {
		globalConfig.Trust.VerifyInterval = 30 * time.Second
	}
	if globalConfig.Trust.SessionCheckInterval == 0 {
		globalConfig.Trust.SessionCheckInterval = 5 * time.Minute
	}
	if globalConfig.Trust.MinTrustScore == 0 {
		globalConfig.Trust.MinTrustScore = 70
	}
	if globalConfig.CSRF.TokenTTL == 0 {
		globalConfig.CSRF.TokenTTL = time.Hour
	}
	if len(globalConfig.Security.SensitiveFields) == 0 {
		globalConfig.Security.SensitiveFields = []string{
			"ssn", "tax_id", "account_number", "routing_number",
		}
	}
}

func GetConfig() *Config {
	return &globalConfig
}
