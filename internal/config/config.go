package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the integration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type APIConfig struct {
	// Environment selects the upstream API: "production" or "sandbox"
	Environment    string `mapstructure:"environment"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	ZipCode        string `mapstructure:"zip_code"`
	ContractID     string `mapstructure:"contract_id"`
	UserID         string `mapstructure:"user_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type RateLimitConfig struct {
	// Capacity is how many upstream calls may start per window
	Capacity      int `mapstructure:"capacity"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	// DSN is a lib/pq connection string; empty selects the in-memory store
	DSN string `mapstructure:"dsn"`
}

type SchedulerConfig struct {
	JitterSeconds int `mapstructure:"jitter_seconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand ${VAR} references so secrets can live in the environment
	expanded := os.ExpandEnv(string(data))

	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.API.Environment != "production" && c.API.Environment != "sandbox" {
		return fmt.Errorf("invalid api environment: %q", c.API.Environment)
	}
	if c.API.ClientID == "" || c.API.ClientSecret == "" {
		return fmt.Errorf("api client_id and client_secret are required")
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit capacity must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.environment", "production")
	v.SetDefault("api.timeout_seconds", 30)

	v.SetDefault("rate_limit.capacity", 10)
	v.SetDefault("rate_limit.window_seconds", 60)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("scheduler.jitter_seconds", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
