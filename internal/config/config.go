// Package config loads the curiumd daemon configuration from a YAML file
// layered with environment variables. A .env file in the working directory
// is loaded first when present, so local deployments can keep the broker
// URL out of the config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RedisURL  string `yaml:"redis_url" env:"CURIUM_REDIS_URL"`
	Namespace string `yaml:"namespace" env:"CURIUM_NAMESPACE"`
	Debug     bool   `yaml:"debug" env:"CURIUM_DEBUG"`

	// Channels joined in addition to the private and broadcast channels.
	Channels []string `yaml:"channels" env:"CURIUM_CHANNELS"`

	ExpireSeconds      int     `yaml:"expire_seconds" env:"CURIUM_EXPIRE_SECONDS"`
	SendTimeoutSeconds float64 `yaml:"send_timeout_seconds" env:"CURIUM_SEND_TIMEOUT_SECONDS"`
	PingWhileSending   *bool   `yaml:"ping_while_sending" env:"CURIUM_PING_WHILE_SENDING"`

	SweepIntervalSeconds     float64 `yaml:"sweep_interval_seconds" env:"CURIUM_SWEEP_INTERVAL_SECONDS"`
	SleepSeconds             float64 `yaml:"sleep_seconds" env:"CURIUM_SLEEP_SECONDS"`
	NumWorkers               int     `yaml:"num_workers" env:"CURIUM_NUM_WORKERS"`
	ReconnectMaxTries        int     `yaml:"reconnect_max_tries" env:"CURIUM_RECONNECT_MAX_TRIES"`
	ReconnectIntervalSeconds float64 `yaml:"reconnect_interval_seconds" env:"CURIUM_RECONNECT_INTERVAL_SECONDS"`
}

// Load reads the optional YAML file at path (path == "" skips the file),
// overlays environment variables and fills in defaults.
func Load(path string) (*Config, error) {
	// Missing .env files are fine; only the explicit config file must exist.
	_ = godotenv.Load()

	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Set defaults
	if config.RedisURL == "" {
		config.RedisURL = "redis://localhost:6379/0"
	}
	if config.Namespace == "" {
		config.Namespace = "curium"
	}
	if config.ExpireSeconds == 0 {
		config.ExpireSeconds = 120
	}
	if config.SendTimeoutSeconds == 0 {
		config.SendTimeoutSeconds = 10
	}
	if config.SweepIntervalSeconds == 0 {
		config.SweepIntervalSeconds = 0.01
	}
	if config.SleepSeconds == 0 {
		config.SleepSeconds = 0.5
	}
	if config.ReconnectMaxTries == 0 {
		config.ReconnectMaxTries = 10
	}
	if config.ReconnectIntervalSeconds == 0 {
		config.ReconnectIntervalSeconds = 10
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Expire() time.Duration        { return time.Duration(c.ExpireSeconds) * time.Second }
func (c *Config) SendTimeout() time.Duration   { return seconds(c.SendTimeoutSeconds) }
func (c *Config) SweepInterval() time.Duration { return seconds(c.SweepIntervalSeconds) }
func (c *Config) Sleep() time.Duration         { return seconds(c.SleepSeconds) }
func (c *Config) ReconnectInterval() time.Duration {
	return seconds(c.ReconnectIntervalSeconds)
}

// PingEnabled resolves the tri-state ping_while_sending flag (default on).
func (c *Config) PingEnabled() bool {
	return c.PingWhileSending == nil || *c.PingWhileSending
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c *Config) validate() error {
	if c.ExpireSeconds < 0 || c.SendTimeoutSeconds < 0 || c.SleepSeconds < 0 ||
		c.SweepIntervalSeconds < 0 || c.ReconnectIntervalSeconds < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must not be negative")
	}
	if c.ReconnectMaxTries < 1 {
		return fmt.Errorf("reconnect_max_tries must be at least 1")
	}
	return nil
}
