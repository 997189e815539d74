// Package config loads the queryset CLI configuration from a YAML file, .env
// files and the process environment, in increasing precedence. Command-line
// flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment keys.
const (
	EnvEndpoint   = "QUERYSET_ENDPOINT"
	EnvWSEndpoint = "QUERYSET_WS_ENDPOINT"
	EnvLogLevel   = "QUERYSET_LOG_LEVEL"
	EnvToken      = "QUERYSET_TOKEN"
	EnvRetries    = "QUERYSET_RETRIES"
)

// Config is the CLI configuration.
type Config struct {
	Endpoint    string            `yaml:"endpoint"`
	WSEndpoint  string            `yaml:"ws_endpoint,omitempty"`
	Token       string            `yaml:"token,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Retries     int               `yaml:"retries,omitempty"`
	UseGET      bool              `yaml:"use_get,omitempty"`
	FetchPolicy string            `yaml:"fetch_policy,omitempty"`
	ErrorPolicy string            `yaml:"error_policy,omitempty"`
	CacheSize   int               `yaml:"cache_size,omitempty"`
	LogLevel    string            `yaml:"log_level,omitempty"`
	MetricsAddr string            `yaml:"metrics_addr,omitempty"`
	OTel        OTel              `yaml:"otel,omitempty"`
}

type OTel struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Service  string `yaml:"service,omitempty"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Timeout:  30 * time.Second,
		LogLevel: "info",
		OTel:     OTel{Service: "queryset"},
	}
}

// Load reads path over Default and then applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnv loads .env files into the process environment without overriding
// variables that are already set. Missing files are skipped.
func LoadEnv(logger *logrus.Logger, files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logger.WithError(err).Warnf("failed to load %s", file)
			continue
		}
		logger.Debugf("loaded env file %s", file)
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv(EnvWSEndpoint); v != "" {
		c.WSEndpoint = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetries, err)
		}
		c.Retries = n
	}
	return nil
}

// ErrNoEndpoint is returned by Validate when no endpoint is configured.
var ErrNoEndpoint = errors.New("config: no endpoint configured")

// Validate checks the fields every command needs.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.Retries < 0 {
		return fmt.Errorf("config: retries must not be negative, got %d", c.Retries)
	}
	return nil
}

// RequestHeaders returns the static headers to send, including the bearer
// token when one is set.
func (c Config) RequestHeaders() map[string]string {
	out := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		out[k] = v
	}
	if c.Token != "" {
		out["Authorization"] = "Bearer " + c.Token
	}
	return out
}
