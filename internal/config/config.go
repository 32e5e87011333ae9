// Package config loads engine configuration from an optional gridci.yaml
// file and GRIDCI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine configuration. Pipeline definitions are loaded
// separately; this covers only how the engine itself behaves.
type Config struct {
	// Workers bounds how many jobs run concurrently within one run.
	Workers int `mapstructure:"workers"`

	// DefaultStepTimeout applies to steps that declare no timeout, e.g. "30m".
	DefaultStepTimeout string `mapstructure:"default_step_timeout"`

	// QueuePolicy applies when a run arrives for a busy concurrency group
	// and the pipeline did not request preemption: "queue" or "reject".
	QueuePolicy string `mapstructure:"queue_policy"`

	Log       Log       `mapstructure:"log"`
	Artifacts Artifacts `mapstructure:"artifacts"`
	Server    Server    `mapstructure:"server"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Artifacts configures the per-run store and the persistence collaborator.
type Artifacts struct {
	// Overwrite allows a second Put under an existing name. Off by
	// default: collisions are an explicit error, never a silent pick.
	Overwrite bool `mapstructure:"overwrite"`

	// Persist selects the persistence backend: "none", "fs" or "s3".
	Persist string `mapstructure:"persist"`

	// Dir is the root for the fs backend.
	Dir string `mapstructure:"dir"`

	S3 S3 `mapstructure:"s3"`
}

// S3 configures the s3 persistence backend.
type S3 struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Server configures the HTTP trigger/report surface.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration. A missing config file is fine; defaults and
// environment variables still apply. An explicit path is required to exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("workers", 4)
	v.SetDefault("default_step_timeout", "30m")
	v.SetDefault("queue_policy", "queue")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("artifacts.overwrite", false)
	v.SetDefault("artifacts.persist", "none")
	v.SetDefault("artifacts.dir", ".gridci/artifacts")
	v.SetDefault("server.addr", ":8420")

	v.SetEnvPrefix("GRIDCI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	} else {
		v.SetConfigName("gridci")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if _, err := time.ParseDuration(c.DefaultStepTimeout); err != nil {
		return fmt.Errorf("invalid default_step_timeout: %w", err)
	}
	switch c.QueuePolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("queue_policy must be 'queue' or 'reject', got %q", c.QueuePolicy)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be 'debug', 'info', 'warn' or 'error', got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got %q", c.Log.Format)
	}
	switch c.Artifacts.Persist {
	case "none", "fs":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return errors.New("artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("artifacts.persist must be 'none', 'fs' or 's3', got %q", c.Artifacts.Persist)
	}
	return nil
}

// StepTimeout returns the parsed default step timeout.
func (c *Config) StepTimeout() time.Duration {
	d, _ := time.ParseDuration(c.DefaultStepTimeout)
	return d
}
