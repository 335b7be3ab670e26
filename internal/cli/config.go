package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eunmann/logscan/pkg/aggregate"
	"github.com/eunmann/logscan/pkg/job"
	"github.com/eunmann/logscan/pkg/retry"
	"github.com/eunmann/logscan/pkg/s3fetch"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

const (
	envPrefix  = "LOGSCAN"
	configName = "logscan"
)

// Config is the process configuration assembled from defaults, the config
// file, the environment, and flags, in increasing precedence.
type Config struct {
	DB     DBConfig     `mapstructure:"db"`
	Ingest IngestConfig `mapstructure:"ingest"`
	Bucket BucketConfig `mapstructure:"bucket"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// DBConfig configures the SQLite store.
type DBConfig struct {
	Path          string `mapstructure:"path"`
	Synchronous   string `mapstructure:"synchronous"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
}

// IngestConfig configures parsing and batching.
type IngestConfig struct {
	BatchSize         int      `mapstructure:"batch_size"`
	Levels            []string `mapstructure:"levels"`
	Patterns          []string `mapstructure:"patterns"`
	ResumeInterrupted bool     `mapstructure:"resume_interrupted"`
}

// BucketConfig configures the object store holding customer folders.
type BucketConfig struct {
	Name      string `mapstructure:"name"`
	Retrieval string `mapstructure:"retrieval"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// RetryConfig bounds retries of listing, reads, and whole-file redos.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Debug bool `mapstructure:"debug"`
	Human bool `mapstructure:"human"`
}

func setDefaults(v *viper.Viper) {
	def := store.DefaultConfig("")
	v.SetDefault("db.path", "logscan.db")
	v.SetDefault("db.synchronous", def.Synchronous)
	v.SetDefault("db.busy_timeout_ms", int(def.BusyTimeout/time.Millisecond))

	v.SetDefault("ingest.batch_size", aggregate.DefaultBatchSize)
	v.SetDefault("ingest.levels", []string{})
	v.SetDefault("ingest.patterns", source.DefaultPatterns)
	v.SetDefault("ingest.resume_interrupted", true)

	v.SetDefault("bucket.name", source.DefaultBucket)
	v.SetDefault("bucket.retrieval", string(source.RetrievalStream))
	v.SetDefault("bucket.region", "")
	v.SetDefault("bucket.endpoint", "")
	v.SetDefault("bucket.path_style", false)

	p := retry.DefaultPolicy()
	v.SetDefault("retry.max_attempts", p.MaxAttempts)
	v.SetDefault("retry.base_delay", p.BaseDelay)
	v.SetDefault("retry.max_delay", p.MaxDelay)

	v.SetDefault("server.addr", ":8000")

	v.SetDefault("log.debug", false)
	v.SetDefault("log.human", false)
}

// newViper returns a viper instance with defaults and environment binding.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads path, or logscan.yaml from the working directory when
// path is empty, and decodes the merged settings.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that are not validated by the package
// configs built from them.
func (c Config) Validate() error {
	if c.DB.BusyTimeoutMS < 0 {
		return fmt.Errorf("db.busy_timeout_ms must be non-negative, got %d", c.DB.BusyTimeoutMS)
	}
	if c.Bucket.Name == "" {
		return errors.New("bucket.name is required")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	sc := c.storeConfig()
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := c.jobConfig(nil).Validate(); err != nil {
		return err
	}
	return nil
}

func (c Config) storeConfig() store.Config {
	sc := store.DefaultConfig(c.DB.Path)
	sc.Synchronous = strings.ToUpper(c.DB.Synchronous)
	sc.BusyTimeout = time.Duration(c.DB.BusyTimeoutMS) * time.Millisecond
	return sc
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// jobConfig builds the registry configuration. A nil client disables bucket
// sources.
func (c Config) jobConfig(client *s3fetch.Client) job.Config {
	jc := job.DefaultConfig()
	jc.Source.Patterns = c.Ingest.Patterns
	jc.Source.Bucket = c.Bucket.Name
	jc.Source.Retrieval = source.Retrieval(c.Bucket.Retrieval)
	jc.Source.Retry = c.retryPolicy()
	jc.Source.Client = client
	jc.Source.Download = s3fetch.DefaultDownloaderConfig()
	jc.Aggregate.BatchSize = c.Ingest.BatchSize
	jc.Levels = c.Ingest.Levels
	jc.FileRetry = c.retryPolicy()
	jc.ResumeInterrupted = c.Ingest.ResumeInterrupted
	return jc
}

func (c Config) s3Options() s3fetch.Options {
	return s3fetch.Options{
		Region:    c.Bucket.Region,
		Endpoint:  c.Bucket.Endpoint,
		PathStyle: c.Bucket.PathStyle,
	}
}
