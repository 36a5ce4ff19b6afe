package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "kiln.db"
	defaultMaxWorkers      = 8
	defaultConcurrency     = 4
	defaultPollInterval    = time.Second
	defaultShutdownTimeout = 30 * time.Second

	envPrefix = "KILN"

	// keyDelimiter replaces viper's "." so interpreter keys like ".py" stay flat.
	keyDelimiter = "::"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string     `mapstructure:"listen_addr"`
	DBPath     string     `mapstructure:"db_path"`
	LogLevel   slog.Level `mapstructure:"log_level"`

	// MaxWorkers bounds the number of live worker processes. Zero means unbounded.
	MaxWorkers      int           `mapstructure:"max_workers"`
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Handlers maps handler names to handler program paths.
	Handlers map[string]string `mapstructure:"handlers"`
	// Interpreters maps handler extensions to the command that runs them.
	Interpreters map[string]string `mapstructure:"interpreters"`
}

// New returns a viper instance with defaults set and environment variables
// (KILN_LISTEN_ADDR, KILN_DB_PATH, ...) bound.
func New() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("max_workers", defaultMaxWorkers)
	v.SetDefault("concurrency", defaultConcurrency)
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("job_timeout", time.Duration(0))
	v.SetDefault("shutdown_timeout", defaultShutdownTimeout)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

// ReadFile loads a YAML config file into v. With an empty path, kiln.yaml is
// looked up in the working directory and /etc/kiln and may be absent.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kiln")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kiln")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.Interpreters = normalizeExtensions(cfg.Interpreters)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen_addr is required")
	case c.DBPath == "":
		return errors.New("db_path is required")
	case c.MaxWorkers < 0:
		return fmt.Errorf("max_workers must not be negative, got %d", c.MaxWorkers)
	case c.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	case c.JobTimeout < 0:
		return fmt.Errorf("job_timeout must not be negative, got %s", c.JobTimeout)
	}
	for name, path := range c.Handlers {
		if path == "" {
			return fmt.Errorf("handler %q has no path", name)
		}
	}
	return nil
}

// normalizeExtensions accepts interpreter keys with or without the leading dot.
func normalizeExtensions(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for ext, cmd := range m {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[strings.ToLower(ext)] = cmd
	}
	return out
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
