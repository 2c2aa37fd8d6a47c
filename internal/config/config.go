package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the foreman service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	DatabaseURL  string
	ProjectsFile string

	SessionStorageDir string
	AssistantCommand  string
	TmuxSessionPrefix string

	QueuePollInterval time.Duration
	QueueMaxWait      time.Duration
	QueueIdleDelay    time.Duration
	QueueBusyDelay    time.Duration
	// QueueErrorBackoffMax caps the retry delay after repeated store failures.
	QueueErrorBackoffMax time.Duration

	// StreamInterval paces the output stream endpoints.
	StreamInterval time.Duration
	// CommandReplyWait is how long POST .../command waits for a first reply.
	CommandReplyWait time.Duration
	GitTimeout       time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "foreman"),
		AllowAnyOrigin:       false,
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "text"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		ProjectsFile:         envOrDefault("PROJECTS_FILE", "projects.yaml"),
		SessionStorageDir:    envOrDefault("SESSION_STORAGE_DIR", "storage/sessions"),
		AssistantCommand:     envOrDefault("ASSISTANT_COMMAND", "claude"),
		TmuxSessionPrefix:    envOrDefault("TMUX_SESSION_PREFIX", "session"),
		ShutdownTimeout:      15 * time.Second,
		QueuePollInterval:    time.Second,
		QueueMaxWait:         30 * time.Second,
		QueueIdleDelay:       10 * time.Second,
		QueueBusyDelay:       2 * time.Second,
		QueueErrorBackoffMax: 5 * time.Minute,
		StreamInterval:       time.Second,
		CommandReplyWait:     time.Second,
		GitTimeout:           2 * time.Minute,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"QUEUE_POLL_INTERVAL", &cfg.QueuePollInterval},
		{"QUEUE_MAX_WAIT", &cfg.QueueMaxWait},
		{"QUEUE_IDLE_DELAY", &cfg.QueueIdleDelay},
		{"QUEUE_BUSY_DELAY", &cfg.QueueBusyDelay},
		{"QUEUE_ERROR_BACKOFF_MAX", &cfg.QueueErrorBackoffMax},
		{"STREAM_INTERVAL", &cfg.StreamInterval},
		{"COMMAND_REPLY_WAIT", &cfg.CommandReplyWait},
		{"GIT_TIMEOUT", &cfg.GitTimeout},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}

	var err error
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.QueuePollInterval > cfg.QueueMaxWait {
		return Config{}, fmt.Errorf("QUEUE_POLL_INTERVAL (%s) must not exceed QUEUE_MAX_WAIT (%s)", cfg.QueuePollInterval, cfg.QueueMaxWait)
	}
	if strings.ContainsAny(cfg.TmuxSessionPrefix, " \t:.") {
		return Config{}, fmt.Errorf("TMUX_SESSION_PREFIX %q must not contain whitespace, ':' or '.'", cfg.TmuxSessionPrefix)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
