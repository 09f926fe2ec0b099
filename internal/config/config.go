// Package config loads application settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRANSFER_SCHEDULER_RCLONE_URL
const EnvPrefix = "TRANSFER_SCHEDULER"

type Config struct {
	App      AppConfig
	Log      LogConfig
	Rclone   RcloneConfig
	Executor ExecutorConfig
	NATS     NATSConfig
	History  HistoryConfig
	Metrics  MetricsConfig
	API      APIConfig
	Remotes  RemotesConfig
}

type AppConfig struct {
	Name string
	// Timezone is an IANA zone name; empty means the host's local zone
	Timezone string
}

type LogConfig struct {
	Development bool
}

type RcloneConfig struct {
	URL     string
	User    string
	Pass    string
	Timeout time.Duration
}

type ExecutorConfig struct {
	MaxConcurrent int
	PollInterval  time.Duration
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type HistoryConfig struct {
	Enabled   bool
	Path      string
	Retention time.Duration
}

type MetricsConfig struct {
	Interval time.Duration
}

type APIConfig struct {
	Addr string
}

type RemotesConfig struct {
	Path string
}

// Location resolves the configured timezone
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

// Load reads configuration from path (or config/config.yaml when path is
// empty) and applies environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Timezone: v.GetString("app.timezone"),
		},
		Log: LogConfig{
			Development: v.GetBool("log.development"),
		},
		Rclone: RcloneConfig{
			URL:     v.GetString("rclone.url"),
			User:    v.GetString("rclone.user"),
			Pass:    v.GetString("rclone.pass"),
			Timeout: v.GetDuration("rclone.timeout"),
		},
		Executor: ExecutorConfig{
			MaxConcurrent: v.GetInt("executor.max_concurrent"),
			PollInterval:  v.GetDuration("executor.poll_interval"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Enabled: v.GetBool("nats.enabled"),
		},
		History: HistoryConfig{
			Enabled:   v.GetBool("history.enabled"),
			Path:      v.GetString("history.path"),
			Retention: v.GetDuration("history.retention"),
		},
		Metrics: MetricsConfig{
			Interval: v.GetDuration("metrics.interval"),
		},
		API: APIConfig{
			Addr: v.GetString("api.addr"),
		},
		Remotes: RemotesConfig{
			Path: v.GetString("remotes.path"),
		},
	}

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "transfer-scheduler")
	v.SetDefault("app.timezone", "")
	v.SetDefault("log.development", false)
	v.SetDefault("rclone.url", "http://127.0.0.1:5572")
	v.SetDefault("rclone.user", "")
	v.SetDefault("rclone.pass", "")
	v.SetDefault("rclone.timeout", 30*time.Second)
	v.SetDefault("executor.max_concurrent", 4)
	v.SetDefault("executor.poll_interval", 5*time.Second)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "task_history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("metrics.interval", 30*time.Second)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("remotes.path", "config/remotes.json")
}
