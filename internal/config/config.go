// Package config decodes the worker configuration (spec §6.5) from
// TOML/YAML/JSON using the teacher's viper+mapstructure idiom
// (internal/config.LoadConfig, decodeTo[T] generic decoder).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/agenda/internal/history"
	"github.com/loykin/agenda/internal/history/factory"
	"github.com/loykin/agenda/internal/processor"
)

// Config is the full worker configuration: the processor tunables of spec
// §6.5 plus the ambient sections (repository backend, notification
// channel, run history, metrics, logging, REST control plane).
type Config struct {
	WorkerName string `mapstructure:"worker_name"`

	ProcessEvery        string `mapstructure:"process_every"`
	DefaultConcurrency  int    `mapstructure:"default_concurrency"`
	MaxConcurrency      int    `mapstructure:"max_concurrency"`
	DefaultLockLimit    int    `mapstructure:"default_lock_limit"`
	TotalLockLimit      int    `mapstructure:"total_lock_limit"`
	DefaultLockLifetime string `mapstructure:"default_lock_lifetime"`
	StopTimeout         string `mapstructure:"stop_timeout"`

	Repository RepositoryConfig `mapstructure:"repository"`
	Notify     *NotifyConfig    `mapstructure:"notify"`
	History    *HistoryConfig   `mapstructure:"history"`
	Metrics    *MetricsConfig   `mapstructure:"metrics"`
	Log        *LogConfig       `mapstructure:"log"`
	Server     *ServerConfig    `mapstructure:"server"`

	configPath string
}

// RepositoryConfig selects and addresses the JobRepository backend (spec
// component D).
type RepositoryConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `mapstructure:"dsn"`
	// Options carries driver-specific settings (e.g. postgres pool sizing)
	// not common to every backend; decode it with DecodeOptions.
	Options map[string]any `mapstructure:"options"`
}

// DecodeOptions decodes a driver-specific options map into T, following the
// teacher's decodeTo[T] generic mapstructure decoder pattern.
func DecodeOptions[T any](m map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

// NotifyConfig selects and addresses the optional NotificationChannel
// (spec §6.2).
type NotifyConfig struct {
	Driver string `mapstructure:"driver"` // "local" (default) or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// HistoryConfig enables fanning run outcomes out to a history.Sink,
// independent of the Job record's own lastRunAt/failReason fields.
type HistoryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Sink            string `mapstructure:"sink"` // "sqlite", "postgres", "clickhouse", "opensearch"
	DSN             string `mapstructure:"dsn"`
	OpenSearchURL   string `mapstructure:"opensearch_url"`
	OpenSearchIndex string `mapstructure:"opensearch_index"`
	ClickHouseURL   string `mapstructure:"clickhouse_url"`
	ClickHouseTable string `mapstructure:"clickhouse_table"`
}

// BuildSink builds the history.Sink this configuration describes, if
// Enabled. It routes through internal/history/factory.NewSinkFromDSN,
// translating the sink-specific fields into the DSN forms the factory
// understands.
func (c *HistoryConfig) BuildSink() (history.Sink, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	switch c.Sink {
	case "clickhouse":
		return factory.NewSinkFromDSN(fmt.Sprintf("clickhouse://%s?table=%s", trimScheme(c.ClickHouseURL), c.ClickHouseTable))
	case "opensearch":
		return factory.NewSinkFromDSN(strings.Replace(c.OpenSearchURL, "http", "opensearch", 1) + "/" + c.OpenSearchIndex)
	case "postgres":
		return factory.NewSinkFromDSN(c.DSN)
	default:
		return factory.NewSinkFromDSN(c.DSN)
	}
}

func trimScheme(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[i+3:]
	}
	return u
}

// MetricsConfig controls the Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig mirrors the teacher's internal/config.LogConfig: a console
// handler in dev, a lumberjack-rotated file handler in production.
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig controls the REST control plane (internal/server).
// AuthSecret, if set, requires a bearer JWT signed with it on every route.
type ServerConfig struct {
	Listen        string      `mapstructure:"listen"`
	BasePath      string      `mapstructure:"base_path"`
	AuthSecret    string      `mapstructure:"auth_secret"`
	TLS           *TLSConfig  `mapstructure:"tls"`
	TLSMinVersion string      `mapstructure:"tls_min_version"`
	TLSMaxVersion string      `mapstructure:"tls_max_version"`
}

// TLSConfig controls internal/tls's certificate setup for the REST control
// plane listener.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS parameterizes a self-signed certificate internal/tls creates
// when AutoGenerate is set and no certificate exists yet at Dir.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

func (c *Config) setDefaults() {
	if c.ProcessEvery == "" {
		c.ProcessEvery = "5s"
	}
	if c.DefaultConcurrency == 0 {
		c.DefaultConcurrency = 5
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 20
	}
	if c.DefaultLockLifetime == "" {
		c.DefaultLockLifetime = "10m"
	}
	if c.Repository.Driver == "" {
		c.Repository.Driver = "sqlite"
	}
	if c.Notify != nil && c.Notify.Driver == "" {
		c.Notify.Driver = "local"
	}
}

// LoadConfig reads and decodes the worker configuration at configPath,
// applying spec §6.5's defaults for any field left unset.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{configPath: configPath}
	if err := parseConfigFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.setDefaults()
	if _, err := cfg.ToProcessorConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfigFile(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// ToProcessorConfig translates the decoded duration strings and limits
// into a processor.Config, the orchestrator's Construct-time input (spec
// §4.I).
func (c *Config) ToProcessorConfig() (processor.Config, error) {
	processEvery, err := time.ParseDuration(c.ProcessEvery)
	if err != nil {
		return processor.Config{}, fmt.Errorf("invalid process_every %q: %w", c.ProcessEvery, err)
	}
	lockLifetime, err := time.ParseDuration(c.DefaultLockLifetime)
	if err != nil {
		return processor.Config{}, fmt.Errorf("invalid default_lock_lifetime %q: %w", c.DefaultLockLifetime, err)
	}
	var stopTimeout time.Duration
	if c.StopTimeout != "" {
		stopTimeout, err = time.ParseDuration(c.StopTimeout)
		if err != nil {
			return processor.Config{}, fmt.Errorf("invalid stop_timeout %q: %w", c.StopTimeout, err)
		}
	}
	return processor.Config{
		WorkerName:          c.WorkerName,
		ProcessEvery:        processEvery,
		DefaultConcurrency:  c.DefaultConcurrency,
		MaxConcurrency:      c.MaxConcurrency,
		DefaultLockLimit:    c.DefaultLockLimit,
		TotalLockLimit:      c.TotalLockLimit,
		DefaultLockLifetime: lockLifetime,
		StopTimeout:         stopTimeout,
	}, nil
}

// LogPath resolves a log-file path relative to the config file's own
// directory, the same convention the teacher's applyGlobalLogDefaults
// uses for process log paths.
func (c *Config) LogPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(c.configPath), p)
}
