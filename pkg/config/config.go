// Package config loads rhythm's layered configuration: environment
// variables, then a config file, then built-in defaults. Command-line
// flags are not read here.
// Grounded on marmos91-dittofs/pkg/config (viper + mapstructure, a
// DecodeHook for human-readable durations, XDG-aware default path
// resolution), trimmed to rhythm's own component set.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EventBusConfig configures the event bus (C1).
type EventBusConfig struct {
	// HandlerPanicIsFatal is loaded but not read by pkg/eventbus, whose
	// dispatch always recovers a panicking handler, logs it, and
	// continues to the remaining handlers. Defaults to false.
	HandlerPanicIsFatal bool `mapstructure:"handler_panic_is_fatal" yaml:"handler_panic_is_fatal"`
}

// SecurityConfig configures message signing (C4).
type SecurityConfig struct {
	// FixedKeyHex, if set, is used as the HMAC key instead of a
	// process-random one. Intended for multi-process demos/tests where
	// every tab must share a key; production deployments leave it empty.
	FixedKeyHex        string        `mapstructure:"fixed_key_hex" yaml:"fixed_key_hex"`
	FreshnessWindow    time.Duration `mapstructure:"freshness_window" yaml:"freshness_window"`
	NonceCacheCapacity int           `mapstructure:"nonce_cache_capacity" yaml:"nonce_cache_capacity"`
}

// QuotaConfig configures byte accounting and tier boundaries (C5).
type QuotaConfig struct {
	TotalBytes     int64         `mapstructure:"total_bytes" yaml:"total_bytes"`
	WarningPercent float64       `mapstructure:"warning_percent" yaml:"warning_percent"`
	CriticalPercent float64      `mapstructure:"critical_percent" yaml:"critical_percent"`
	ExceededPercent float64      `mapstructure:"exceeded_percent" yaml:"exceeded_percent"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// StorageConfig configures the storage backend (C6).
type StorageConfig struct {
	BoltPath           string        `mapstructure:"bolt_path" yaml:"bolt_path"`
	FallbackFilePath   string        `mapstructure:"fallback_file_path" yaml:"fallback_file_path"`
	ConnectionRetries  int           `mapstructure:"connection_retries" yaml:"connection_retries"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
}

// TxnConfig configures the transaction manager (C7).
type TxnConfig struct {
	MemoryCompensationLogCap int `mapstructure:"memory_compensation_log_cap" yaml:"memory_compensation_log_cap"`
}

// MigrationConfig configures the one-shot legacy migration (C8).
type MigrationConfig struct {
	LegacyKeys []string `mapstructure:"legacy_keys" yaml:"legacy_keys"`
}

// DegradationConfig configures the degradation controller (C9).
type DegradationConfig struct {
	CleanupBatchSize     int     `mapstructure:"cleanup_batch_size" yaml:"cleanup_batch_size"`
	CleanupStopRatio     float64 `mapstructure:"cleanup_stop_ratio" yaml:"cleanup_stop_ratio"`
	SampleInterval       time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
}

// LockConfig configures named operation locks (C10).
type LockConfig struct {
	DefaultAcquireTimeout time.Duration `mapstructure:"default_acquire_timeout" yaml:"default_acquire_timeout"`
}

// QueueConfig configures the operation queue (C11).
type QueueConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxPreCheckRetries int           `mapstructure:"max_pre_check_retries" yaml:"max_pre_check_retries"`
	ProcessInterval    time.Duration `mapstructure:"process_interval" yaml:"process_interval"`
}

// CoordinatorConfig configures the tab coordinator (C12).
type CoordinatorConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold" yaml:"stale_threshold"`
	ClaimTimeout      time.Duration `mapstructure:"claim_timeout" yaml:"claim_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`
}

// SessionConfig configures session lifecycle behavior (C13).
type SessionConfig struct {
	SaveDebounce         time.Duration `mapstructure:"save_debounce" yaml:"save_debounce"`
	EmergencyBackupMaxAge time.Duration `mapstructure:"emergency_backup_max_age" yaml:"emergency_backup_max_age"`
}

// LoggingConfig configures pkg/log.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// MetricsConfig configures the /metrics and /healthz HTTP surface.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Config is the root configuration object.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	EventBus    EventBusConfig    `mapstructure:"event_bus" yaml:"event_bus"`
	Security    SecurityConfig    `mapstructure:"security" yaml:"security"`
	Quota       QuotaConfig       `mapstructure:"quota" yaml:"quota"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Txn         TxnConfig         `mapstructure:"txn" yaml:"txn"`
	Migration   MigrationConfig   `mapstructure:"migration" yaml:"migration"`
	Degradation DegradationConfig `mapstructure:"degradation" yaml:"degradation"`
	Lock        LockConfig        `mapstructure:"lock" yaml:"lock"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
}

// ApplyDefaults fills in every field the config file/env/flags left at
// its zero value with a sensible production default.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Security.FreshnessWindow == 0 {
		c.Security.FreshnessWindow = 5 * time.Second
	}
	if c.Security.NonceCacheCapacity == 0 {
		c.Security.NonceCacheCapacity = 1000
	}
	if c.Quota.TotalBytes == 0 {
		c.Quota.TotalBytes = 100 * 1024 * 1024
	}
	if c.Quota.WarningPercent == 0 {
		c.Quota.WarningPercent = 0.75
	}
	if c.Quota.CriticalPercent == 0 {
		c.Quota.CriticalPercent = 0.90
	}
	if c.Quota.ExceededPercent == 0 {
		c.Quota.ExceededPercent = 0.95
	}
	if c.Quota.PollInterval == 0 {
		c.Quota.PollInterval = 2 * time.Second
	}
	if c.Storage.BoltPath == "" {
		c.Storage.BoltPath = "rhythm.db"
	}
	if c.Storage.FallbackFilePath == "" {
		c.Storage.FallbackFilePath = "rhythm-fallback.json"
	}
	if c.Storage.ConnectionRetries == 0 {
		c.Storage.ConnectionRetries = 3
	}
	if c.Storage.ConnectionTimeout == 0 {
		c.Storage.ConnectionTimeout = 5 * time.Second
	}
	if c.Txn.MemoryCompensationLogCap == 0 {
		c.Txn.MemoryCompensationLogCap = 100
	}
	if len(c.Migration.LegacyKeys) == 0 {
		c.Migration.LegacyKeys = []string{"legacy_settings", "legacy_personality", "legacy_tokens"}
	}
	if c.Degradation.CleanupBatchSize == 0 {
		c.Degradation.CleanupBatchSize = 25
	}
	if c.Degradation.CleanupStopRatio == 0 {
		c.Degradation.CleanupStopRatio = 0.10
	}
	if c.Degradation.SampleInterval == 0 {
		c.Degradation.SampleInterval = 2 * time.Second
	}
	if c.Lock.DefaultAcquireTimeout == 0 {
		c.Lock.DefaultAcquireTimeout = 10 * time.Second
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = 250 * time.Millisecond
	}
	if c.Queue.MaxPreCheckRetries == 0 {
		c.Queue.MaxPreCheckRetries = 10
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = 50 * time.Millisecond
	}
	if c.Coordinator.HeartbeatInterval == 0 {
		c.Coordinator.HeartbeatInterval = 5 * time.Second
	}
	if c.Coordinator.StaleThreshold == 0 {
		c.Coordinator.StaleThreshold = 15 * time.Second
	}
	if c.Coordinator.ClaimTimeout == 0 {
		c.Coordinator.ClaimTimeout = 3 * time.Second
	}
	if c.Coordinator.ReconnectAttempts == 0 {
		c.Coordinator.ReconnectAttempts = 5
	}
	if c.Coordinator.ReconnectBackoff == 0 {
		c.Coordinator.ReconnectBackoff = time.Second
	}
	if c.Session.SaveDebounce == 0 {
		c.Session.SaveDebounce = 500 * time.Millisecond
	}
	if c.Session.EmergencyBackupMaxAge == 0 {
		c.Session.EmergencyBackupMaxAge = time.Hour
	}
}

// Validate sanity-checks a loaded config.
func (c *Config) Validate() error {
	if c.Quota.TotalBytes <= 0 {
		return errors.New("config: quota.total_bytes must be positive")
	}
	if !(c.Quota.WarningPercent < c.Quota.CriticalPercent && c.Quota.CriticalPercent < c.Quota.ExceededPercent) {
		return errors.New("config: quota tier boundaries must be strictly increasing")
	}
	return nil
}

// Load reads configuration from configPath (if non-empty and present),
// layering environment variables (prefix RHYTHM_) and defaults on top,
// following marmos91-dittofs/pkg/config.Load's viper setup.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load but panics on error, for use in cmd/rhythmd's
// serve command where a config error is unrecoverable.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("RHYTHM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so bind every
	// section.field key explicitly for RHYTHM_* variables to apply.
	root := reflect.TypeOf(Config{})
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			_ = v.BindEnv(section.Tag.Get("mapstructure") + "." + section.Type.Field(j).Tag.Get("mapstructure"))
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("rhythm")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, configPath string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		// No config file is fine; flags/env/defaults carry the rest.
		return nil
	}
	if configPath == "" && os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("config: read config file: %w", err)
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationDecodeHook parses plain integers (2500) and numeric-string
// durations ("30", "1500") as a count of milliseconds, letting config
// files use plain millisecond constants while still accepting Go
// duration strings like "5s".
func durationDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
	case reflect.String:
		s, _ := data.(string)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return time.ParseDuration(s)
	}
	return data, nil
}

// configDir resolves a per-user config directory, preferring
// XDG_CONFIG_HOME, matching marmos91-dittofs/pkg/config.getConfigDir.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rhythm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rhythm"), nil
}
