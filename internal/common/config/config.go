// Package config loads steward subsystem configuration using spf13/viper:
// a struct tree with mapstructure tags, defaults set in code, and optional
// env var / file overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object for the steward daemon.
type Config struct {
	Merge        MergeConfig        `mapstructure:"merge"`
	Docs         DocsConfig         `mapstructure:"docs"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	SessionGuard SessionGuardConfig `mapstructure:"sessionGuard"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	History      HistoryConfig      `mapstructure:"history"`
	EventStream  EventStreamConfig  `mapstructure:"eventstream"`
}

// MergeConfig configures the Merge Steward.
type MergeConfig struct {
	TestCommand             string `mapstructure:"testCommand"`
	TestTimeoutMs           int    `mapstructure:"testTimeoutMs"`
	AutoMerge               bool   `mapstructure:"autoMerge"`
	AutoCleanup             bool   `mapstructure:"autoCleanup"`
	DeleteBranchAfterMerge  bool   `mapstructure:"deleteBranchAfterMerge"`
	MergeStrategy           string `mapstructure:"mergeStrategy"`
	AutoPushAfterMerge      bool   `mapstructure:"autoPushAfterMerge"`
	TargetBranch            string `mapstructure:"targetBranch"`
	StewardEntityID         string `mapstructure:"stewardEntityId"`
}

// TestTimeout returns the configured test timeout as a time.Duration.
func (m MergeConfig) TestTimeout() time.Duration {
	return time.Duration(m.TestTimeoutMs) * time.Millisecond
}

// DocsConfig configures the Docs Steward.
type DocsConfig struct {
	DocsDir    string   `mapstructure:"docsDir"`
	SourceDirs []string `mapstructure:"sourceDirs"`
	AutoPush   bool     `mapstructure:"autoPush"`
}

// SchedulerConfig configures the Scheduler.
type SchedulerConfig struct {
	MaxHistoryPerSteward int  `mapstructure:"maxHistoryPerSteward"`
	DefaultTimeoutMs     int  `mapstructure:"defaultTimeoutMs"`
	StartImmediately     bool `mapstructure:"startImmediately"`
}

// DefaultTimeout returns the configured default steward execution timeout.
func (s SchedulerConfig) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutMs) * time.Millisecond
}

// SessionGuardConfig configures the Session Monitor.
type SessionGuardConfig struct {
	IdleTimeoutMs   int `mapstructure:"idleTimeoutMs"`
	MaxDurationMs   int `mapstructure:"maxDurationMs"`
}

func (s SessionGuardConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

func (s SessionGuardConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationMs) * time.Millisecond
}

// LoggingConfig configures internal/common/logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig configures internal/common/tracing.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// HistoryConfig selects and configures the execution history backend.
type HistoryConfig struct {
	Backend    string `mapstructure:"backend"` // memory | sqlite | postgres
	SQLitePath string `mapstructure:"sqlitePath"`
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// EventStreamConfig configures the optional websocket event hub.
type EventStreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from (in order of increasing precedence) built-in
// defaults, an optional config file, and STEWARD_-prefixed environment
// variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("steward")
	v.SetConfigType("yaml")
	v.AddConfigPath(".stoneforge")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STEWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("merge.testCommand", "npm test")
	v.SetDefault("merge.testTimeoutMs", 300000)
	v.SetDefault("merge.autoMerge", true)
	v.SetDefault("merge.autoCleanup", true)
	v.SetDefault("merge.deleteBranchAfterMerge", true)
	v.SetDefault("merge.mergeStrategy", "squash")
	v.SetDefault("merge.autoPushAfterMerge", true)

	v.SetDefault("docs.docsDir", "docs")
	v.SetDefault("docs.sourceDirs", []string{"packages", "apps"})
	v.SetDefault("docs.autoPush", true)

	v.SetDefault("scheduler.maxHistoryPerSteward", 100)
	v.SetDefault("scheduler.defaultTimeoutMs", 300000)
	v.SetDefault("scheduler.startImmediately", false)

	v.SetDefault("sessionGuard.idleTimeoutMs", 120000)
	v.SetDefault("sessionGuard.maxDurationMs", 1800000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.serviceName", "stoneforge-stewards")

	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.sqlitePath", ".stoneforge/history.db")

	v.SetDefault("eventstream.enabled", false)
	v.SetDefault("eventstream.addr", ":9477")
}
