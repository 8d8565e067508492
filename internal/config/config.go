package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

// Config is the top-level ciagent configuration.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Tools        ToolsConfig        `yaml:"tools"`
	Retry        RetryConfig        `yaml:"retry"`
	HTTP         HTTPConfig         `yaml:"http"`
	Notify       NotifyConfig       `yaml:"notify"`
	Poll         PollConfig         `yaml:"poll"`
	Logging      LoggingConfig      `yaml:"logging"`
	Repositories []RepositoryConfig `yaml:"repositories" validate:"dive"`
}

// AgentConfig controls the build engine.
type AgentConfig struct {
	CheckoutRoot     string `yaml:"checkout_root" validate:"required"`
	DataDir          string `yaml:"data_dir" validate:"required"`
	Workers          int    `yaml:"workers" validate:"min=1,max=16"`
	QueueSize        int    `yaml:"queue_size" validate:"min=1"`
	BuildTimeout     string `yaml:"build_timeout" validate:"duration"`
	SimulatorTimeout string `yaml:"simulator_timeout" validate:"duration"`
	HistoryLimit     int    `yaml:"history_limit" validate:"min=1"`
}

// ToolsConfig holds the external tool paths.
type ToolsConfig struct {
	Git        string `yaml:"git" validate:"required"`
	Xcodebuild string `yaml:"xcodebuild" validate:"required"`
	Xcrun      string `yaml:"xcrun" validate:"required"`
}

// RetryConfig applies to clone and fetch of remote repositories.
type RetryConfig struct {
	Mode         RetryBackoffMode `yaml:"mode" validate:"oneof=fixed linear exponential"`
	InitialDelay string           `yaml:"initial_delay" validate:"duration"`
	MaxDelay     string           `yaml:"max_delay" validate:"duration"`
	MaxRetries   int              `yaml:"max_retries" validate:"min=0,max=10"`
}

// HTTPConfig configures the status feed server.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// NotifyConfig configures NATS build notifications. An empty URL disables them.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url" validate:"omitempty,url"`
	Subject string `yaml:"subject"`
}

// PollConfig configures periodic remote-change detection.
type PollConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval" validate:"duration"`
	// Include and Exclude are repository name globs limiting which
	// auto_build repositories are polled.
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=text json"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups,omitempty" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" validate:"min=0"`
}

// RepositoryConfig describes one tracked repository.
type RepositoryConfig struct {
	Name         string           `yaml:"name" validate:"required,excludesall=/\\"`
	URL          string           `yaml:"url" validate:"required"`
	Abbreviation string           `yaml:"abbreviation,omitempty"`
	Branch       string           `yaml:"branch,omitempty"`
	Scheme       string           `yaml:"scheme,omitempty"`
	Platform     string           `yaml:"platform,omitempty"`
	SDK          string           `yaml:"sdk,omitempty"`
	BuildCommand []string         `yaml:"build_command,omitempty"`
	Simulator    *SimulatorConfig `yaml:"simulator,omitempty"`
	AutoBuild    bool             `yaml:"auto_build,omitempty"`
}

// SimulatorConfig enables the simulator test step for a repository.
type SimulatorConfig struct {
	App         string            `yaml:"app" validate:"required"`
	Family      string            `yaml:"family" validate:"required,oneof=iphone ipad"`
	SDK         string            `yaml:"sdk" validate:"required"`
	DeviceID    string            `yaml:"device_id,omitempty"`
	Arguments   []string          `yaml:"arguments,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	OutputPath  string            `yaml:"output_path,omitempty"`
	RecordVideo bool              `yaml:"record_video,omitempty"`
}

// Load reads, expands, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, foundationerrors.ConfigError("configuration file not found").
				WithContext("path", path).Build()
		}
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to read config file").
			WithContext("path", path).Build()
	}
	return Parse(data)
}

// Parse decodes YAML configuration after ${VAR} expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to unmarshal config").Fatal().Build()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Agent.CheckoutRoot == "" {
		c.Agent.CheckoutRoot = "./checkouts"
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = "./data"
	}
	if c.Agent.Workers == 0 {
		c.Agent.Workers = 2
	}
	if c.Agent.QueueSize == 0 {
		c.Agent.QueueSize = 100
	}
	if c.Agent.BuildTimeout == "" {
		c.Agent.BuildTimeout = "1h"
	}
	if c.Agent.SimulatorTimeout == "" {
		c.Agent.SimulatorTimeout = "15m"
	}
	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = 50
	}

	if c.Tools.Git == "" {
		c.Tools.Git = "git"
	}
	if c.Tools.Xcodebuild == "" {
		c.Tools.Xcodebuild = "xcodebuild"
	}
	if c.Tools.Xcrun == "" {
		c.Tools.Xcrun = "xcrun"
	}

	if c.Retry.Mode == "" {
		c.Retry.Mode = RetryBackoffLinear
	} else if m, ok := ParseRetryBackoff(string(c.Retry.Mode)); ok {
		c.Retry.Mode = m
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = "1s"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "30s"
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8089"
	}
	if c.Notify.Subject == "" {
		c.Notify.Subject = "ciagent.builds"
	}
	if c.Poll.Interval == "" {
		c.Poll.Interval = "5m"
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}

	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.Branch == "" {
			r.Branch = "main"
		}
		if r.Simulator != nil {
			r.Simulator.Family = strings.ToLower(r.Simulator.Family)
		}
	}
}

// Repository returns the repository config with the given name.
func (c *Config) Repository(name string) (RepositoryConfig, bool) {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

func (a AgentConfig) BuildTimeoutDuration() time.Duration     { return mustDuration(a.BuildTimeout) }
func (a AgentConfig) SimulatorTimeoutDuration() time.Duration { return mustDuration(a.SimulatorTimeout) }
func (p PollConfig) IntervalDuration() time.Duration          { return mustDuration(p.Interval) }

// Delays returns the parsed initial and max retry delays.
func (r RetryConfig) Delays() (initial, maxDelay time.Duration) {
	return mustDuration(r.InitialDelay), mustDuration(r.MaxDelay)
}

// mustDuration parses a value already checked by Validate; invalid input yields zero.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
