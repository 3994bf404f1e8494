// Package config loads the agentflow YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Model providers. An empty provider disables the model-backed parser.
const (
	ProviderNone      = ""
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=json text"`
	AddSource bool   `yaml:"add_source"`
}

// BusConfig sizes the message bus.
type BusConfig struct {
	QueueSize   int `yaml:"queue_size" validate:"gte=1"`
	HistorySize int `yaml:"history_size" validate:"gte=0"`
}

// AgentsConfig sizes the agent pool and the default coordinator.
type AgentsConfig struct {
	PoolSize            int     `yaml:"pool_size" validate:"gte=1"`
	ExecutorWorkers     int     `yaml:"executor_workers" validate:"gte=1"`
	ExecutorQueueSize   int     `yaml:"executor_queue_size" validate:"gte=1"`
	ComplexityThreshold float64 `yaml:"complexity_threshold" validate:"gte=0,lte=1"`
}

// TeamConfig tunes the formation optimizer.
type TeamConfig struct {
	// OptimizeInterval of zero disables the optimizer loop.
	OptimizeInterval     time.Duration `yaml:"optimize_interval" validate:"gte=0"`
	ImprovementThreshold float64       `yaml:"improvement_threshold" validate:"gte=0,lte=1"`
}

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gte=0"`
	// DefinitionsDir holds *.yaml definitions registered at startup.
	DefinitionsDir string `yaml:"definitions_dir"`
	RecoverOnStart bool   `yaml:"recover_on_start"`
}

// StorageConfig selects the workflow store.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// ModelConfig configures the language model behind goal understanding.
type ModelConfig struct {
	Provider string        `yaml:"provider" validate:"omitempty,oneof=anthropic openai mock"`
	Name     string        `yaml:"name"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Config is the full configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Bus      BusConfig      `yaml:"bus"`
	Agents   AgentsConfig   `yaml:"agents"`
	Team     TeamConfig     `yaml:"team"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Bus:     BusConfig{QueueSize: 1000, HistorySize: 1000},
		Agents: AgentsConfig{
			PoolSize:            10,
			ExecutorWorkers:     1,
			ExecutorQueueSize:   100,
			ComplexityThreshold: 0.5,
		},
		Team:     TeamConfig{ImprovementThreshold: 0.1},
		Workflow: WorkflowConfig{RecoverOnStart: true},
		Storage:  StorageConfig{Driver: StorageMemory},
		Server:   ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Model:    ModelConfig{Timeout: 30 * time.Second},
	}
}

// Load reads path over the defaults. ${VAR} references are expanded from
// the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, core.NewValidationError("config.parse", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &core.Error{Kind: core.ErrValidation, Op: "config.validate", Msg: "invalid configuration", Err: err}
	}
	return nil
}

// Logger builds the configured logger writing to w, or stdout when w is
// nil.
func (c *Config) Logger(w io.Writer) (*logging.FlowLogger, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultLoggerConfig()
	lc.Level = level
	lc.Format = c.Logging.Format
	lc.AddSource = c.Logging.AddSource
	if w != nil {
		lc.Output = w
	}
	return logging.NewLogger(lc), nil
}
