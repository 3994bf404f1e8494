package agentflow

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentflow/config"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/intent"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/model/anthropic"
	"github.com/hupe1980/agentflow/model/openai"
	"github.com/hupe1980/agentflow/persistence"
	"github.com/hupe1980/agentflow/workflow"
)

// FromConfig builds a System from a validated configuration. Logs go to
// logOut; optFns run last and may override anything.
func FromConfig(cfg *config.Config, logOut io.Writer, optFns ...func(o *Options)) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	parser := NewParser(cfg.Model, logger)

	s := New(append([]func(o *Options){func(o *Options) {
		o.Logger = logger
		o.Store = store
		o.QueueSize = cfg.Bus.QueueSize
		o.HistorySize = cfg.Bus.HistorySize
		o.PoolSize = cfg.Agents.PoolSize
		o.ExecutorWorkers = cfg.Agents.ExecutorWorkers
		o.ExecutorQueueSize = cfg.Agents.ExecutorQueueSize
		o.ComplexityThreshold = cfg.Agents.ComplexityThreshold
		o.ImprovementThreshold = cfg.Team.ImprovementThreshold
		o.OptimizeInterval = cfg.Team.OptimizeInterval
		o.SnapshotInterval = cfg.Workflow.SnapshotInterval
		o.RecoverOnStart = cfg.Workflow.RecoverOnStart
		o.Parser = parser
	}}, optFns...)...)
	return s, nil
}

// OpenStore opens the configured workflow store.
func OpenStore(cfg config.StorageConfig) (core.WorkflowStore, error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		store, err := persistence.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.StorageMemory, "":
		return persistence.NewMemoryStore(), nil
	}
	return nil, core.NewValidationError("config.storage", fmt.Sprintf("unknown storage driver %q", cfg.Driver))
}

// NewModel builds the configured language model, or nil when no provider
// is set.
func NewModel(cfg config.ModelConfig) model.Model {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
		})
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
		})
	case config.ProviderMock:
		name := cfg.Name
		if name == "" {
			name = "mock"
		}
		return model.NewMockModel(name)
	}
	return nil
}

// NewParser returns a model-backed parser for the configured provider and
// a keyword parser otherwise.
func NewParser(cfg config.ModelConfig, logger logging.Logger) intent.Parser {
	m := NewModel(cfg)
	if m == nil {
		return intent.NewKeywordParser()
	}
	return intent.NewModelParser(m, func(o *intent.ModelOptions) {
		o.Logger = logger
		if cfg.Timeout > 0 {
			o.Timeout = cfg.Timeout
		}
	})
}

// LoadDefinitions registers every *.yaml and *.yml workflow definition in
// dir and returns their ids.
func (s *System) LoadDefinitions(ctx context.Context, dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	ids := make([]string, 0, len(files))
	for _, f := range files {
		def, err := workflow.LoadDefinitionFile(f)
		if err != nil {
			return ids, fmt.Errorf("load %s: %w", f, err)
		}
		if err := s.Workflows.Register(ctx, def); err != nil {
			return ids, err
		}
		ids = append(ids, def.ID)
	}
	return ids, nil
}
