package agentflow

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/config"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/intent"
	"github.com/hupe1980/agentflow/internal/testutil"
)

const echoScript = `
func Run(variables, results map[string]any) (any, error) {
	return variables["name"], nil
}
`

func startSystem(t *testing.T, optFns ...func(o *Options)) *System {
	t.Helper()
	s := New(optFns...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestSystem_SubmitGoal(t *testing.T) {
	s := startSystem(t)

	g, u, err := s.SubmitGoal(context.Background(), "fix the login bug")
	require.NoError(t, err)
	assert.Equal(t, core.GoalTypeAchieve, u.InferredType)
	assert.NotEmpty(t, g.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := s.WaitGoal(ctx, g.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.GoalStatusCompleted, out.Status, out.Error)
}

func TestSystem_SubmitGoalEmptyText(t *testing.T) {
	s := startSystem(t)
	_, _, err := s.SubmitGoal(context.Background(), "  ")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSystem_GoalOutcomeUnknown(t *testing.T) {
	s := startSystem(t)
	_, err := s.GoalOutcome("nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSystem_Agents(t *testing.T) {
	s := startSystem(t, func(o *Options) {
		o.Workers = []WorkerSpec{{Name: "coder", Capabilities: []string{"coding"}}}
	})

	agents := s.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, core.NewAgentID(Namespace, "coordinator"), agents[0].ID)
	assert.Equal(t, core.NewAgentID(Namespace, "coder"), agents[1].ID)
	assert.Equal(t, []string{"coding"}, agents[1].Capabilities)
	assert.Equal(t, agent.StateIdle, agents[1].State)
	assert.Len(t, s.Teams.Profiles(), 1)
}

func TestSystem_WorkflowThroughPool(t *testing.T) {
	s := startSystem(t)
	def := testutil.NewWorkflowBuilder("review").Step("review", core.StepAgentTask, map[string]any{
		"goal":         "review {{.variables.pr}}",
		"pollInterval": "5ms",
	}).Build()
	require.NoError(t, s.Workflows.Register(context.Background(), def))

	exec, err := s.Workflows.Execute(context.Background(), "review", map[string]any{"pr": "pull request 7"})
	require.NoError(t, err)
	require.Equal(t, core.ExecutionCompleted, exec.Status, exec.Error)
	out := exec.Results["review"].Output.(map[string]any)
	assert.Equal(t, []any{"review pull request 7"}, out["results"])
}

func TestSystem_Shutdown(t *testing.T) {
	s := New()
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))

	for _, a := range s.Agents() {
		assert.Equal(t, agent.StateTerminated, a.State, a.ID.Key())
	}
	assert.Empty(t, s.Teams.Profiles())
	_, err := s.Workflows.Start(context.Background(), "any", nil)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "agentflow.db")
	cfg.Workflow.RecoverOnStart = true

	var logs bytes.Buffer
	s, err := FromConfig(cfg, &logs)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Shutdown(context.Background())) }()

	assert.IsType(t, &intent.KeywordParser{}, s.Parser)
	def := testutil.NewWorkflowBuilder("persisted").Script("a", echoScript).Build()
	require.NoError(t, s.Workflows.Register(context.Background(), def))

	defs, err := s.Store.ListWorkflowDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "persisted", defs[0].ID)
}

func TestFromConfigInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "postgres"
	_, err := FromConfig(cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestNewParser(t *testing.T) {
	assert.IsType(t, &intent.KeywordParser{}, NewParser(config.ModelConfig{}, nil))
	assert.IsType(t, &intent.ModelParser{}, NewParser(config.ModelConfig{Provider: config.ProviderMock}, nil))
	assert.Nil(t, NewModel(config.ModelConfig{}))
	assert.Equal(t, "claude", NewModel(config.ModelConfig{Provider: config.ProviderMock, Name: "claude"}).Info().Name)
}

func TestSystem_LoadDefinitions(t *testing.T) {
	s := startSystem(t)
	dir := t.TempDir()
	for name, content := range map[string]string{
		"b.yml":  "id: second\nsteps:\n  - id: a\n    type: script\n    config:\n      source: x\n",
		"a.yaml": "id: first\nsteps:\n  - id: a\n    type: script\n    config:\n      source: x\n",
		"notes":  "ignored",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	ids, err := s.LoadDefinitions(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, ids)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte("id: [\n"), 0o600))
	_, err = s.LoadDefinitions(context.Background(), dir)
	assert.ErrorIs(t, err, core.ErrValidation)
}
