// Package agentflow wires the message bus, team coordination, agents and the
// workflow engine into one System. Most applications:
//  1. create a System via New (or FromConfig) and Start it
//  2. submit free-text goals with SubmitGoal, or register and run workflows
//     through System.Workflows
//  3. call Shutdown to cancel in-flight work and close the store
//
// Every dependency defaults to an in-memory implementation.
package agentflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/goal"
	"github.com/hupe1980/agentflow/intent"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/metrics"
	"github.com/hupe1980/agentflow/persistence"
	"github.com/hupe1980/agentflow/team"
	"github.com/hupe1980/agentflow/workflow"
)

// Namespace of the agents a System creates.
const Namespace = "system"

// WorkerSpec describes a standing executor agent.
type WorkerSpec struct {
	Name         string
	Capabilities []string
}

// Options configures a System.
type Options struct {
	Logger logging.Logger
	Store  core.WorkflowStore

	QueueSize   int
	HistorySize int

	// Workers are started with the system and registered as team profiles.
	// Defaults to three generalists.
	Workers           []WorkerSpec
	ExecutorWorkers   int
	ExecutorQueueSize int
	// Work performs executor tasks. Defaults to echoing the description.
	Work agent.TaskFunc

	PoolSize             int
	ComplexityThreshold  float64
	ImprovementThreshold float64
	// OptimizeInterval of zero disables the formation optimizer loop.
	OptimizeInterval time.Duration

	SnapshotInterval time.Duration
	HTTPClient       workflow.HTTPClient
	// RecoverOnStart resumes executions left running by a previous process.
	RecoverOnStart bool

	Parser  intent.Parser
	Metrics *metrics.Metrics
}

// System is a running agentflow instance.
type System struct {
	opts Options

	Bus         *bus.Bus
	Teams       *team.Coordinator
	Coordinator *agent.Coordinator
	Pool        *agent.Pool
	Workflows   *workflow.Engine
	Parser      intent.Parser
	Metrics     *metrics.Metrics
	Store       core.WorkflowStore

	workers []*agent.Executor

	submitMu sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func defaultWorkers() []WorkerSpec {
	caps := goal.Capabilities()
	return []WorkerSpec{
		{Name: "worker-1", Capabilities: caps},
		{Name: "worker-2", Capabilities: caps},
		{Name: "worker-3", Capabilities: caps},
	}
}

// New builds a System. Nothing runs until Start.
func New(optFns ...func(o *Options)) *System {
	opts := Options{
		Logger:               logging.NoOpLogger{},
		QueueSize:            1000,
		HistorySize:          1000,
		ExecutorWorkers:      1,
		ExecutorQueueSize:    100,
		PoolSize:             10,
		ComplexityThreshold:  agent.DefaultComplexityThreshold,
		ImprovementThreshold: team.DefaultImprovementThreshold,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Store == nil {
		opts.Store = persistence.NewMemoryStore()
	}
	if opts.Workers == nil {
		opts.Workers = defaultWorkers()
	}
	if opts.Parser == nil {
		opts.Parser = intent.NewKeywordParser()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	component := func(name string) logging.Logger {
		if fl, ok := opts.Logger.(*logging.FlowLogger); ok {
			return fl.WithComponent(name)
		}
		return opts.Logger
	}

	b := bus.New(func(o *bus.Options) {
		o.Logger = component("bus")
		o.QueueSize = opts.QueueSize
		o.HistorySize = opts.HistorySize
		o.Observers = []bus.Observer{opts.Metrics.BusObserver()}
	})
	teams := team.NewCoordinator(b, func(o *team.Options) {
		o.Logger = component("team")
		o.Identity = core.NewAgentID(Namespace, "team-coordinator")
		o.ImprovementThreshold = opts.ImprovementThreshold
		o.Observers = []team.Observer{opts.Metrics.TeamObserver()}
	})
	executorOpts := func(o *agent.ExecutorOptions) {
		o.Workers = opts.ExecutorWorkers
		o.QueueSize = opts.ExecutorQueueSize
		if opts.Work != nil {
			o.Work = opts.Work
		}
	}
	pool := agent.NewPool(b, func(o *agent.PoolOptions) {
		o.Logger = component("pool")
		o.MaxAgents = opts.PoolSize
		o.Executor = []func(o *agent.ExecutorOptions){executorOpts}
	})
	coord := agent.NewCoordinator(core.NewAgentID(Namespace, "coordinator"), b, teams, func(o *agent.CoordinatorOptions) {
		o.Logger = component("coordinator")
		o.ComplexityThreshold = opts.ComplexityThreshold
	})

	s := &System{
		opts:        opts,
		Bus:         b,
		Teams:       teams,
		Coordinator: coord,
		Pool:        pool,
		Parser:      opts.Parser,
		Metrics:     opts.Metrics,
		Store:       opts.Store,
	}
	for _, w := range opts.Workers {
		spec := w
		s.workers = append(s.workers, agent.NewExecutor(core.NewAgentID(Namespace, spec.Name), b, executorOpts, func(o *agent.ExecutorOptions) {
			o.Logger = component("executor")
			o.Capabilities = spec.Capabilities
		}))
	}
	s.Workflows = workflow.New(func(o *workflow.Options) {
		o.Logger = component("workflow")
		o.Store = opts.Store
		o.Pool = pool
		o.HTTPClient = opts.HTTPClient
		o.SnapshotInterval = opts.SnapshotInterval
		o.Observers = []workflow.Observer{opts.Metrics.WorkflowObserver()}
	})
	return s
}

// Logger returns the system logger scoped to component.
func (s *System) Logger(component string) logging.Logger {
	if fl, ok := s.opts.Logger.(*logging.FlowLogger); ok {
		return fl.WithComponent(component)
	}
	return s.opts.Logger
}

// Start starts the coordinator and workers, the optimizer loop and, when
// enabled, recovers interrupted executions.
func (s *System) Start(ctx context.Context) error {
	if err := s.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	for _, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", w.ID(), err)
		}
		s.Teams.RegisterProfile(team.Profile{Agent: w.ID(), Capabilities: w.Capabilities(), Performance: 0.5})
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.opts.OptimizeInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Teams.Run(loopCtx, s.opts.OptimizeInterval)
		}()
	}

	if s.opts.RecoverOnStart {
		ids, err := s.Workflows.Recover(ctx)
		if len(ids) > 0 {
			s.opts.Logger.Info("recovered workflow executions", "count", len(ids))
		}
		if err != nil {
			return fmt.Errorf("recover executions: %w", err)
		}
	}
	return nil
}

// SubmitGoal parses text into a goal and hands it to the coordinator.
func (s *System) SubmitGoal(ctx context.Context, text string) (core.Goal, intent.Understanding, error) {
	g, u, err := intent.ParseGoal(ctx, s.Parser, text)
	if err != nil {
		return core.Goal{}, intent.Understanding{}, err
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	assigned, err := s.Coordinator.AssignGoal(ctx, g)
	if err != nil {
		return core.Goal{}, u, err
	}
	return assigned, u, nil
}

// GoalOutcome returns the coordinator's view of a submitted goal.
func (s *System) GoalOutcome(goalID string) (agent.GoalOutcome, error) {
	out, ok := s.Coordinator.Outcome(goalID)
	if !ok {
		return agent.GoalOutcome{}, core.NewNotFoundError("goal", goalID)
	}
	return out, nil
}

// WaitGoal polls until the goal is terminal.
func (s *System) WaitGoal(ctx context.Context, goalID string, interval time.Duration) (agent.GoalOutcome, error) {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		out, err := s.GoalOutcome(goalID)
		if err != nil {
			return out, err
		}
		if out.Status.Terminal() {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Agents returns the state of every agent owned by the system.
func (s *System) Agents() []AgentStatus {
	out := []AgentStatus{status(s.Coordinator.BaseAgent)}
	for _, w := range s.workers {
		out = append(out, status(w.BaseAgent))
	}
	return out
}

// AgentStatus is a point-in-time view of an agent.
type AgentStatus struct {
	ID           core.AgentID  `json:"id"`
	State        agent.State   `json:"state"`
	Capabilities []string      `json:"capabilities"`
	Metrics      agent.Metrics `json:"metrics"`
}

func status(a *agent.BaseAgent) AgentStatus {
	return AgentStatus{ID: a.ID(), State: a.State(), Capabilities: a.Capabilities(), Metrics: a.Metrics()}
}

// Shutdown cancels in-flight executions, stops every agent and closes the
// bus and the store.
func (s *System) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Workflows.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workflow shutdown: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.Pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, w := range s.workers {
		if w.Running() {
			if err := w.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.Teams.UnregisterProfile(w.ID())
	}
	if s.Coordinator.Running() {
		if err := s.Coordinator.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.Bus.Close()
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
