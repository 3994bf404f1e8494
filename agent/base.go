package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/goal"
	"github.com/hupe1980/agentflow/logging"
)

// Bus topics used between agents.
const (
	TopicTaskExecute   = "task.execute"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
)

// TaskReport is the body of task.completed and task.failed reports.
type TaskReport struct {
	Task     core.Task     `json:"task"`
	Duration time.Duration `json:"duration"`
}

// Agent is the behaviour shared by every agent kind.
type Agent interface {
	ID() core.AgentID
	Capabilities() []string
	State() State
	Metrics() Metrics
	Goals() *goal.Engine
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AssignGoal(ctx context.Context, g core.Goal) (core.Goal, error)
}

// Options configures the shared parts of an agent.
type Options struct {
	Logger       logging.Logger
	Capabilities []string
	Now          func() time.Time
}

func defaultOptions() Options {
	return Options{Logger: logging.NoOpLogger{}, Now: time.Now}
}

// BaseAgent bundles identity, the state machine, the goal engine, metrics
// and bus registration. Embed it in concrete agents. All exported methods
// are goroutine-safe.
type BaseAgent struct {
	id           core.AgentID
	bus          *bus.Bus
	goals        *goal.Engine
	capabilities []string
	logger       logging.Logger
	now          func() time.Time

	mu      sync.Mutex
	state   State
	lastErr error
	cancel  context.CancelFunc
	running bool
	metrics Metrics
}

// NewBaseAgent constructs an idle BaseAgent.
func NewBaseAgent(id core.AgentID, b *bus.Bus, opts Options) *BaseAgent {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id = id.Normalize()
	return &BaseAgent{
		id:           id,
		bus:          b,
		goals:        goal.NewEngine(id, func(o *goal.Options) { o.Logger = opts.Logger; o.Now = opts.Now }),
		capabilities: append([]string(nil), opts.Capabilities...),
		logger:       opts.Logger,
		now:          opts.Now,
		state:        StateIdle,
	}
}

// ID returns the agent's bus identity.
func (b *BaseAgent) ID() core.AgentID { return b.id }

// Capabilities returns the declared capabilities.
func (b *BaseAgent) Capabilities() []string { return append([]string(nil), b.capabilities...) }

// Goals returns the agent's goal engine.
func (b *BaseAgent) Goals() *goal.Engine { return b.goals }

// State returns the current state.
func (b *BaseAgent) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err returns the fault that moved the agent into StateError.
func (b *BaseAgent) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Metrics returns a copy of the agent's metrics.
func (b *BaseAgent) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Running reports whether the agent has been started and not stopped.
func (b *BaseAgent) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Transition moves the agent to state to.
func (b *BaseAgent) Transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitionLocked(to)
}

func (b *BaseAgent) transitionLocked(to State) error {
	if !CanTransition(b.state, to) {
		return core.NewValidationError("agent.transition", fmt.Sprintf("agent %s cannot move from %s to %s", b.id.Key(), b.state, to))
	}
	if b.state != to {
		b.logger.Debug("agent state changed", "agent_id", b.id.Key(), "from", b.state.String(), "to", to.String())
	}
	b.state = to
	return nil
}

// Fault records an unhandled error and moves the agent to StateError.
func (b *BaseAgent) Fault(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateTerminated {
		return
	}
	b.lastErr = err
	b.state = StateError
	b.logger.Error("agent fault", "agent_id", b.id.Key(), "error", err)
}

// Recover returns an agent in StateError to StateIdle.
func (b *BaseAgent) Recover() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateError {
		return core.NewValidationError("agent.recover", fmt.Sprintf("agent %s is %s, not in error", b.id.Key(), b.state))
	}
	b.lastErr = nil
	b.state = StateIdle
	return nil
}

// RecordTask folds a finished task into the metrics.
func (b *BaseAgent) RecordTask(success bool, took time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.record(success, took, b.now())
}

// StartWith registers the agent on the bus and installs h as its message
// handler. Handler errors other than validation and capacity errors fault the
// agent. Returns a context cancelled by Stop.
func (b *BaseAgent) StartWith(ctx context.Context, h bus.Handler) (context.Context, error) {
	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return nil, core.NewValidationError("agent.start", fmt.Sprintf("agent %s is terminated", b.id.Key()))
	}
	if b.running {
		b.mu.Unlock()
		return nil, errors.New("agent is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	if err := b.bus.RegisterAgent(b.id); err != nil {
		b.abortStart()
		return nil, err
	}
	wrapped := func(ctx context.Context, msg core.Message) error {
		b.touch()
		if err := h(ctx, msg); err != nil {
			if !errors.Is(err, core.ErrValidation) && !errors.Is(err, core.ErrCapacity) {
				b.Fault(err)
			}
			return err
		}
		return nil
	}
	if err := b.bus.Subscribe(runCtx, b.id, wrapped); err != nil {
		b.bus.UnregisterAgent(b.id)
		b.abortStart()
		return nil, err
	}
	b.logger.Info("agent started", "agent_id", b.id.Key())
	return runCtx, nil
}

func (b *BaseAgent) abortStart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel()
	b.running = false
}

func (b *BaseAgent) touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.LastActivity = b.now()
}

// Stop unsubscribes and unregisters the agent and moves it to the absorbing
// StateTerminated.
func (b *BaseAgent) Stop(_ context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return errors.New("agent is not running")
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	b.state = StateTerminated
	b.mu.Unlock()

	b.bus.Unsubscribe(b.id)
	b.bus.UnregisterAgent(b.id)
	b.logger.Info("agent stopped", "agent_id", b.id.Key())
	return nil
}

// Send publishes a message on the bus.
func (b *BaseAgent) Send(ctx context.Context, msg core.Message) (bus.Report, error) {
	return b.bus.Send(ctx, msg)
}

func (b *BaseAgent) report(ctx context.Context, task core.Task, took time.Duration) {
	if task.RequestedBy.IsZero() || task.RequestedBy.Equal(b.id) {
		return
	}
	topic := TopicTaskCompleted
	if task.Status == core.TaskStatusFailed {
		topic = TopicTaskFailed
	}
	msg := core.NewMessage(b.id, task.RequestedBy, core.MessageTypeInform, topic, TaskReport{Task: task, Duration: took})
	if _, err := b.bus.Send(ctx, msg); err != nil {
		b.logger.Warn("task report failed", "agent_id", b.id.Key(), "task_id", task.ID, "error", err)
	}
}

func taskFromBody(body any) (core.Task, bool) {
	switch v := body.(type) {
	case core.Task:
		return v, true
	case *core.Task:
		if v != nil {
			return *v, true
		}
	}
	return core.Task{}, false
}

func reportFromBody(body any) (TaskReport, bool) {
	switch v := body.(type) {
	case TaskReport:
		return v, true
	case *TaskReport:
		if v != nil {
			return *v, true
		}
	}
	return TaskReport{}, false
}
