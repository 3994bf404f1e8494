package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/team"
)

// TaskFunc performs the work of one task.
type TaskFunc func(ctx context.Context, task core.Task) (any, error)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Options
	// Workers is the number of tasks processed concurrently.
	Workers int
	// QueueSize bounds the number of waiting tasks.
	QueueSize int
	Work      TaskFunc
}

// GoalOutcome is the state of a goal handed to an executor.
type GoalOutcome struct {
	Status  core.GoalStatus `json:"status"`
	Results []any           `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type goalProgress struct {
	remaining int
	results   []any
	failed    bool
}

// Executor runs tasks from a bounded FIFO queue with a fixed number of
// workers and reports each outcome to the task's requester.
type Executor struct {
	*BaseAgent
	opts  ExecutorOptions
	queue chan core.Task
	wg    sync.WaitGroup

	mu        sync.Mutex
	tasks     map[string]*core.Task
	taskGoal  map[string]string // task id -> goal id
	progress  map[string]*goalProgress
	active    int
	stopQueue context.CancelFunc
}

// NewExecutor creates an executor agent.
func NewExecutor(id core.AgentID, b *bus.Bus, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{Options: defaultOptions(), Workers: 1, QueueSize: 100}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Work == nil {
		opts.Work = func(_ context.Context, task core.Task) (any, error) { return task.Description, nil }
	}
	return &Executor{
		BaseAgent: NewBaseAgent(id, b, opts.Options),
		opts:      opts,
		queue:     make(chan core.Task, opts.QueueSize),
		tasks:     make(map[string]*core.Task),
		taskGoal:  make(map[string]string),
		progress:  make(map[string]*goalProgress),
	}
}

// Start registers the executor and launches its workers.
func (e *Executor) Start(ctx context.Context) error {
	runCtx, err := e.StartWith(ctx, e.handle)
	if err != nil {
		return err
	}
	workerCtx, cancel := context.WithCancel(runCtx)
	e.mu.Lock()
	e.stopQueue = cancel
	e.mu.Unlock()
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(workerCtx)
	}
	return nil
}

// Stop terminates the agent, waits for running tasks and cancels queued ones.
func (e *Executor) Stop(ctx context.Context) error {
	if err := e.BaseAgent.Stop(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if e.stopQueue != nil {
		e.stopQueue()
	}
	e.mu.Unlock()
	e.wg.Wait()
	for {
		select {
		case task := <-e.queue:
			task.Status = core.TaskStatusCancelled
			e.finish(ctx, task, 0)
		default:
			return nil
		}
	}
}

// Submit queues a task. A full queue returns a capacity error.
func (e *Executor) Submit(task core.Task) error {
	if task.Description == "" {
		return core.NewValidationError("executor.submit", "task description is required")
	}
	if e.State() == StateTerminated {
		return core.NewValidationError("executor.submit", fmt.Sprintf("executor %s is terminated", e.ID().Key()))
	}
	if task.ID == "" {
		task.ID = core.NewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = e.now()
	}
	task.AssignedTo = e.ID()
	task.Status = core.TaskStatusAssigned

	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case e.queue <- task:
		t := task
		e.tasks[task.ID] = &t
		return nil
	default:
		return core.NewCapacityError("executor.submit", fmt.Sprintf("task queue of %s is full (%d)", e.ID().Key(), cap(e.queue)))
	}
}

// Task returns the last known state of a task.
func (e *Executor) Task(id string) (core.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return core.Task{}, false
	}
	return *t, true
}

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int { return len(e.queue) }

// AssignGoal adds a goal, splits it into tasks and queues them. A goal with
// unfinished dependencies stays pending in the goal engine.
func (e *Executor) AssignGoal(_ context.Context, g core.Goal) (core.Goal, error) {
	if err := e.Transition(StateThinking); err != nil {
		return core.Goal{}, err
	}
	defer e.settle()

	added, err := e.goals.AddGoal(g)
	if err != nil {
		return core.Goal{}, err
	}
	if !e.goals.IsReady(added.ID) {
		return added, nil
	}
	if _, err := e.goals.Activate(added.ID); err != nil {
		return core.Goal{}, err
	}
	if _, err := e.goals.DecomposeGoal(added.ID); err != nil {
		return core.Goal{}, err
	}
	tasks, err := e.goals.GoalToTasks(added.ID)
	if err != nil {
		return core.Goal{}, err
	}

	e.mu.Lock()
	e.progress[added.ID] = &goalProgress{remaining: len(tasks)}
	for _, t := range tasks {
		e.taskGoal[t.ID] = added.ID
	}
	e.mu.Unlock()

	for _, t := range tasks {
		if err := e.Submit(t); err != nil {
			_, _ = e.goals.Fail(added.ID, err.Error())
			return core.Goal{}, err
		}
	}
	return e.goals.Goal(added.ID)
}

// Outcome returns the status and collected task results of a goal.
func (e *Executor) Outcome(goalID string) (GoalOutcome, bool) {
	g, err := e.goals.Goal(goalID)
	if err != nil {
		return GoalOutcome{}, false
	}
	out := GoalOutcome{Status: g.Status, Error: g.Error}
	e.mu.Lock()
	if p, ok := e.progress[goalID]; ok {
		out.Results = append([]any(nil), p.results...)
	}
	e.mu.Unlock()
	return out, true
}

func (e *Executor) handle(_ context.Context, msg core.Message) error {
	if msg.Type != core.MessageTypeCommand {
		return nil
	}
	switch msg.Content.Topic {
	case TopicTaskExecute:
		task, ok := taskFromBody(msg.Content.Body)
		if !ok {
			return core.NewValidationError("executor.handle", "task.execute body is not a task")
		}
		if task.RequestedBy.IsZero() {
			task.RequestedBy = msg.From
		}
		return e.Submit(task)
	case team.TopicTaskAssigned:
		a, ok := msg.Content.Body.(team.TaskAssignment)
		if !ok {
			return core.NewValidationError("executor.handle", "task.assigned body is not an assignment")
		}
		return e.Submit(core.Task{
			GoalID:       a.Goal.ID,
			RequestedBy:  msg.From,
			Description:  a.Goal.Description,
			Priority:     a.Goal.Priority,
			Capabilities: team.RequiredCapabilities(a.Goal),
		})
	}
	return nil
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			e.run(ctx, task)
		}
	}
}

func (e *Executor) run(ctx context.Context, task core.Task) {
	e.mu.Lock()
	e.active++
	e.mu.Unlock()
	if err := e.Transition(StateExecuting); err != nil {
		e.logger.Warn("task runs without executing state", "agent_id", e.ID().Key(), "task_id", task.ID, "error", err)
	}

	started := e.now()
	task.Status = core.TaskStatusInProgress
	task.StartedAt = &started
	e.store(task)

	result, err := e.work(ctx, task)
	if err != nil {
		task.Status = core.TaskStatusFailed
		task.Error = err.Error()
	} else {
		task.Status = core.TaskStatusCompleted
		task.Result = result
	}
	took := e.now().Sub(started)
	e.RecordTask(err == nil, took)
	e.finish(ctx, task, took)

	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	e.settle()
}

func (e *Executor) work(ctx context.Context, task core.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewExecutionError("executor.work", fmt.Errorf("task panic: %v", r))
		}
	}()
	return e.opts.Work(ctx, task)
}

func (e *Executor) store(task core.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := task
	e.tasks[task.ID] = &t
}

// finish records a terminal task, advances its goal and reports to the
// requester.
func (e *Executor) finish(ctx context.Context, task core.Task, took time.Duration) {
	done := e.now()
	task.CompletedAt = &done
	e.store(task)

	e.mu.Lock()
	goalID, tracked := e.taskGoal[task.ID]
	var complete, fail bool
	if tracked {
		p := e.progress[goalID]
		p.remaining--
		if task.Status == core.TaskStatusCompleted {
			p.results = append(p.results, task.Result)
		} else if !p.failed {
			p.failed = true
			fail = true
		}
		complete = p.remaining == 0 && !p.failed
	}
	e.mu.Unlock()

	if fail {
		reason := task.Error
		if reason == "" {
			reason = fmt.Sprintf("task %s %s", task.ID, task.Status)
		}
		_, _ = e.goals.Fail(goalID, reason)
	}
	if complete {
		_, _ = e.goals.Complete(goalID)
	}
	e.report(ctx, task, took)
}

// settle returns the agent to idle once no task is running or queued.
func (e *Executor) settle() {
	e.mu.Lock()
	idle := e.active == 0 && len(e.queue) == 0
	e.mu.Unlock()
	if idle && e.State() != StateError {
		_ = e.Transition(StateIdle)
	}
}

var _ Agent = (*Executor)(nil)
