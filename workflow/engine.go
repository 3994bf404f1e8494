package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/persistence"
	"github.com/hupe1980/agentflow/sandbox"
)

// Options configures an Engine. Every dependency has an in-memory or
// stdlib default.
type Options struct {
	Logger logging.Logger

	// Store persists definitions, executions, snapshots and logs.
	// Defaults to a persistence.MemoryStore.
	Store core.WorkflowStore

	// Pool supplies executor agents to agent-task steps. agent-task steps
	// fail when it is nil.
	Pool *agent.Pool

	// HTTPClient performs http steps. Defaults to NetHTTPClient.
	HTTPClient HTTPClient

	// Evaluator evaluates condition and loop expressions. Defaults to
	// sandbox.ExprEvaluator.
	Evaluator sandbox.Evaluator

	// Scripts runs script steps. Defaults to sandbox.ScriptRunner.
	Scripts sandbox.Evaluator

	// Policies overrides entries of DefaultPolicies.
	Policies map[core.StepKind]Policy

	// SnapshotInterval enables periodic snapshots of running executions.
	SnapshotInterval time.Duration

	Observers []Observer
	Now       func() time.Time
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

// run is the live state of one driven execution. exec is written only by
// the driving goroutine and parallel children, always under mu.
type run struct {
	machine *Machine
	cancel  context.CancelFunc
	exited  chan struct{}

	mu     sync.Mutex
	exec   *core.WorkflowExecution
	reason stopReason
}

func (r *run) stopped() stopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *run) stop(reason stopReason) {
	r.mu.Lock()
	if r.reason == stopNone {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) snapshot() *core.WorkflowExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// env is the evaluation environment of expressions, templates and scripts.
func (r *run) env() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	vars := make(map[string]any, len(r.exec.Variables))
	for k, v := range r.exec.Variables {
		vars[k] = v
	}
	return map[string]any{
		"variables": vars,
		"results":   r.exec.Outputs(),
		"execution": map[string]any{"id": r.exec.ID, "workflow_id": r.exec.WorkflowID},
	}
}

// Engine owns workflow definitions and drives their executions.
type Engine struct {
	opts  Options
	state *StateManager

	mu       sync.Mutex
	machines map[string]*Machine
	runs     map[string]*run
	done     map[string]chan struct{} // closed when the execution is terminal
	closed   bool
	wg       sync.WaitGroup
}

// New creates an engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Now:    time.Now,
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
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewNetHTTPClient()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = sandbox.NewExprEvaluator()
	}
	if opts.Scripts == nil {
		opts.Scripts = sandbox.NewScriptRunner()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	policies := DefaultPolicies()
	for k, p := range opts.Policies {
		policies[k] = p
	}
	opts.Policies = policies

	return &Engine{
		opts:     opts,
		state:    NewStateManager(opts.Store, opts.Logger, opts.Now),
		machines: make(map[string]*Machine),
		runs:     make(map[string]*run),
		done:     make(map[string]chan struct{}),
	}
}

// Store returns the engine's store.
func (e *Engine) Store() core.WorkflowStore { return e.opts.Store }

// AddObserver registers an observer for executions started afterwards.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.Observers = append(e.opts.Observers, o)
}

func (e *Engine) observers() []Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Observer(nil), e.opts.Observers...)
}

// Register validates and stores a definition. Registering an id again
// replaces the definition for executions started afterwards.
func (e *Engine) Register(ctx context.Context, def *core.WorkflowDefinition) error {
	m, err := Compile(def)
	if err != nil {
		return err
	}
	if err := e.opts.Store.SaveWorkflowDefinition(ctx, m.Definition()); err != nil {
		return fmt.Errorf("save workflow %s: %w", def.ID, err)
	}
	e.mu.Lock()
	e.machines[def.ID] = m
	e.mu.Unlock()
	e.opts.Logger.Info("workflow registered", "workflow_id", def.ID, "steps", len(def.Steps))
	return nil
}

// Definition returns a registered definition.
func (e *Engine) Definition(ctx context.Context, id string) (*core.WorkflowDefinition, error) {
	m, err := e.machine(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Definition(), nil
}

// Definitions lists every stored definition.
func (e *Engine) Definitions(ctx context.Context) ([]*core.WorkflowDefinition, error) {
	return e.opts.Store.ListWorkflowDefinitions(ctx)
}

func (e *Engine) machine(ctx context.Context, workflowID string) (*Machine, error) {
	e.mu.Lock()
	m, ok := e.machines[workflowID]
	e.mu.Unlock()
	if ok {
		return m, nil
	}
	def, err := e.opts.Store.GetWorkflowDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	m, err = Compile(def)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.machines[workflowID] = m
	e.mu.Unlock()
	return m, nil
}

// Start creates an execution of a registered workflow and runs it in the
// background from its first step.
func (e *Engine) Start(ctx context.Context, workflowID string, variables map[string]any) (*core.WorkflowExecution, error) {
	m, err := e.machine(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	exec := &core.WorkflowExecution{
		ID:          core.NewID(),
		WorkflowID:  workflowID,
		Status:      core.ExecutionRunning,
		CurrentStep: m.Entry(),
		Variables:   vars,
		Results:     make(map[string]core.StepResult),
		StartTime:   e.opts.Now(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("workflow engine is shut down")
	}
	e.done[exec.ID] = make(chan struct{})
	e.mu.Unlock()

	if err := e.state.Create(ctx, exec); err != nil {
		e.mu.Lock()
		delete(e.done, exec.ID)
		e.mu.Unlock()
		return nil, err
	}
	e.state.Log(ctx, exec, core.LogLevelInfo, "", "execution started", nil)
	for _, o := range e.observers() {
		o.ExecutionStarted(exec.Clone())
	}
	out := exec.Clone()
	if err := e.launch(m, exec); err != nil {
		e.finish(context.Background(), &run{exec: exec}, core.ExecutionFailed, err)
		return nil, err
	}
	return out, nil
}

// Execute starts an execution and waits for it to finish.
func (e *Engine) Execute(ctx context.Context, workflowID string, variables map[string]any) (*core.WorkflowExecution, error) {
	exec, err := e.Start(ctx, workflowID, variables)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, exec.ID)
}

func (e *Engine) launch(m *Machine, exec *core.WorkflowExecution) error {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{machine: m, cancel: cancel, exited: make(chan struct{}), exec: exec}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return errors.New("workflow engine is shut down")
	}
	if _, live := e.runs[exec.ID]; live {
		e.mu.Unlock()
		cancel()
		return core.NewValidationError("workflow.start", fmt.Sprintf("execution %s is already running", exec.ID))
	}
	e.runs[exec.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go e.drive(runCtx, r)
	return nil
}

func (e *Engine) logger(execID string) logging.Logger {
	if fl, ok := e.opts.Logger.(*logging.FlowLogger); ok {
		return fl.WithExecution(execID)
	}
	return e.opts.Logger
}

// drive runs steps until the execution is terminal or stopped.
func (e *Engine) drive(ctx context.Context, r *run) {
	// store writes must survive a cancelled run
	persistCtx := context.Background()
	execID := r.exec.ID
	defer func() {
		r.cancel()
		e.mu.Lock()
		delete(e.runs, execID)
		e.mu.Unlock()
		close(r.exited)
		e.wg.Done()
	}()
	stopSnapshots := e.autoSnapshot(r)
	defer stopSnapshots()

	for {
		if reason := r.stopped(); reason != stopNone {
			e.halt(persistCtx, r, reason)
			return
		}
		r.mu.Lock()
		current := r.exec.CurrentStep
		r.mu.Unlock()

		step, ok := r.machine.Step(current)
		if !ok {
			e.finish(persistCtx, r, core.ExecutionFailed, fmt.Errorf("step %q not found", current))
			return
		}
		res, branch := e.runStep(ctx, r, step)
		if reason := r.stopped(); reason != stopNone {
			e.halt(persistCtx, r, reason)
			return
		}
		e.record(persistCtx, r, step.ID, step, res)

		ev := EventComplete
		if !res.Success {
			ev = EventFail
		}
		tr, err := r.machine.Fire(step.ID, ev, branch)
		if err != nil {
			e.finish(persistCtx, r, core.ExecutionFailed, err)
			return
		}
		if tr.Status != "" {
			var cause error
			if tr.Status == core.ExecutionFailed {
				cause = fmt.Errorf("step %s failed: %s", step.ID, res.Error)
			}
			e.finish(persistCtx, r, tr.Status, cause)
			return
		}

		r.mu.Lock()
		r.exec.CurrentStep = tr.Next
		exec := r.exec.Clone()
		r.mu.Unlock()
		if err := e.state.Persist(persistCtx, exec); err != nil {
			e.logger(execID).Error("execution not persisted", "error", err)
		}
	}
}

// record stores a step result under key, applies its output variable and
// logs it.
func (e *Engine) record(ctx context.Context, r *run, key string, step core.Step, res core.StepResult) {
	r.mu.Lock()
	r.exec.Results[key] = res
	if res.Success {
		if name, ok := step.Config["outputVariable"].(string); ok && name != "" {
			r.exec.Variables[name] = res.Output
		}
	}
	level, msg := core.LogLevelInfo, "step completed"
	var cause error
	if !res.Success {
		level, msg, cause = core.LogLevelError, "step failed", errors.New(res.Error)
	}
	e.state.Log(ctx, r.exec, level, key, msg, cause)
	execID := r.exec.ID
	r.mu.Unlock()

	if fl, ok := e.opts.Logger.(*logging.FlowLogger); ok {
		fl.WithExecution(execID).LogStepExecution(key, string(step.Type), res.Duration, res.Attempts, res.Success, cause)
	}
	for _, o := range e.observers() {
		o.StepFinished(execID, key, step, res)
	}
}

// halt stops a run on request. A paused execution is persisted and
// snapshotted for a later Resume; a cancelled one is final.
func (e *Engine) halt(ctx context.Context, r *run, reason stopReason) {
	switch reason {
	case stopPause:
		r.mu.Lock()
		r.exec.Status = core.ExecutionPaused
		e.state.Log(ctx, r.exec, core.LogLevelInfo, r.exec.CurrentStep, "execution paused", nil)
		exec := r.exec.Clone()
		r.mu.Unlock()
		if err := e.state.Persist(ctx, exec); err != nil {
			e.logger(exec.ID).Error("paused execution not persisted", "error", err)
		}
		if _, err := e.state.Snapshot(ctx, exec); err != nil {
			e.logger(exec.ID).Warn("pause snapshot failed", "error", err)
		}
	case stopShutdown:
		e.finish(ctx, r, core.ExecutionCancelled, errors.New("engine shutdown"))
	default:
		e.finish(ctx, r, core.ExecutionCancelled, errors.New("execution cancelled"))
	}
}

// finish moves a run to a terminal status. The status is persisted before
// waiters are released.
func (e *Engine) finish(ctx context.Context, r *run, status core.ExecutionStatus, cause error) {
	r.mu.Lock()
	end := e.opts.Now()
	r.exec.Status = status
	r.exec.EndTime = &end
	level := core.LogLevelInfo
	if cause != nil {
		r.exec.Error = cause.Error()
		if status == core.ExecutionFailed {
			level = core.LogLevelError
		}
	}
	e.state.Log(ctx, r.exec, level, r.exec.CurrentStep, "execution "+string(status), cause)
	exec := r.exec.Clone()
	r.mu.Unlock()

	if err := e.state.Persist(ctx, exec); err != nil {
		e.logger(exec.ID).Error("terminal execution not persisted", "status", status, "error", err)
	}
	e.logger(exec.ID).Info("execution finished", "execution_id", exec.ID, "workflow_id", exec.WorkflowID, "status", status)
	for _, o := range e.observers() {
		o.ExecutionFinished(exec)
	}
	e.release(exec.ID)
}

func (e *Engine) release(execID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.done[execID]; ok {
		close(ch)
		delete(e.done, execID)
	}
}

func (e *Engine) autoSnapshot(r *run) func() {
	if e.opts.SnapshotInterval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.opts.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				exec := r.snapshot()
				if _, err := e.state.Snapshot(context.Background(), exec); err != nil {
					e.logger(exec.ID).Warn("auto snapshot failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func (e *Engine) live(id string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// Execution returns the current state of an execution.
func (e *Engine) Execution(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	if r, ok := e.live(id); ok {
		return r.snapshot(), nil
	}
	return e.state.Load(ctx, id)
}

// Executions lists stored executions, optionally filtered by status.
func (e *Engine) Executions(ctx context.Context, statuses ...core.ExecutionStatus) ([]*core.WorkflowExecution, error) {
	return e.opts.Store.ListExecutions(ctx, statuses...)
}

// Logs returns the most recent log entries of an execution.
func (e *Engine) Logs(ctx context.Context, id string, limit int) ([]core.ExecutionLog, error) {
	return e.opts.Store.GetLogs(ctx, id, limit)
}

// Wait blocks until the execution is terminal and returns its final state.
// A paused execution keeps Wait blocked until it is resumed and finishes.
func (e *Engine) Wait(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	e.mu.Lock()
	ch, ok := e.done[id]
	e.mu.Unlock()
	if !ok {
		exec, err := e.state.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		ch = e.tracker(id)
	}
	select {
	case <-ch:
		return e.state.Load(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tracker returns the done channel of a non-terminal execution.
func (e *Engine) tracker(id string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.done[id]
	if !ok {
		ch = make(chan struct{})
		e.done[id] = ch
	}
	return ch
}

// Pause interrupts a running execution after persisting it as paused and
// taking a snapshot. A step in flight is abandoned and runs again on
// Resume.
func (e *Engine) Pause(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	r, ok := e.live(id)
	if !ok {
		exec, err := e.state.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status == core.ExecutionPaused {
			return exec, nil
		}
		return nil, core.NewValidationError("workflow.pause", fmt.Sprintf("execution %s is %s", id, exec.Status))
	}
	r.stop(stopPause)
	select {
	case <-r.exited:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.state.Load(ctx, id)
}

// Resume continues a paused execution from its current step, reloading the
// persisted execution and definition.
func (e *Engine) Resume(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	if _, ok := e.live(id); ok {
		return nil, core.NewValidationError("workflow.resume", fmt.Sprintf("execution %s is already running", id))
	}
	exec, err := e.state.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != core.ExecutionPaused && exec.Status != core.ExecutionRunning {
		return nil, core.NewValidationError("workflow.resume", fmt.Sprintf("execution %s is %s", id, exec.Status))
	}
	return e.resume(ctx, exec, "execution resumed")
}

func (e *Engine) resume(ctx context.Context, exec *core.WorkflowExecution, msg string) (*core.WorkflowExecution, error) {
	m, err := e.machine(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Step(exec.CurrentStep); !ok {
		return nil, core.NewValidationError("workflow.resume", fmt.Sprintf("execution %s points at unknown step %q", exec.ID, exec.CurrentStep))
	}
	if exec.Variables == nil {
		exec.Variables = make(map[string]any)
	}
	if exec.Results == nil {
		exec.Results = make(map[string]core.StepResult)
	}
	prev := exec.Status
	exec.Status = core.ExecutionRunning
	exec.EndTime = nil
	e.state.Log(ctx, exec, core.LogLevelInfo, exec.CurrentStep, msg, nil)
	if err := e.state.Persist(ctx, exec); err != nil {
		return nil, err
	}
	e.tracker(exec.ID)
	out := exec.Clone()
	if err := e.launch(m, exec); err != nil {
		if _, live := e.live(exec.ID); !live {
			exec.Status = prev
			if perr := e.state.Persist(context.Background(), exec); perr != nil {
				e.logger(exec.ID).Error("execution status not restored", "status", prev, "error", perr)
			}
		}
		return nil, err
	}
	return out, nil
}

// Cancel stops an execution for good.
func (e *Engine) Cancel(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	if r, ok := e.live(id); ok {
		r.stop(stopCancel)
		select {
		case <-r.exited:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.state.Load(ctx, id)
	}
	exec, err := e.state.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, core.NewValidationError("workflow.cancel", fmt.Sprintf("execution %s is already %s", id, exec.Status))
	}
	end := e.opts.Now()
	exec.Status = core.ExecutionCancelled
	exec.EndTime = &end
	exec.Error = "execution cancelled"
	e.state.Log(ctx, exec, core.LogLevelInfo, exec.CurrentStep, "execution cancelled", nil)
	if err := e.state.Persist(ctx, exec); err != nil {
		return nil, err
	}
	for _, o := range e.observers() {
		o.ExecutionFinished(exec.Clone())
	}
	e.release(id)
	return exec, nil
}

// Snapshot stores a snapshot of the execution's current state.
func (e *Engine) Snapshot(ctx context.Context, id string) (*core.Snapshot, error) {
	exec, err := e.Execution(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.state.Snapshot(ctx, exec)
}

// Restore replaces a stopped execution's state with its latest verified
// snapshot. A restored non-terminal execution is left paused.
func (e *Engine) Restore(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	if _, ok := e.live(id); ok {
		return nil, core.NewValidationError("workflow.restore", fmt.Sprintf("execution %s is running; pause it first", id))
	}
	exec, snap, err := e.state.Restore(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Terminal() {
		exec.Status = core.ExecutionPaused
		e.tracker(id)
	}
	e.state.Log(ctx, exec, core.LogLevelInfo, exec.CurrentStep, "execution restored from snapshot "+snap.ID, nil)
	if err := e.state.Persist(ctx, exec); err != nil {
		return nil, err
	}
	return e.state.Load(ctx, id)
}

// Recover resumes every execution persisted as running that is not driven
// by this engine, as left behind by a crash. It returns the resumed ids.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	execs, err := e.opts.Store.ListExecutions(ctx, core.ExecutionRunning)
	if err != nil {
		return nil, err
	}
	var (
		ids  []string
		errs []error
	)
	for _, exec := range execs {
		if _, ok := e.live(exec.ID); ok {
			continue
		}
		exec.Logs = nil
		resumed, err := e.resume(ctx, exec, "execution recovered")
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", exec.ID, err))
			continue
		}
		for _, o := range e.observers() {
			o.ExecutionStarted(resumed)
		}
		ids = append(ids, exec.ID)
	}
	return ids, errors.Join(errs...)
}

// Shutdown cancels every live execution, persisting it as cancelled, and
// waits for the drivers to exit. The store is left open.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.stop(stopShutdown)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
