package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/team"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Logger    logging.Logger
	Namespace string
	MaxAgents int
	// Teams, when set, receives a profile for every spawned executor.
	Teams    *team.Coordinator
	Executor []func(o *ExecutorOptions)
}

// Pool spawns and reuses executor agents for short-lived work such as
// workflow agent-task steps.
type Pool struct {
	bus  *bus.Bus
	opts PoolOptions

	// Spawned executors run under the pool's context, not a lease caller's.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	agents []*Executor
	leased map[string]bool
	closed bool
}

// NewPool creates an empty pool.
func NewPool(b *bus.Bus, optFns ...func(o *PoolOptions)) *Pool {
	opts := PoolOptions{Logger: logging.NoOpLogger{}, Namespace: "pool", MaxAgents: 10}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{bus: b, opts: opts, ctx: ctx, cancel: cancel, leased: make(map[string]bool)}
}

// Acquire leases an idle executor, spawning one when none is free. The
// capabilities are added to a spawned executor's declared set.
func (p *Pool) Acquire(ctx context.Context, capabilities ...string) (*Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pool is closed")
	}
	for _, a := range p.agents {
		key := a.ID().Key()
		if p.leased[key] || a.State() != StateIdle || !a.Running() {
			continue
		}
		if covers(a.Capabilities(), capabilities) {
			p.leased[key] = true
			return a, nil
		}
	}
	if len(p.agents) >= p.opts.MaxAgents {
		return nil, core.NewCapacityError("pool.acquire", fmt.Sprintf("all %d pooled agents are busy", p.opts.MaxAgents))
	}

	id := core.NewAgentID(p.opts.Namespace, fmt.Sprintf("executor-%d", len(p.agents)+1))
	fns := append([]func(o *ExecutorOptions){func(o *ExecutorOptions) { o.Logger = p.opts.Logger }}, p.opts.Executor...)
	fns = append(fns, func(o *ExecutorOptions) {
		o.Capabilities = append(o.Capabilities, capabilities...)
	})
	a := NewExecutor(id, p.bus, fns...)
	if err := a.Start(p.ctx); err != nil {
		return nil, err
	}
	if p.opts.Teams != nil {
		p.opts.Teams.RegisterProfile(team.Profile{Agent: a.ID(), Capabilities: a.Capabilities()})
	}
	p.agents = append(p.agents, a)
	p.leased[id.Key()] = true
	p.opts.Logger.Debug("pool agent spawned", "agent_id", id.Key(), "pool_size", len(p.agents))
	return a, nil
}

// Release returns a leased executor to the pool, recovering it from a fault.
func (p *Pool) Release(a *Executor) {
	if a.State() == StateError {
		_ = a.Recover()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, a.ID().Key())
}

// Size returns the number of spawned executors.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Close stops every pooled executor.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	agents := p.agents
	p.agents = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, a := range agents {
		if !a.Running() {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if p.opts.Teams != nil {
			p.opts.Teams.UnregisterProfile(a.ID())
		}
	}
	p.cancel()
	return errors.Join(errs...)
}

func covers(declared, required []string) bool {
	for _, r := range required {
		found := false
		for _, d := range declared {
			if d == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
