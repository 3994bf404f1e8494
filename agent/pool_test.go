package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/team"
)

func TestPool_AcquireReuseRelease(t *testing.T) {
	b := bus.New()
	tc := team.NewCoordinator(b)
	p := NewPool(b, func(o *PoolOptions) {
		o.MaxAgents = 2
		o.Teams = tc
	})
	defer func() { _ = p.Close(context.Background()) }()

	a1, err := p.Acquire(context.Background(), "coding")
	require.NoError(t, err)
	assert.Equal(t, "pool", a1.ID().Namespace)
	assert.True(t, b.Registered(a1.ID()))
	_, ok := tc.Profile(a1.ID())
	assert.True(t, ok)

	a2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID(), a2.ID())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrCapacity)

	p.Release(a1)
	again, err := p.Acquire(context.Background(), "coding")
	require.NoError(t, err)
	assert.Same(t, a1, again)
	assert.Equal(t, 2, p.Size())
}

func TestPool_ExecutorOutlivesAcquireContext(t *testing.T) {
	b := bus.New()
	p := NewPool(b)
	defer func() { _ = p.Close(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	cancel()
	p.Release(a)

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, a, again)

	g, err := again.AssignGoal(context.Background(), core.Goal{Description: "write the summary"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, ok := again.Outcome(g.ID)
		return ok && out.Status == core.GoalStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestPool_AcquireWithCancelledContext(t *testing.T) {
	p := NewPool(bus.New())
	defer func() { _ = p.Close(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Size())
}

func TestPool_ReleaseRecoversFault(t *testing.T) {
	b := bus.New()
	p := NewPool(b)
	defer func() { _ = p.Close(context.Background()) }()

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	a.Fault(assert.AnError)
	require.Equal(t, StateError, a.State())

	p.Release(a)
	assert.Equal(t, StateIdle, a.State())
}

func TestPool_Close(t *testing.T) {
	b := bus.New()
	p := NewPool(b)
	a, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, StateTerminated, a.State())
	_, err = p.Acquire(context.Background())
	assert.Error(t, err)
}
